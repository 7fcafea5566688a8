package service

import (
	"context"
	"log/slog"
	"time"
)

// RunRecorder persists one RunRecord.
type RunRecorder interface {
	Record(ctx context.Context, r RunRecord) error
}

// HistoryDriver records every run of the wrapped driver. Recording failures
// are logged and never change the run result.
type HistoryDriver struct {
	next     ExportDriver
	recorder RunRecorder
	now      func() time.Time
}

func NewHistoryDriver(next ExportDriver, recorder RunRecorder) *HistoryDriver {
	return &HistoryDriver{next: next, recorder: recorder, now: time.Now}
}

func (d *HistoryDriver) Execute(ctx context.Context, params ExportParams) (ExportResult, error) {
	started := d.now()
	res, err := d.next.Execute(ctx, params)

	rec := RunRecord{
		RunID:      res.RunID,
		Dataset:    params.Dataset,
		Table:      params.Table,
		Format:     string(res.Format),
		Status:     RunStatusSucceeded,
		Shards:     res.Shards,
		Bytes:      res.Bytes,
		StartedAt:  started,
		FinishedAt: d.now(),
	}
	if rec.Format == "" {
		rec.Format = params.Format
	}
	if err != nil {
		rec.Status = RunStatusFailed
		rec.Error = err.Error()
	}
	if rec.RunID == "" {
		// Validation failures happen before a run ID is assigned.
		return res, err
	}

	if rerr := d.recorder.Record(context.WithoutCancel(ctx), rec); rerr != nil {
		slog.WarnContext(ctx, "Failed to record export run", "run_id", rec.RunID, "error", rerr)
	}
	return res, err
}
