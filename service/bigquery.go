package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
)

// ExtractRequest describes one extract job.
type ExtractRequest struct {
	Table      TableRef
	Resolution Resolution
	// Location is the region or multi-region the job runs in; it must match
	// the dataset location.
	Location string
	// URI is the wildcard destination, see ShardNaming.URI.
	URI            string
	FieldDelimiter string
}

// JobResult is returned once the warehouse confirms the shards are written.
type JobResult struct {
	JobID string
	// FileCounts holds the number of files written per destination URI.
	FileCounts []int64
	// Created is when the warehouse accepted the job. Shards of this job are
	// written after it.
	Created time.Time
}

// ShardCount is the total number of files the job reported, or 0 when the
// job statistics carried no counts.
func (r JobResult) ShardCount() int {
	var n int64
	for _, c := range r.FileCounts {
		n += c
	}
	return int(n)
}

type BigQueryService struct {
	client    *bigquery.Client
	projectID string
}

func NewBigQueryService(ctx context.Context, projectID string) (*BigQueryService, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &BigQueryService{
		client:    client,
		projectID: projectID,
	}, nil
}

func (s *BigQueryService) Close() error {
	return s.client.Close()
}

// DatasetExists looks the dataset up by its exact ID.
func (s *BigQueryService) DatasetExists(ctx context.Context, dataset string) (bool, error) {
	_, err := s.client.Dataset(dataset).Metadata(ctx)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read dataset %q metadata: %w", dataset, err)
	}
	return true, nil
}

// TableExists looks the table up by its exact ID.
func (s *BigQueryService) TableExists(ctx context.Context, ref TableRef) (bool, error) {
	_, err := s.client.Dataset(ref.Dataset).Table(ref.Table).Metadata(ctx)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read table %s metadata: %w", ref, err)
	}
	return true, nil
}

// ExportTable runs an extract job writing compressed shards to req.URI and
// blocks until the job is done.
func (s *BigQueryService) ExportTable(ctx context.Context, req ExtractRequest) (JobResult, error) {
	extractor := newExtractor(s.client.Dataset(req.Table.Dataset).Table(req.Table.Table), req)

	slog.InfoContext(ctx, "Starting BigQuery extract",
		"dataset", req.Table.Dataset,
		"table", req.Table.Table,
		"format", req.Resolution.Format,
		"compression", req.Resolution.Codec,
		"location", req.Location,
		"export_uri", req.URI,
	)

	job, err := extractor.Run(ctx)
	if err != nil {
		return JobResult{}, fmt.Errorf("failed to start extract job: %w", err)
	}

	slog.InfoContext(ctx, "Extract job submitted", "job_id", job.ID())

	status, err := job.Wait(ctx)
	if err != nil {
		return JobResult{}, fmt.Errorf("job failed during execution: %w", err)
	}
	if err := status.Err(); err != nil {
		return JobResult{}, fmt.Errorf("job completed with error: %w", err)
	}

	res := JobResult{JobID: job.ID()}
	if status.Statistics != nil {
		res.Created = status.Statistics.CreationTime
		if st, ok := status.Statistics.Details.(*bigquery.ExtractStatistics); ok {
			res.FileCounts = st.DestinationURIFileCounts
		}
	}

	slog.InfoContext(ctx, "Extract job completed successfully", "job_id", job.ID(), "file_counts", res.FileCounts)
	return res, nil
}

func newGCSReference(req ExtractRequest) *bigquery.GCSReference {
	ref := bigquery.NewGCSReference(req.URI)
	ref.DestinationFormat = req.Resolution.DataFormat()
	ref.Compression = req.Resolution.Compression()
	// A field delimiter is only valid for CSV; Avro jobs reject it.
	if req.Resolution.Format == FormatCSV && req.FieldDelimiter != "" {
		ref.FieldDelimiter = req.FieldDelimiter
	}
	return ref
}

func newExtractor(t *bigquery.Table, req ExtractRequest) *bigquery.Extractor {
	extractor := t.ExtractorTo(newGCSReference(req))
	extractor.DisableHeader = true
	extractor.Location = req.Location
	return extractor
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func isConflict(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusConflict
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
