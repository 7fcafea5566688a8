package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Warehouse is the subset of BigQuery the pipeline needs.
type Warehouse interface {
	DatasetExists(ctx context.Context, dataset string) (bool, error)
	TableExists(ctx context.Context, ref TableRef) (bool, error)
	ExportTable(ctx context.Context, req ExtractRequest) (JobResult, error)
}

// Stager manages the staging bucket and the shards in it.
type Stager interface {
	EnsureStaging(ctx context.Context, name string) (StagingRef, error)
	ListShards(ctx context.Context, ref StagingRef, pattern ShardPattern) (ShardSet, error)
	Purge(ctx context.Context, set ShardSet) (int, error)
}

type Transferrer interface {
	Download(ctx context.Context, set ShardSet, destDir string) ([]LocalShard, error)
}

type Decompressor interface {
	DecompressAll(ctx context.Context, shards []LocalShard, codec Codec, maxWorkers int) ([]LocalShard, error)
}

type Assembler interface {
	Assemble(ctx context.Context, shards []LocalShard, outputPath string) (OutputArtifact, error)
}

// Stage is a step of the run state machine.
type Stage string

const (
	StageInit           Stage = "INIT"
	StageStagingReady   Stage = "STAGING_READY"
	StageExported       Stage = "EXPORTED"
	StageTransferred    Stage = "TRANSFERRED"
	StageCleanupStarted Stage = "CLEANUP_STARTED"
	StageDecompressed   Stage = "DECOMPRESSED"
	StageAssembled      Stage = "ASSEMBLED"
	StageDone           Stage = "DONE"
)

type PipelineConfig struct {
	Project string
	// Location constrains the extract job and new staging buckets.
	Location          string
	OutputDir         string
	FieldDelimiter    string
	DecompressWorkers int
	// CleanupTimeout bounds the detached purge of staged shards.
	CleanupTimeout time.Duration
}

// Pipeline exports one table per Execute call: extract to GCS, parallel
// download, parallel decompression, reassembly, and a detached purge of the
// staged shards.
type Pipeline struct {
	cfg          PipelineConfig
	warehouse    Warehouse
	stager       Stager
	transfer     Transferrer
	decompressor Decompressor
	assembler    Assembler

	cleanup sync.WaitGroup
	// inflight holds the output names of running exports; two runs for the
	// same table would share staged objects and the output file.
	inflight sync.Map
}

func NewPipeline(cfg PipelineConfig, wh Warehouse, st Stager, tr Transferrer, dc Decompressor, as Assembler) *Pipeline {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if cfg.DecompressWorkers <= 0 {
		cfg.DecompressWorkers = DefaultDecompressWorkers
	}
	return &Pipeline{
		cfg:          cfg,
		warehouse:    wh,
		stager:       st,
		transfer:     tr,
		decompressor: dc,
		assembler:    as,
	}
}

// Execute runs the pipeline for one table. Any failure aborts the run; only a
// failed purge of staged shards is tolerated, and it is never reported here.
func (p *Pipeline) Execute(ctx context.Context, params ExportParams) (ExportResult, error) {
	start := time.Now()
	runID := uuid.NewString()
	log := slog.With("run_id", runID, "dataset", params.Dataset, "table", params.Table)

	res, err := ResolveFormat(params.Format)
	if err != nil {
		return ExportResult{}, err
	}
	ref := TableRef{Dataset: strings.TrimSpace(params.Dataset), Table: strings.TrimSpace(params.Table)}
	if ref.Dataset == "" || ref.Table == "" {
		return ExportResult{}, fmt.Errorf("%w: dataset and table are required", ErrValidation)
	}

	naming := NewShardNaming(p.cfg.Project, ref)
	if _, busy := p.inflight.LoadOrStore(naming.OutputName(), struct{}{}); busy {
		return ExportResult{}, fmt.Errorf("%w: an export of %s is already running", ErrValidation, ref)
	}
	defer p.inflight.Delete(naming.OutputName())

	pattern := naming.Pattern(res.Extension)
	result := ExportResult{RunID: runID, Format: res.Format, Codec: res.Codec}

	stage := StageInit
	advance := func(next Stage) {
		stage = next
		log.InfoContext(ctx, "Pipeline stage reached", "stage", stage)
	}
	log.InfoContext(ctx, "Pipeline started", "stage", stage, "format", res.Format, "compression", res.Codec)

	// fail logs the stage a run stopped at; the error is returned unchanged.
	fail := func(err error) (ExportResult, error) {
		log.ErrorContext(ctx, "Pipeline failed", "stage", stage, "error", err)
		return result, err
	}

	if err := p.checkSource(ctx, ref); err != nil {
		return fail(err)
	}

	staging, err := p.stager.EnsureStaging(ctx, naming.Bucket())
	if err != nil {
		return fail(err)
	}
	advance(StageStagingReady)

	job, err := p.warehouse.ExportTable(ctx, ExtractRequest{
		Table:          ref,
		Resolution:     res,
		Location:       p.cfg.Location,
		URI:            naming.URI(res.Extension),
		FieldDelimiter: p.cfg.FieldDelimiter,
	})
	if err != nil {
		return fail(fmt.Errorf("%w: dataset=%s table=%s format=%s: %w", ErrExport, ref.Dataset, ref.Table, res.Format, err))
	}
	log.DebugContext(ctx, "Extract job finished", "job_id", job.JobID)
	advance(StageExported)

	listed, err := p.stager.ListShards(ctx, staging, pattern)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrTransfer, err))
	}
	// Objects older than the job are leftovers of an earlier run; they are
	// never downloaded, only purged along with this run's shards.
	set, stale := listed.WrittenSince(job.Created)
	if len(stale.Objects) > 0 {
		log.InfoContext(ctx, "Ignoring stale shards", "bucket", staging.Bucket, "count", len(stale.Objects))
	}
	if want := job.ShardCount(); want > 0 && len(set.Objects) != want {
		return fail(fmt.Errorf("%w: extract job %s wrote %d shards, found %d in %s", ErrTransfer, job.JobID, want, len(set.Objects), staging.Bucket))
	}

	if err := os.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
		return fail(fmt.Errorf("%w: failed to create output directory: %w", ErrTransfer, err))
	}
	workDir, err := os.MkdirTemp(p.cfg.OutputDir, "."+naming.OutputName()+"-")
	if err != nil {
		return fail(fmt.Errorf("%w: failed to create working directory: %w", ErrTransfer, err))
	}
	// Runs on every exit path; after a successful assembly the directory is
	// already empty.
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.WarnContext(ctx, "Failed to remove working directory", "path", workDir, "error", err)
		}
	}()

	shards, err := p.transfer.Download(ctx, set, workDir)
	if err != nil {
		return fail(err)
	}
	advance(StageTransferred)

	p.startCleanup(ctx, log, set.With(stale))
	advance(StageCleanupStarted)

	if res.Decompress {
		shards, err = p.decompressor.DecompressAll(ctx, shards, res.Codec, p.cfg.DecompressWorkers)
		if err != nil {
			return fail(err)
		}
	}
	advance(StageDecompressed)

	artifact, err := p.assembler.Assemble(ctx, shards, filepath.Join(p.cfg.OutputDir, naming.OutputName()))
	if err != nil {
		return fail(err)
	}
	advance(StageAssembled)

	result.Output = artifact.Path
	result.Shards = artifact.Shards
	result.Bytes = artifact.Size
	advance(StageDone)
	log.InfoContext(ctx, "Pipeline completed",
		"output", result.Output,
		"shards", result.Shards,
		"bytes", result.Bytes,
		"duration", time.Since(start),
	)
	return result, nil
}

// checkSource verifies dataset and table exist by exact ID before anything is
// created or submitted.
func (p *Pipeline) checkSource(ctx context.Context, ref TableRef) error {
	ok, err := p.warehouse.DatasetExists(ctx, ref.Dataset)
	if err != nil {
		return fmt.Errorf("%w: dataset=%s: %w", ErrExport, ref.Dataset, err)
	}
	if !ok {
		return fmt.Errorf("%w: dataset %q in project %q", ErrSourceNotFound, ref.Dataset, p.cfg.Project)
	}
	ok, err = p.warehouse.TableExists(ctx, ref)
	if err != nil {
		return fmt.Errorf("%w: table=%s: %w", ErrExport, ref, err)
	}
	if !ok {
		return fmt.Errorf("%w: table %q in dataset %q", ErrSourceNotFound, ref.Table, ref.Dataset)
	}
	return nil
}

// startCleanup purges the given shards in the background. Its outcome is only
// logged.
func (p *Pipeline) startCleanup(ctx context.Context, log *slog.Logger, set ShardSet) {
	ctx = context.WithoutCancel(ctx)
	p.cleanup.Add(1)
	go func() {
		defer p.cleanup.Done()
		if p.cfg.CleanupTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.cfg.CleanupTimeout)
			defer cancel()
		}
		n, err := p.stager.Purge(ctx, set)
		if err != nil {
			log.WarnContext(ctx, "Staged shard cleanup failed", "bucket", set.Bucket, "pattern", set.Pattern.String(), "error", err)
			return
		}
		log.InfoContext(ctx, "Staged shards removed", "bucket", set.Bucket, "deleted", n)
	}()
}

// Wait blocks until detached cleanup tasks finish or ctx is done. It is meant
// for process shutdown, after the run result has been reported.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.cleanup.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
