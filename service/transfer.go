package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"cloud.google.com/go/storage/transfermanager"
)

const (
	defaultTransferWorkers = 16
	defaultTransferSlices  = 8
	// minPartSize keeps small shards from being split into tiny ranges.
	minPartSize int64 = 8 << 20
)

// LocalShard is a shard file on local disk.
type LocalShard struct {
	Object string
	Path   string
	Size   int64
}

// objectDownloader abstracts transfermanager.Downloader for testability.
type objectDownloader interface {
	DownloadObject(ctx context.Context, in *transfermanager.DownloadObjectInput) error
	WaitAndClose() ([]transfermanager.DownloadOutput, error)
}

// ShardTransfer downloads shard sets with multi-object and per-object sliced
// parallelism.
type ShardTransfer struct {
	workers int
	slices  int
	// newDownloader is replaced in tests to avoid real GCS calls.
	newDownloader func(workers int, partSize int64) (objectDownloader, error)
}

// NewShardTransfer builds a transfer using client. workers bounds the number
// of concurrent range requests across all objects; slices is the number of
// ranges the largest shard is split into.
func NewShardTransfer(client *storage.Client, workers, slices int) *ShardTransfer {
	t := &ShardTransfer{workers: workers, slices: slices}
	if t.workers <= 0 {
		t.workers = defaultTransferWorkers
	}
	if t.slices <= 0 {
		t.slices = defaultTransferSlices
	}
	t.newDownloader = func(workers int, partSize int64) (objectDownloader, error) {
		return transfermanager.NewDownloader(client,
			transfermanager.WithWorkers(workers),
			transfermanager.WithPartSize(partSize),
		)
	}
	return t
}

// partSize splits the largest object of the set into t.slices ranges.
func (t *ShardTransfer) partSize(set ShardSet) int64 {
	var largest int64
	for _, o := range set.Objects {
		largest = max(largest, o.Size)
	}
	slices := int64(t.slices)
	size := (largest + slices - 1) / slices
	return max(size, minPartSize)
}

// Download fetches every object of the set into destDir and returns once all
// of them are complete. If any object fails, every file written by this call
// is removed and an error wrapping ErrTransfer is returned.
func (t *ShardTransfer) Download(ctx context.Context, set ShardSet, destDir string) ([]LocalShard, error) {
	if len(set.Objects) == 0 {
		return nil, nil
	}

	start := time.Now()
	partSize := t.partSize(set)

	d, err := t.newDownloader(t.workers, partSize)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create downloader: %w", ErrTransfer, err)
	}

	slog.InfoContext(ctx, "Starting shard download",
		"bucket", set.Bucket,
		"pattern", set.Pattern.String(),
		"shards", len(set.Objects),
		"bytes", set.TotalSize(),
		"workers", t.workers,
		"part_size", partSize,
	)

	shards := make([]LocalShard, 0, len(set.Objects))
	files := make([]*os.File, 0, len(set.Objects))
	abort := func(cause error) ([]LocalShard, error) {
		for _, f := range files {
			_ = f.Close()
		}
		for _, s := range shards {
			_ = os.Remove(s.Path)
		}
		return nil, fmt.Errorf("%w: %w", ErrTransfer, cause)
	}

	for _, o := range set.Objects {
		path := filepath.Join(destDir, o.Name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			_, _ = d.WaitAndClose()
			return abort(fmt.Errorf("failed to create %s: %w", path, err))
		}
		files = append(files, f)
		shards = append(shards, LocalShard{Object: o.Name, Path: path, Size: o.Size})

		in := &transfermanager.DownloadObjectInput{
			Bucket:      set.Bucket,
			Object:      o.Name,
			Destination: f,
		}
		if err := d.DownloadObject(ctx, in); err != nil {
			_, _ = d.WaitAndClose()
			return abort(fmt.Errorf("failed to queue %s: %w", o.Name, err))
		}
	}

	// Barrier: WaitAndClose returns only once every queued download is done.
	outputs, waitErr := d.WaitAndClose()

	var errs []error
	for _, out := range outputs {
		if out.Err != nil {
			errs = append(errs, fmt.Errorf("download of %s failed: %w", out.Object, out.Err))
		}
	}
	if len(errs) == 0 && waitErr != nil {
		errs = append(errs, waitErr)
	}
	for i, f := range files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", shards[i].Path, err))
		}
	}
	files = nil
	if len(errs) > 0 {
		return abort(errors.Join(errs...))
	}

	for _, s := range shards {
		info, err := os.Stat(s.Path)
		if err != nil {
			return abort(err)
		}
		if info.Size() != s.Size {
			return abort(fmt.Errorf("size mismatch for %s: expected %d, got %d", s.Object, s.Size, info.Size()))
		}
	}

	slog.InfoContext(ctx, "Shard download completed",
		"shards", len(shards),
		"bytes", set.TotalSize(),
		"duration", time.Since(start),
	)
	return shards, nil
}
