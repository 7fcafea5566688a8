package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"
)

// DefaultDecompressWorkers bounds the decompression pool when none is set.
const DefaultDecompressWorkers = 8

// GzipDecompressor decompresses shards in place using a bounded pool.
type GzipDecompressor struct{}

func NewGzipDecompressor() *GzipDecompressor {
	return &GzipDecompressor{}
}

// DecompressAll replaces every shard with its decompressed form. Codecs that
// need no step are passed through unchanged. The first failing shard fails the
// whole call with ErrCorruptShard; shards already decompressed are left for
// the caller to remove.
func (g *GzipDecompressor) DecompressAll(ctx context.Context, shards []LocalShard, codec Codec, maxWorkers int) ([]LocalShard, error) {
	if codec != CodecGzip {
		return shards, nil
	}
	if maxWorkers <= 0 {
		maxWorkers = DefaultDecompressWorkers
	}

	out := make([]LocalShard, len(shards))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxWorkers)
	for i, s := range shards {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, err := decompressFile(s)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrCorruptShard, s.Object, err)
			}
			out[i] = d
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Shards decompressed", "shards", len(out), "workers", maxWorkers)
	return out, nil
}

// decompressFile writes the plaintext of s next to it without the .gz suffix
// and removes the compressed file.
func decompressFile(s LocalShard) (LocalShard, error) {
	dst := strings.TrimSuffix(s.Path, ".gz")
	if dst == s.Path {
		dst = s.Path + ".out"
	}
	tmp := dst + ".tmp"

	in, err := os.Open(s.Path)
	if err != nil {
		return LocalShard{}, err
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return LocalShard{}, fmt.Errorf("failed to read gzip header: %w", err)
	}
	defer zr.Close()

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return LocalShard{}, err
	}
	n, err := io.Copy(f, zr)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return LocalShard{}, err
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return LocalShard{}, err
	}
	if err := os.Remove(s.Path); err != nil {
		return LocalShard{}, err
	}
	return LocalShard{Object: s.Object, Path: dst, Size: n}, nil
}
