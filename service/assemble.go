package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// OutputArtifact is the assembled local file.
type OutputArtifact struct {
	Path   string
	Size   int64
	Shards int
}

// FileAssembler concatenates shard files into one artifact.
type FileAssembler struct{}

func NewFileAssembler() *FileAssembler {
	return &FileAssembler{}
}

// Assemble concatenates shards in lexical order of their file names into
// outputPath and removes the shard files. Rows keep no order across shards;
// the only guarantee is that the same shard set always yields the same bytes.
// The artifact is written to a temporary name and renamed, so either the full
// file exists or none does.
func (a *FileAssembler) Assemble(ctx context.Context, shards []LocalShard, outputPath string) (OutputArtifact, error) {
	if len(shards) == 0 {
		return OutputArtifact{}, fmt.Errorf("%w: no shards to assemble into %s", ErrAssembly, outputPath)
	}

	ordered := make([]LocalShard, len(shards))
	copy(ordered, shards)
	sort.SliceStable(ordered, func(i, j int) bool {
		return filepath.Base(ordered[i].Path) < filepath.Base(ordered[j].Path)
	})

	partial := outputPath + ".partial"
	size, err := concatFiles(ordered, partial)
	if err != nil {
		_ = os.Remove(partial)
		return OutputArtifact{}, fmt.Errorf("%w: %w", ErrAssembly, err)
	}
	if err := os.Rename(partial, outputPath); err != nil {
		_ = os.Remove(partial)
		return OutputArtifact{}, fmt.Errorf("%w: %w", ErrAssembly, err)
	}

	for _, s := range ordered {
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
			slog.WarnContext(ctx, "Failed to remove shard file", "path", s.Path, "error", err)
		}
	}

	slog.InfoContext(ctx, "Output assembled", "path", outputPath, "bytes", size, "shards", len(ordered))
	return OutputArtifact{Path: outputPath, Size: size, Shards: len(ordered)}, nil
}

func concatFiles(shards []LocalShard, dst string) (int64, error) {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dst, err)
	}

	var total int64
	for _, s := range shards {
		n, err := appendFile(out, s.Path)
		total += n
		if err != nil {
			_ = out.Close()
			return total, err
		}
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return total, fmt.Errorf("failed to sync %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return total, fmt.Errorf("failed to close %s: %w", dst, err)
	}
	return total, nil
}

func appendFile(w io.Writer, path string) (int64, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open shard %s: %w", path, err)
	}
	defer in.Close()

	n, err := io.Copy(w, in)
	if err != nil {
		return n, fmt.Errorf("failed to append shard %s: %w", path, err)
	}
	return n, nil
}
