package service

import "context"

type ExportParams struct {
	Dataset string
	Table   string
	// Format is optional; empty selects DefaultFormat.
	Format string
}

type ExportResult struct {
	RunID  string
	Output string
	Format Format
	Codec  Codec
	Shards int
	Bytes  int64
}

type ExportDriver interface {
	Execute(ctx context.Context, params ExportParams) (ExportResult, error)
}
