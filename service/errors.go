package service

import (
	"errors"
	"fmt"
)

// Error classes surfaced by the pipeline. Callers classify failures with
// errors.Is; every concrete error wraps exactly one of these.
var (
	ErrValidation   = errors.New("validation error")
	ErrProvisioning = errors.New("staging provisioning error")
	ErrExport       = errors.New("export error")
	ErrTransfer     = errors.New("transfer error")
	ErrCorruptShard = errors.New("corrupt shard")
	ErrAssembly     = errors.New("assembly error")
	ErrCleanup      = errors.New("cleanup error")
)

// ErrUnsupportedFormat is returned when the requested export format is not one
// of CSV, NEWLINE_DELIMITED_JSON or AVRO.
var ErrUnsupportedFormat = fmt.Errorf("%w: unsupported export format", ErrValidation)

// ErrSourceNotFound is returned when the dataset or table does not exist.
var ErrSourceNotFound = fmt.Errorf("%w: source not found", ErrExport)
