package service

import (
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
)

// Format is the destination format requested from the extract job.
type Format string

const (
	FormatCSV  Format = "CSV"
	FormatJSON Format = "NEWLINE_DELIMITED_JSON"
	FormatAvro Format = "AVRO"
)

// DefaultFormat is used when the caller does not name one.
const DefaultFormat = FormatCSV

// Codec is the compression applied by the extract job.
type Codec string

const (
	CodecGzip   Codec = "GZIP"
	CodecSnappy Codec = "SNAPPY"
)

// Resolution is everything derived from a Format.
type Resolution struct {
	Format    Format
	Codec     Codec
	Extension string
	// Decompress is false when consumers read the shards as they are (Avro
	// blocks carry their own Snappy compression).
	Decompress bool
}

// DataFormat maps the resolution to the BigQuery client constant.
func (r Resolution) DataFormat() bigquery.DataFormat {
	switch r.Format {
	case FormatJSON:
		return bigquery.JSON
	case FormatAvro:
		return bigquery.Avro
	default:
		return bigquery.CSV
	}
}

// Compression maps the codec to the BigQuery client constant.
func (r Resolution) Compression() bigquery.Compression {
	if r.Codec == CodecSnappy {
		return bigquery.Snappy
	}
	return bigquery.Gzip
}

// ResolveFormat returns the codec, extension and decompression strategy for
// a format name. An empty name selects DefaultFormat.
func ResolveFormat(name string) (Resolution, error) {
	switch Format(strings.ToUpper(strings.TrimSpace(name))) {
	case "", FormatCSV:
		return Resolution{Format: FormatCSV, Codec: CodecGzip, Extension: "gz", Decompress: true}, nil
	case FormatJSON, "JSON", "NDJSON":
		return Resolution{Format: FormatJSON, Codec: CodecGzip, Extension: "gz", Decompress: true}, nil
	case FormatAvro:
		return Resolution{Format: FormatAvro, Codec: CodecSnappy, Extension: "avro"}, nil
	default:
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}
