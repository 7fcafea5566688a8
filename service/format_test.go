package service

import (
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveFormat(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		format     Format
		codec      Codec
		ext        string
		decompress bool
		dataFormat bigquery.DataFormat
		compress   bigquery.Compression
	}{
		{"default", "", FormatCSV, CodecGzip, "gz", true, bigquery.CSV, bigquery.Gzip},
		{"csv", "CSV", FormatCSV, CodecGzip, "gz", true, bigquery.CSV, bigquery.Gzip},
		{"csv lower case", "csv", FormatCSV, CodecGzip, "gz", true, bigquery.CSV, bigquery.Gzip},
		{"ndjson", "NEWLINE_DELIMITED_JSON", FormatJSON, CodecGzip, "gz", true, bigquery.JSON, bigquery.Gzip},
		{"json alias", "json", FormatJSON, CodecGzip, "gz", true, bigquery.JSON, bigquery.Gzip},
		{"avro", "AVRO", FormatAvro, CodecSnappy, "avro", false, bigquery.Avro, bigquery.Snappy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ResolveFormat(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.format, res.Format)
			assert.Equal(t, tt.codec, res.Codec)
			assert.Equal(t, tt.ext, res.Extension)
			assert.Equal(t, tt.decompress, res.Decompress)
			assert.Equal(t, tt.dataFormat, res.DataFormat())
			assert.Equal(t, tt.compress, res.Compression())

			again, err := ResolveFormat(tt.input)
			require.NoError(t, err)
			assert.Equal(t, res, again)
		})
	}
}

func TestResolveFormatUnsupported(t *testing.T) {
	for _, input := range []string{"PARQUET", "xml", "CSV;", "gz"} {
		_, err := ResolveFormat(input)
		require.Error(t, err, input)
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
		assert.ErrorIs(t, err, ErrValidation)
	}
}
