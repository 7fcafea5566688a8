package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecompressAllGzip(t *testing.T) {
	dir := t.TempDir()
	var shards []LocalShard
	for i := 0; i < 12; i++ {
		name := fmt.Sprintf("sales-orders%012d.gz", i)
		shards = append(shards, writeShard(t, dir, name, gzipBytes(t, []byte(fmt.Sprintf("row-%d\n", i)))))
	}

	out, err := NewGzipDecompressor().DecompressAll(context.Background(), shards, CodecGzip, 3)
	require.NoError(t, err)
	require.Len(t, out, 12)

	for i, s := range out {
		assert.Equal(t, filepath.Join(dir, fmt.Sprintf("sales-orders%012d", i)), s.Path)
		data, err := os.ReadFile(s.Path)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("row-%d\n", i), string(data))
		assert.Equal(t, int64(len(data)), s.Size)
	}
	// Compressed copies are gone.
	assert.Len(t, dirNames(t, dir), 12)
	for _, name := range dirNames(t, dir) {
		assert.NotContains(t, name, ".gz")
	}
}

func TestDecompressAllMultiMember(t *testing.T) {
	dir := t.TempDir()
	data := append(gzipBytes(t, []byte("first\n")), gzipBytes(t, []byte("second\n"))...)
	shard := writeShard(t, dir, "t000000000000.gz", data)

	out, err := NewGzipDecompressor().DecompressAll(context.Background(), []LocalShard{shard}, CodecGzip, 1)
	require.NoError(t, err)
	got, err := os.ReadFile(out[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(got))
}

func TestDecompressAllCorruptShard(t *testing.T) {
	dir := t.TempDir()
	shards := []LocalShard{
		writeShard(t, dir, "t000000000000.gz", gzipBytes(t, []byte("ok"))),
		writeShard(t, dir, "t000000000001.gz", []byte("definitely not gzip")),
	}

	out, err := NewGzipDecompressor().DecompressAll(context.Background(), shards, CodecGzip, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptShard)
	assert.Nil(t, out)
	for _, name := range dirNames(t, dir) {
		assert.NotContains(t, name, ".tmp")
	}
}

func TestDecompressAllTruncatedShard(t *testing.T) {
	dir := t.TempDir()
	full := gzipBytes(t, []byte("some longer payload that will be cut short"))
	shards := []LocalShard{writeShard(t, dir, "t000000000000.gz", full[:len(full)-6])}

	_, err := NewGzipDecompressor().DecompressAll(context.Background(), shards, CodecGzip, 1)
	assert.ErrorIs(t, err, ErrCorruptShard)
}

func TestDecompressAllSnappyIsIdentity(t *testing.T) {
	dir := t.TempDir()
	shards := []LocalShard{writeShard(t, dir, "t000000000000.avro", []byte("Obj\x01"))}

	out, err := NewGzipDecompressor().DecompressAll(context.Background(), shards, CodecSnappy, 4)
	require.NoError(t, err)
	assert.Equal(t, shards, out)
}
