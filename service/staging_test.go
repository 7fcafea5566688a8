package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// fakeBucket is an in-memory bucketHandle.
type fakeBucket struct {
	mu        sync.Mutex
	exists    bool
	creates   int
	createErr error
	attrsErr  error
	objects   map[string]int64
	gens      map[string]int64
	nextGen   int64
	deleteErr map[string]error
	deleted   []string
}

func newFakeBucket(objects map[string]int64) *fakeBucket {
	b := &fakeBucket{objects: map[string]int64{}, gens: map[string]int64{}, deleteErr: map[string]error{}}
	for name, size := range objects {
		b.put(name, size)
	}
	return b
}

// put writes an object, giving it a new generation as GCS does on overwrite.
func (b *fakeBucket) put(name string, size int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextGen++
	b.objects[name] = size
	b.gens[name] = b.nextGen
}

func (b *fakeBucket) Attrs(context.Context) (*storage.BucketAttrs, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attrsErr != nil {
		return nil, b.attrsErr
	}
	if !b.exists {
		return nil, storage.ErrBucketNotExist
	}
	return &storage.BucketAttrs{Location: "US"}, nil
}

func (b *fakeBucket) Create(_ context.Context, _ string, _ *storage.BucketAttrs) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return b.createErr
	}
	if b.exists {
		return &googleapi.Error{Code: 409, Message: "already exists"}
	}
	b.exists = true
	b.creates++
	return nil
}

func (b *fakeBucket) Objects(_ context.Context, q *storage.Query) objectIterator {
	b.mu.Lock()
	defer b.mu.Unlock()
	var attrs []*storage.ObjectAttrs
	for name, size := range b.objects {
		if q == nil || strings.HasPrefix(name, q.Prefix) {
			attrs = append(attrs, &storage.ObjectAttrs{
				Name:       name,
				Size:       size,
				Generation: b.gens[name],
				Created:    time.Unix(b.gens[name], 0),
			})
		}
	}
	// Listing order is deliberately not sorted by name.
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Name > attrs[j].Name })
	return &fakeIterator{attrs: attrs}
}

func (b *fakeBucket) DeleteObject(_ context.Context, name string, generation int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.deleteErr[name]; err != nil {
		return err
	}
	if _, ok := b.objects[name]; !ok {
		return storage.ErrObjectNotExist
	}
	if generation != 0 && b.gens[name] != generation {
		return &googleapi.Error{Code: 412, Message: "conditionNotMet"}
	}
	delete(b.objects, name)
	delete(b.gens, name)
	b.deleted = append(b.deleted, name)
	return nil
}

type fakeIterator struct {
	attrs []*storage.ObjectAttrs
	err   error
}

func (it *fakeIterator) Next() (*storage.ObjectAttrs, error) {
	if it.err != nil {
		return nil, it.err
	}
	if len(it.attrs) == 0 {
		return nil, iterator.Done
	}
	a := it.attrs[0]
	it.attrs = it.attrs[1:]
	return a, nil
}

func newTestStagingStore(b *fakeBucket) *StagingStore {
	s := NewStagingStore(nil, "proj", "EU")
	s.openBucket = func(string) bucketHandle { return b }
	return s
}

func TestEnsureStagingCreatesOnce(t *testing.T) {
	b := newFakeBucket(nil)
	s := newTestStagingStore(b)

	ref, err := s.EnsureStaging(context.Background(), "proj-sales")
	require.NoError(t, err)
	assert.Equal(t, StagingRef{Bucket: "proj-sales", Location: "EU"}, ref)

	ref, err = s.EnsureStaging(context.Background(), "proj-sales")
	require.NoError(t, err)
	assert.Equal(t, "proj-sales", ref.Bucket)
	assert.Equal(t, 1, b.creates)
}

func TestEnsureStagingCreateConflictIsSuccess(t *testing.T) {
	b := newFakeBucket(nil)
	b.createErr = &googleapi.Error{Code: 409}
	s := newTestStagingStore(b)

	_, err := s.EnsureStaging(context.Background(), "proj-sales")
	require.NoError(t, err)
}

func TestEnsureStagingFailures(t *testing.T) {
	b := newFakeBucket(nil)
	b.createErr = &googleapi.Error{Code: 403, Message: "forbidden"}
	_, err := newTestStagingStore(b).EnsureStaging(context.Background(), "proj-sales")
	assert.ErrorIs(t, err, ErrProvisioning)

	b = newFakeBucket(nil)
	b.attrsErr = errors.New("network down")
	_, err = newTestStagingStore(b).EnsureStaging(context.Background(), "proj-sales")
	assert.ErrorIs(t, err, ErrProvisioning)
	assert.Equal(t, 0, b.creates)
}

func TestListShardsFiltersAndSorts(t *testing.T) {
	b := newFakeBucket(nil)
	b.put("sales-orders000000000000.gz", 10)
	b.put("sales-orders000000000001.gz", 20)
	b.put("sales-orders_v2000000000000.gz", 99)
	b.put("sales-orders000000000000.avro", 5)
	b.put("other000000000000.gz", 1)
	s := newTestStagingStore(b)
	pattern := NewShardNaming("proj", TableRef{"sales", "orders"}).Pattern("gz")

	set, err := s.ListShards(context.Background(), StagingRef{Bucket: "proj-sales"}, pattern)
	require.NoError(t, err)
	assert.Equal(t, "proj-sales", set.Bucket)
	assert.Equal(t, []RemoteShard{
		{Name: "sales-orders000000000000.gz", Size: 10, Generation: 1, Created: time.Unix(1, 0)},
		{Name: "sales-orders000000000001.gz", Size: 20, Generation: 2, Created: time.Unix(2, 0)},
	}, set.Objects)
	assert.Equal(t, int64(30), set.TotalSize())
}

func TestShardSetWrittenSince(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	set := ShardSet{Bucket: "proj-sales", Objects: []RemoteShard{
		{Name: "a", Created: t0.Add(-time.Second)},
		{Name: "b", Created: t0},
		{Name: "c", Created: t0.Add(time.Second)},
	}}

	fresh, stale := set.WrittenSince(t0)
	assert.Equal(t, []RemoteShard{set.Objects[1], set.Objects[2]}, fresh.Objects)
	assert.Equal(t, []RemoteShard{set.Objects[0]}, stale.Objects)
	assert.Equal(t, "proj-sales", stale.Bucket)
	assert.Equal(t, []RemoteShard{set.Objects[1], set.Objects[2], set.Objects[0]}, fresh.With(stale).Objects)

	fresh, stale = set.WrittenSince(time.Time{})
	assert.Len(t, fresh.Objects, 3)
	assert.Empty(t, stale.Objects)
}

func TestPurgeDeletesOnlyListedObjects(t *testing.T) {
	b := newFakeBucket(map[string]int64{
		"sales-orders000000000000.gz":    1,
		"sales-orders000000000001.gz":    1,
		"sales-orders_v2000000000000.gz": 1,
	})
	s := newTestStagingStore(b)
	pattern := NewShardNaming("proj", TableRef{"sales", "orders"}).Pattern("gz")

	set, err := s.ListShards(context.Background(), StagingRef{Bucket: "proj-sales"}, pattern)
	require.NoError(t, err)
	// Written after the listing; not part of the set.
	b.put("sales-orders000000000002.gz", 1)

	n, err := s.Purge(context.Background(), set)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"sales-orders_v2000000000000.gz", "sales-orders000000000002.gz"}, objectNames(b))
}

func TestPurgeKeepsShardsRewrittenByLaterExport(t *testing.T) {
	b := newFakeBucket(nil)
	for i := 0; i < 3; i++ {
		b.put(fmt.Sprintf("sales-orders%012d.gz", i), 1)
	}
	s := newTestStagingStore(b)
	ref := StagingRef{Bucket: "proj-sales"}
	pattern := NewShardNaming("proj", TableRef{"sales", "orders"}).Pattern("gz")

	first, err := s.ListShards(context.Background(), ref, pattern)
	require.NoError(t, err)

	// The next export of the same table overwrites every shard name before
	// the first run's cleanup gets to run.
	for i := 0; i < 3; i++ {
		b.put(fmt.Sprintf("sales-orders%012d.gz", i), 2)
	}

	n, err := s.Purge(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	second, err := s.ListShards(context.Background(), ref, pattern)
	require.NoError(t, err)
	assert.Len(t, second.Objects, 3)
	assert.Equal(t, int64(6), second.TotalSize())
}

func TestPurgeIgnoresMissingObjects(t *testing.T) {
	b := newFakeBucket(map[string]int64{"sales-orders000000000000.gz": 1})
	s := newTestStagingStore(b)
	set := ShardSet{Bucket: "proj-sales", Objects: []RemoteShard{
		{Name: "sales-orders000000000000.gz", Generation: 1},
		{Name: "sales-orders000000000001.gz", Generation: 7},
	}}

	n, err := s.Purge(context.Background(), set)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, b.objects)
}

func TestPurgeReportsCleanupError(t *testing.T) {
	b := newFakeBucket(map[string]int64{
		"sales-orders000000000000.gz": 1,
		"sales-orders000000000001.gz": 1,
	})
	b.deleteErr["sales-orders000000000001.gz"] = errors.New("permission denied")
	s := newTestStagingStore(b)
	pattern := NewShardNaming("proj", TableRef{"sales", "orders"}).Pattern("gz")

	set, err := s.ListShards(context.Background(), StagingRef{Bucket: "proj-sales"}, pattern)
	require.NoError(t, err)
	n, err := s.Purge(context.Background(), set)
	assert.ErrorIs(t, err, ErrCleanup)
	assert.Equal(t, 1, n)
}

func objectNames(b *fakeBucket) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for name := range b.objects {
		names = append(names, name)
	}
	return names
}
