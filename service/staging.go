package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// bucketHandle abstracts a GCS bucket handle for testability.
type bucketHandle interface {
	Attrs(ctx context.Context) (*storage.BucketAttrs, error)
	Create(ctx context.Context, projectID string, attrs *storage.BucketAttrs) error
	Objects(ctx context.Context, q *storage.Query) objectIterator
	// DeleteObject removes one object. A non-zero generation makes the delete
	// conditional on the object not having been rewritten since.
	DeleteObject(ctx context.Context, name string, generation int64) error
}

// objectIterator abstracts a GCS object iterator.
type objectIterator interface {
	Next() (*storage.ObjectAttrs, error)
}

// realBucketHandle wraps *storage.BucketHandle to satisfy bucketHandle.
type realBucketHandle struct{ bh *storage.BucketHandle }

func (r *realBucketHandle) Attrs(ctx context.Context) (*storage.BucketAttrs, error) {
	return r.bh.Attrs(ctx)
}

func (r *realBucketHandle) Create(ctx context.Context, projectID string, attrs *storage.BucketAttrs) error {
	return r.bh.Create(ctx, projectID, attrs)
}

func (r *realBucketHandle) Objects(ctx context.Context, q *storage.Query) objectIterator {
	return r.bh.Objects(ctx, q)
}

func (r *realBucketHandle) DeleteObject(ctx context.Context, name string, generation int64) error {
	obj := r.bh.Object(name)
	if generation != 0 {
		obj = obj.If(storage.Conditions{GenerationMatch: generation})
	}
	return obj.Delete(ctx)
}

// StagingRef points at a staging bucket known to exist.
type StagingRef struct {
	Bucket   string
	Location string
}

// RemoteShard is one object written by an extract job.
type RemoteShard struct {
	Name       string
	Size       int64
	Generation int64
	Created    time.Time
}

// ShardSet is the collection of objects written by one extract job. It is
// produced once by listing and threaded through the later stages.
type ShardSet struct {
	Bucket  string
	Pattern ShardPattern
	Objects []RemoteShard
}

// WrittenSince splits the set into objects created at or after t and older
// leftovers that share the naming pattern. A zero t keeps every object.
func (s ShardSet) WrittenSince(t time.Time) (fresh, stale ShardSet) {
	fresh = ShardSet{Bucket: s.Bucket, Pattern: s.Pattern}
	stale = ShardSet{Bucket: s.Bucket, Pattern: s.Pattern}
	for _, o := range s.Objects {
		if t.IsZero() || !o.Created.Before(t) {
			fresh.Objects = append(fresh.Objects, o)
		} else {
			stale.Objects = append(stale.Objects, o)
		}
	}
	return fresh, stale
}

// With returns a new set holding the objects of s followed by those of other.
func (s ShardSet) With(other ShardSet) ShardSet {
	objects := make([]RemoteShard, 0, len(s.Objects)+len(other.Objects))
	objects = append(objects, s.Objects...)
	objects = append(objects, other.Objects...)
	return ShardSet{Bucket: s.Bucket, Pattern: s.Pattern, Objects: objects}
}

// TotalSize is the sum of all object sizes.
func (s ShardSet) TotalSize() int64 {
	var total int64
	for _, o := range s.Objects {
		total += o.Size
	}
	return total
}

// StagingStore manages the GCS staging bucket of a project.
type StagingStore struct {
	client   *storage.Client
	project  string
	location string
	// openBucket is replaced in tests to avoid real GCS calls.
	openBucket func(name string) bucketHandle
}

func NewStagingStore(client *storage.Client, project, location string) *StagingStore {
	s := &StagingStore{
		client:   client,
		project:  project,
		location: location,
	}
	s.openBucket = func(name string) bucketHandle {
		return &realBucketHandle{s.client.Bucket(name)}
	}
	return s
}

// EnsureStaging creates the bucket if it does not exist yet. Calling it for a
// bucket that already exists is a no-op.
func (s *StagingStore) EnsureStaging(ctx context.Context, name string) (StagingRef, error) {
	bh := s.openBucket(name)

	attrs, err := bh.Attrs(ctx)
	if err == nil {
		slog.DebugContext(ctx, "Staging bucket exists", "bucket", name, "location", attrs.Location)
		return StagingRef{Bucket: name, Location: attrs.Location}, nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return StagingRef{}, fmt.Errorf("%w: failed to read bucket %q: %w", ErrProvisioning, name, err)
	}

	slog.InfoContext(ctx, "Creating staging bucket", "bucket", name, "project", s.project, "location", s.location)
	err = bh.Create(ctx, s.project, &storage.BucketAttrs{Location: s.location})
	if err != nil && !isConflict(err) {
		return StagingRef{}, fmt.Errorf("%w: failed to create bucket %q: %w", ErrProvisioning, name, err)
	}
	return StagingRef{Bucket: name, Location: s.location}, nil
}

// ListShards returns every object in the bucket matching the pattern, sorted
// by name.
func (s *StagingStore) ListShards(ctx context.Context, ref StagingRef, pattern ShardPattern) (ShardSet, error) {
	set := ShardSet{Bucket: ref.Bucket, Pattern: pattern}

	it := s.openBucket(ref.Bucket).Objects(ctx, &storage.Query{Prefix: pattern.Prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return ShardSet{}, fmt.Errorf("failed to list objects with prefix %q: %w", pattern.Prefix, err)
		}
		if !pattern.Match(attrs.Name) {
			continue
		}
		set.Objects = append(set.Objects, RemoteShard{
			Name:       attrs.Name,
			Size:       attrs.Size,
			Generation: attrs.Generation,
			Created:    attrs.Created,
		})
	}

	sort.Slice(set.Objects, func(i, j int) bool { return set.Objects[i].Name < set.Objects[j].Name })
	return set, nil
}

// Purge deletes exactly the objects of set and returns how many were removed.
// Each delete is conditioned on the listed generation, so an object rewritten
// by a later export under the same name is left alone. Objects already gone
// are not an error.
func (s *StagingStore) Purge(ctx context.Context, set ShardSet) (int, error) {
	bh := s.openBucket(set.Bucket)
	var errs []error
	deleted, skipped := 0, 0
	for _, o := range set.Objects {
		err := bh.DeleteObject(ctx, o.Name, o.Generation)
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, storage.ErrObjectNotExist), isPreconditionFailed(err):
			skipped++
		default:
			errs = append(errs, fmt.Errorf("failed to delete object %q: %w", o.Name, err))
		}
	}
	if len(errs) > 0 {
		return deleted, fmt.Errorf("%w: %w", ErrCleanup, errors.Join(errs...))
	}

	slog.DebugContext(ctx, "Purged staged shards", "bucket", set.Bucket, "deleted", deleted, "skipped", skipped)
	return deleted, nil
}
