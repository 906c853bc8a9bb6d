// Package store provides descriptor blob access for the formatter
// cache. Descriptors live in two JetStream ObjectStore buckets, one
// per direction, keyed by lowercased formatter name plus ".json".
package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/satbridge/errors"
)

// Blob fetches descriptor documents by formatter name. A missing
// blob returns ErrFormatterNotFound so callers can fall back to a
// default formatter; transport failures are reported as-is.
type Blob interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) error
	List(ctx context.Context) ([]string, error)
}

// blobKey maps a formatter name to its bucket key
func blobKey(name string) string {
	return strings.ToLower(name) + ".json"
}

// ObjectBlob serves descriptors from a JetStream ObjectStore bucket
type ObjectBlob struct {
	bucket jetstream.ObjectStore
	name   string
}

// NewObjectBlob wraps an ObjectStore bucket as a Blob
func NewObjectBlob(bucket jetstream.ObjectStore, name string) (*ObjectBlob, error) {
	if bucket == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "ObjectBlob", "NewObjectBlob", "bucket required")
	}
	return &ObjectBlob{bucket: bucket, name: name}, nil
}

// Get fetches a descriptor document by formatter name
func (s *ObjectBlob) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := s.bucket.GetBytes(ctx, blobKey(name))
	if err != nil {
		if stderrors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %q in bucket %s", errors.ErrFormatterNotFound, name, s.name),
				"ObjectBlob", "Get", "descriptor lookup")
		}
		return nil, errors.WrapTransient(err, "ObjectBlob", "Get",
			fmt.Sprintf("fetch %q from bucket %s", name, s.name))
	}
	return data, nil
}

// Put stores a descriptor document under a formatter name
func (s *ObjectBlob) Put(ctx context.Context, name string, data []byte) error {
	if _, err := s.bucket.PutBytes(ctx, blobKey(name), data); err != nil {
		return errors.WrapTransient(err, "ObjectBlob", "Put",
			fmt.Sprintf("store %q in bucket %s", name, s.name))
	}
	return nil
}

// List returns the formatter names present in the bucket
func (s *ObjectBlob) List(ctx context.Context) ([]string, error) {
	infos, err := s.bucket.List(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoObjectsFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "ObjectBlob", "List",
			fmt.Sprintf("list bucket %s", s.name))
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, strings.TrimSuffix(info.Name, ".json"))
	}
	return names, nil
}
