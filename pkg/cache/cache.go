// Package cache provides a generic, thread-safe cache used for process-lifetime
// memoization of formatter handles and terminal connection contexts.
//
// Entries are stored indefinitely until explicitly deleted or cleared; there is
// no eviction policy. Statistics are always collected, and can optionally be
// exposed as Prometheus metrics via functional options.
package cache

import (
	"github.com/c360/satbridge/errors"
)

// Cache represents a generic cache interface parameterized by value type V.
type Cache[V any] interface {
	// Get retrieves a value by key. Returns the value and true if found, zero value and false otherwise.
	Get(key string) (V, bool)

	// Set stores a value with the given key. Returns true if a new entry was created, false if updated.
	// Returns an error if the operation fails (e.g., invalid key).
	Set(key string, value V) (bool, error)

	// Delete removes an entry by key. Returns true if the key existed and was deleted.
	Delete(key string) (bool, error)

	// Clear removes all entries from the cache.
	Clear() error

	// Size returns the current number of entries in the cache.
	Size() int

	// Keys returns a slice of all keys currently in the cache.
	Keys() []string

	// Stats returns cache statistics.
	Stats() *Statistics
}

// NewSimple creates a cache with no eviction policy.
func NewSimple[V any](options ...Option[V]) (Cache[V], error) {
	opts := &cacheOptions[V]{}
	for _, opt := range options {
		opt(opts)
	}
	return newSimpleCache(opts)
}

// validateKey validates a cache key for basic requirements.
// Returns a classified error if the key is invalid.
func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
