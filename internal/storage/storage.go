// Package storage defines the record store contract shared by all backends:
// opaque blobs addressed by (store, key) with optimistic concurrency on an
// entity tag, plus the record wire codec and its encryption envelope.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write lost the race: the stored
	// ETag no longer matches the expected one (or the object already exists
	// for a create-only write).
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrCorruptRecord indicates a stored blob could not be decoded. Callers
	// must surface this distinctly and never overwrite the blob.
	ErrCorruptRecord = errors.New("storage: corrupt record")
)

// Object is a stored blob together with its opaque entity tag.
type Object struct {
	Data []byte
	ETag string
}

// ListOptions guides List traversal.
type ListOptions struct {
	Prefix string
	Limit  int
}

// Backend is the storage contract consumed by the record gateway. Every
// successful write yields a fresh ETag; conditional writes compare against
// the caller-supplied expected ETag.
type Backend interface {
	// Load returns the stored blob for (store, key) and its ETag.
	Load(ctx context.Context, store, key string) (Object, error)
	// Store writes data when the stored ETag matches expectedETag. An empty
	// expectedETag creates the object and fails with ErrCASMismatch when it
	// already exists.
	Store(ctx context.Context, store, key string, data []byte, expectedETag string) (string, error)
	// Remove deletes the object. A non-empty expectedETag makes the delete
	// conditional.
	Remove(ctx context.Context, store, key string, expectedETag string) error
	// List enumerates keys within store in ascending lexical order.
	List(ctx context.Context, store string, opts ListOptions) ([]string, error)
	// Close releases backend resources.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
