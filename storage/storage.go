// Package storage defines the contract keel expects from the remote
// versioned object store. Backends expose a flat keyspace of opaque
// documents with compare-and-swap writes: every object carries an ETag,
// and a conditional Put against a stale ETag fails with ErrCASMismatch
// (the store's "revision conflict"). Keel consumes this contract; it
// does not implement the store beyond the reference backends in the
// memory and s3 subpackages.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Content types attached to stored payloads.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
)

var (
	// ErrNotFound indicates the requested key is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write lost against a
	// concurrent writer (revision conflict).
	ErrCASMismatch = errors.New("storage: revision conflict")
	// ErrNotImplemented marks optional capabilities a backend lacks.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// ObjectInfo captures the metadata backends expose per object.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutOptions controls conditional semantics for Put.
type PutOptions struct {
	// ExpectedETag enables CAS semantics. Empty disables the check.
	ExpectedETag string
	// IfNotExists enforces creation-only semantics. Ignored when
	// ExpectedETag is set.
	IfNotExists bool
	ContentType string
}

// DeleteOptions controls conditional semantics for Delete.
type DeleteOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions guides List traversal.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult captures the outcome of a List call.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// GetResult pairs an object reader with its metadata. Callers must
// close the reader.
type GetResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// Backend is the versioned store contract consumed by keel.
type Backend interface {
	// Get fetches the object stored at key.
	Get(ctx context.Context, key string) (GetResult, error)
	// Put writes an object, applying conditional semantics when
	// opts.ExpectedETag or opts.IfNotExists are set.
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (*ObjectInfo, error)
	// Delete removes the object at key, optionally enforcing a
	// matching ETag.
	Delete(ctx context.Context, key string, opts DeleteOptions) error
	// List enumerates objects under opts.Prefix in ascending lexical
	// order, resuming after opts.StartAfter when provided.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)
	// Close releases backend resources.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable at the storage boundary.
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
