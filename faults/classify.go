// Package faults classifies operation failures, retries recoverable
// ones with backoff, and short-circuits a repeatedly failing dependency
// with a circuit breaker.
//
// Classification is typed-first: errors constructed with New (or
// wrapping a storage sentinel) carry their kind; message-pattern
// matching is applied only as a boundary fallback for raw failures
// surfaced by the remote store or the network stack.
package faults

import (
	"errors"
	"strings"

	"github.com/quorumgrid/keel/storage"
)

// Kind is the failure taxonomy keel callers branch on.
type Kind string

const (
	// KindNetwork covers connectivity and timeout failures.
	KindNetwork Kind = "network"
	// KindStorage covers remote-store failures such as quota or
	// capacity exhaustion; recoverable but the caller must change
	// strategy rather than blindly retry.
	KindStorage Kind = "storage"
	// KindValidation covers malformed or rejected input.
	KindValidation Kind = "validation"
	// KindConcurrency covers revision conflicts from concurrent
	// writers.
	KindConcurrency Kind = "concurrency"
	// KindSystem is the non-recoverable catch-all.
	KindSystem Kind = "system"
)

// Classified pairs a kind with its handling policy.
type Classified struct {
	Kind        Kind
	Recoverable bool
	Retryable   bool
}

// policyFor encodes the fixed taxonomy: validation is never retryable,
// network and concurrency retry by default, storage is recoverable but
// needs a strategy change.
func policyFor(kind Kind) Classified {
	switch kind {
	case KindNetwork:
		return Classified{Kind: kind, Recoverable: true, Retryable: true}
	case KindConcurrency:
		return Classified{Kind: kind, Recoverable: true, Retryable: true}
	case KindStorage:
		return Classified{Kind: kind, Recoverable: true, Retryable: false}
	case KindValidation:
		return Classified{Kind: kind, Recoverable: false, Retryable: false}
	default:
		return Classified{Kind: KindSystem, Recoverable: false, Retryable: false}
	}
}

// Error is a failure tagged with its kind at construction time.
type Error struct {
	kind Kind
	err  error
}

// New tags err with kind. The layer that first detects a condition
// should construct the typed error instead of leaving classification
// to message matching.
func New(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: err}
}

func (e *Error) Error() string { return e.err.Error() }

// Unwrap exposes the underlying failure for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.err }

// Kind returns the tag assigned at construction.
func (e *Error) Kind() Kind { return e.kind }

// Message substrings recognized at the raw-failure boundary. The
// conflict patterns match the remote store's revision-conflict wording.
var boundaryPatterns = []struct {
	kind    Kind
	needles []string
}{
	{KindConcurrency, []string{
		"revision number too low",
		"directorytransactionexception",
		"transaction conflict",
		"conflict",
		"cas mismatch",
	}},
	{KindNetwork, []string{
		"network",
		"connection",
		"timeout",
		"timed out",
		"unreachable",
		"fetch failed",
	}},
	{KindStorage, []string{
		"quota",
		"storage",
		"no space",
		"disk full",
		"insufficient",
	}},
	{KindValidation, []string{
		"invalid",
		"validation",
		"malformed",
		"out of range",
	}},
}

// Classify derives the handling policy for err. Typed errors win; then
// storage sentinels and transient markings; message patterns are the
// last resort; anything unmatched is a non-recoverable system failure.
func Classify(err error) Classified {
	if err == nil {
		return Classified{Kind: KindSystem}
	}
	var typed *Error
	if errors.As(err, &typed) {
		return policyFor(typed.kind)
	}
	switch {
	case errors.Is(err, storage.ErrCASMismatch):
		return policyFor(KindConcurrency)
	case storage.IsTransient(err):
		return policyFor(KindNetwork)
	case errors.Is(err, storage.ErrNotFound):
		return policyFor(KindStorage)
	}
	msg := strings.ToLower(err.Error())
	for _, group := range boundaryPatterns {
		for _, needle := range group.needles {
			if strings.Contains(msg, needle) {
				return policyFor(group.kind)
			}
		}
	}
	return policyFor(KindSystem)
}
