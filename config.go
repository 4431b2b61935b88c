package keel

import (
	"time"

	"github.com/quorumgrid/keel/consistency"
	"github.com/quorumgrid/keel/faults"
	"github.com/quorumgrid/keel/persist"
	"github.com/quorumgrid/keel/recovery"
	"github.com/quorumgrid/keel/storage/retry"
)

const (
	// DefaultStore points the kit at the in-memory backend when no
	// store is provided.
	DefaultStore = "mem://"
	// DefaultStorageRetryMaxAttempts describes how many transient
	// storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between
	// storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between
	// storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff
	// ratio.
	DefaultStorageRetryMultiplier = 2.0
)

// Config aggregates the component configurations behind one surface.
// Zero values select documented defaults; there are no
// environment-derived settings beyond the credentials the object store
// client resolves itself.
type Config struct {
	// Store selects the backend: mem:// or
	// s3://host[:port]/bucket[/prefix].
	Store string

	Faults      faults.Config
	Recovery    recovery.Config
	Consistency consistency.Config
	Persist     persist.Config

	// StorageRetry wraps the backend so transient errors are retried
	// below the component layer.
	StorageRetry retry.Config

	// JournalIncomplete persists incomplete-operation records through
	// the backend so they survive the process.
	JournalIncomplete bool
}

func (c *Config) Normalize() {
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if c.StorageRetry.MaxAttempts <= 0 {
		c.StorageRetry.MaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetry.BaseDelay <= 0 {
		c.StorageRetry.BaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetry.MaxDelay <= 0 {
		c.StorageRetry.MaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetry.Multiplier <= 0 {
		c.StorageRetry.Multiplier = DefaultStorageRetryMultiplier
	}
	c.Faults.Normalize()
	c.Recovery.Normalize()
	c.Persist.Normalize()
}
