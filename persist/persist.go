// Package persist implements the serialized save path against a
// versioned object store. Writes to one key are funneled through the
// per-key serializer, then applied with compare-and-swap semantics;
// revision conflicts are re-read and retried with exponential backoff
// before a save is declared failed.
package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"pkt.systems/pslog"

	"github.com/quorumgrid/keel/faults"
	"github.com/quorumgrid/keel/internal/clock"
	"github.com/quorumgrid/keel/keylock"
	"github.com/quorumgrid/keel/storage"
)

const (
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = 50 * time.Millisecond
)

// Config controls the conflict-retry budget of Save and Update.
type Config struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

func (c *Config) Normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
}

// Store saves and loads JSON documents through a storage backend.
type Store struct {
	backend storage.Backend
	locker  *keylock.Locker
	cfg     Config
	clock   clock.Clock
	logger  pslog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger. Defaults to a noop logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock injects the time source used for conflict backoff.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) {
		if clk != nil {
			s.clock = clk
		}
	}
}

// WithLocker shares an existing per-key serializer instead of the
// store's own.
func WithLocker(l *keylock.Locker) Option {
	return func(s *Store) {
		if l != nil {
			s.locker = l
		}
	}
}

func New(backend storage.Backend, cfg Config, opts ...Option) *Store {
	cfg.Normalize()
	s := &Store{
		backend: backend,
		locker:  keylock.New(),
		cfg:     cfg,
		clock:   clock.Real{},
		logger:  pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the document at key into out.
func (s *Store) Load(ctx context.Context, key string, out any) error {
	raw, _, err := s.read(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("persist: decode %q: %w", key, err)
	}
	return nil
}

// Save replaces the document at key. The write is serialized per key
// and applied conditionally against the current revision; a conflict
// re-reads the revision and retries.
func (s *Store) Save(ctx context.Context, key string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("persist: encode %q: %w", key, err)
	}
	return s.locker.WithLock(ctx, key, func(ctx context.Context) error {
		return s.write(ctx, key, func(json.RawMessage) (json.RawMessage, error) {
			return raw, nil
		})
	})
}

// Update applies a read-modify-write transformation to the document at
// key. fn receives the current document, or nil when none exists, and
// returns the replacement. Conflicts re-read and re-apply fn.
func (s *Store) Update(ctx context.Context, key string, fn func(current json.RawMessage) (any, error)) error {
	return s.locker.WithLock(ctx, key, func(ctx context.Context) error {
		return s.write(ctx, key, func(current json.RawMessage) (json.RawMessage, error) {
			doc, err := fn(current)
			if err != nil {
				return nil, err
			}
			raw, err := json.Marshal(doc)
			if err != nil {
				return nil, fmt.Errorf("persist: encode %q: %w", key, err)
			}
			return raw, nil
		})
	})
}

// Delete removes the document at key. Missing documents are not an
// error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.locker.WithLock(ctx, key, func(ctx context.Context) error {
		return s.backend.Delete(ctx, key, storage.DeleteOptions{IgnoreNotFound: true})
	})
}

func (s *Store) read(ctx context.Context, key string) (json.RawMessage, string, error) {
	res, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, "", err
	}
	defer res.Reader.Close()
	raw, err := io.ReadAll(res.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("persist: read %q: %w", key, err)
	}
	return raw, res.Info.ETag, nil
}

// write runs the read-transform-put cycle under the caller-held key
// lock, retrying revision conflicts.
func (s *Store) write(ctx context.Context, key string, transform func(json.RawMessage) (json.RawMessage, error)) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		current, etag, err := s.read(ctx, key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		raw, err := transform(current)
		if err != nil {
			return err
		}
		opts := storage.PutOptions{ContentType: storage.ContentTypeJSON}
		if etag != "" {
			opts.ExpectedETag = etag
		} else {
			opts.IfNotExists = true
		}
		_, err = s.backend.Put(ctx, key, bytes.NewReader(raw), opts)
		if err == nil {
			return nil
		}
		lastErr = err
		if faults.Classify(err).Kind != faults.KindConcurrency {
			return err
		}
		if attempt == s.cfg.MaxAttempts {
			break
		}
		delay := s.cfg.RetryDelay << (attempt - 1)
		s.logger.Debug("persist.save.conflict",
			"key", key,
			"attempt", attempt,
			"max_attempts", s.cfg.MaxAttempts,
			"delay", delay,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(delay):
		}
	}
	return fmt.Errorf("persist: failed to save %q after %d attempts: %w", key, s.cfg.MaxAttempts, lastErr)
}
