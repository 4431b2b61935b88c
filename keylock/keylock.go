// Package keylock serializes asynchronous operations per logical key.
// All operations sharing a key run in strict submission order; a failed
// predecessor never blocks or fails its successors. Operations on
// distinct keys run fully concurrently.
package keylock

import (
	"context"
	"sync"

	"pkt.systems/pslog"
)

// Op is the operation body executed under the key's slot.
type Op func(ctx context.Context) error

// Locker owns the slot table for one set of keys. Multiple independent
// Locker instances do not interfere.
type Locker struct {
	mu     sync.Mutex
	slots  map[string]*slot
	depth  map[string]int
	logger pslog.Logger
}

type slot struct {
	done chan struct{}
}

// Option customises a Locker.
type Option func(*Locker)

// WithLogger attaches a structured logger. Defaults to a noop logger.
func WithLogger(logger pslog.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New returns an empty Locker.
func New(opts ...Option) *Locker {
	l := &Locker{
		slots:  make(map[string]*slot),
		depth:  make(map[string]int),
		logger: pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithLock runs fn once every earlier operation registered for key has
// settled. The caller immediately takes over the slot, so a later
// caller queues behind this one even while this one is still waiting.
// fn's error is returned as-is; it is never propagated to successors.
//
// When ctx is cancelled while queued, WithLock returns ctx.Err() and
// the abandoned position is released to the successor only after the
// predecessor settles, preserving per-key ordering.
func (l *Locker) WithLock(ctx context.Context, key string, fn Op) error {
	mine := &slot{done: make(chan struct{})}

	l.mu.Lock()
	prev := l.slots[key]
	l.slots[key] = mine
	l.depth[key]++
	l.mu.Unlock()

	if prev != nil {
		l.logger.Debug("keylock.queued", "key", key)
		select {
		case <-prev.done:
		case <-ctx.Done():
			// Keep the chain ordered: successors must not start
			// before the predecessor settles.
			go func() {
				<-prev.done
				l.settle(key, mine)
			}()
			l.logger.Debug("keylock.abandoned", "key", key, "error", ctx.Err())
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		l.settle(key, mine)
		return err
	}

	err := fn(ctx)
	l.settle(key, mine)
	return err
}

// settle releases waiters and clears the slot, but only when it still
// points at this operation; a newer operation may have replaced it.
func (l *Locker) settle(key string, mine *slot) {
	close(mine.done)
	l.mu.Lock()
	if l.slots[key] == mine {
		delete(l.slots, key)
	}
	if l.depth[key]--; l.depth[key] <= 0 {
		delete(l.depth, key)
	}
	l.mu.Unlock()
}

// Pending reports how many operations are registered for key and have
// not yet settled, including the one currently running.
func (l *Locker) Pending(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth[key]
}

// WithLockValue runs fn under key's slot and returns its value.
func WithLockValue[T any](ctx context.Context, l *Locker, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.WithLock(ctx, key, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = fn(ctx)
		return innerErr
	})
	return out, err
}
