// Package recovery persists named, checksummed snapshots of caller
// state and brackets mutating operations with rollback-on-failure.
// Histories are bounded per key; interrupted operations leave records
// behind so a later session can resume them.
package recovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/quorumgrid/keel/internal/clock"
	"github.com/quorumgrid/keel/storage"
)

const (
	DefaultMaxCheckpoints     = 10
	DefaultCheckpointInterval = time.Minute
)

var (
	// ErrNoCheckpoint is returned when a key has no usable history.
	ErrNoCheckpoint = errors.New("recovery: no checkpoint found")
	// ErrCorruptCheckpoint marks a checksum mismatch on recovery.
	ErrCorruptCheckpoint = errors.New("recovery: checkpoint corrupted")
	// ErrNoState may be returned by a StateAccessor's Snapshot when the
	// key has no current state. With AutoRecover the manager seeds state
	// from the latest checkpoint instead of failing.
	ErrNoState = errors.New("recovery: no state")
	// ErrInvalidState is returned when recovered data fails the
	// configured StateValidator.
	ErrInvalidState = errors.New("recovery: recovered state rejected by validator")
)

// Checkpoint is a snapshot of caller-defined state. Data is the JSON
// serialization of whatever the caller handed in; Checksum is the hex
// sha256 of Data.
type Checkpoint struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"createdAt"`
	Checksum  string    `json:"checksum"`

	transactional bool
}

// StateAccessor exposes the live state ExecuteWithRollback snapshots
// and restores. Snapshot returns the current value for key, or
// ErrNoState when nothing exists yet. Restore replaces the value from
// a previously serialized snapshot.
type StateAccessor interface {
	Snapshot(ctx context.Context, key string) (any, error)
	Restore(ctx context.Context, key string, data []byte) error
}

// Op is an operation guarded by checkpoint/rollback.
type Op func(ctx context.Context) error

// Config controls history bounds, retention, and recovery behavior.
type Config struct {
	// CheckpointInterval coalesces durable entries committed by
	// successful transactions: a commit replaces the previous
	// transactional entry when it is younger than the interval.
	CheckpointInterval time.Duration
	// MaxCheckpoints bounds per-key history; oldest entries are
	// evicted first.
	MaxCheckpoints int
	// CheckpointRetention expires entries by age. Zero keeps entries
	// until evicted. Applied by RecoverState and CleanupOldCheckpoints,
	// never by a background timer.
	CheckpointRetention time.Duration
	// AutoRecover seeds missing state from the latest checkpoint when
	// a guarded operation finds none.
	AutoRecover bool
	// SkipCorrupted lets recovery walk past checksum failures from
	// newest to oldest instead of failing on the first.
	SkipCorrupted bool
	// StateValidator, when set, must accept recovered data.
	StateValidator func(data []byte) bool
}

func (c *Config) Normalize() {
	if c.MaxCheckpoints <= 0 {
		c.MaxCheckpoints = DefaultMaxCheckpoints
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = DefaultCheckpointInterval
	}
}

// Manager owns per-key checkpoint histories and incomplete-operation
// records. All state is per-instance.
type Manager struct {
	cfg      Config
	clock    clock.Clock
	logger   pslog.Logger
	accessor StateAccessor
	journal  storage.Backend

	mu         sync.Mutex
	history    map[string][]Checkpoint
	depth      map[string]int
	incomplete map[string]OperationRecord
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger. Defaults to a noop logger.
func WithLogger(logger pslog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock injects the time source. Defaults to the real clock.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		if clk != nil {
			m.clock = clk
		}
	}
}

// WithStateAccessor wires the live state ExecuteWithRollback guards.
func WithStateAccessor(sa StateAccessor) Option {
	return func(m *Manager) { m.accessor = sa }
}

// WithJournal persists incomplete-operation records through a storage
// backend so they survive the process.
func WithJournal(backend storage.Backend) Option {
	return func(m *Manager) { m.journal = backend }
}

func New(cfg Config, opts ...Option) *Manager {
	cfg.Normalize()
	m := &Manager{
		cfg:        cfg,
		clock:      clock.Real{},
		logger:     pslog.NoopLogger(),
		history:    make(map[string][]Checkpoint),
		depth:      make(map[string]int),
		incomplete: make(map[string]OperationRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CreateCheckpoint serializes data, checksums it, and appends it to the
// key's history, evicting the oldest entry once the history exceeds
// MaxCheckpoints.
func (m *Manager) CreateCheckpoint(ctx context.Context, key string, data any) (Checkpoint, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("recovery: serialize checkpoint for %q: %w", key, err)
	}
	cp := Checkpoint{
		ID:        xid.New().String(),
		Key:       key,
		Data:      raw,
		CreatedAt: m.clock.Now(),
		Checksum:  checksum(raw),
	}
	m.mu.Lock()
	m.append(key, cp)
	m.mu.Unlock()
	m.logger.Debug("recovery.checkpoint.create", "key", key, "id", cp.ID, "bytes", len(raw))
	return cp, nil
}

// append adds cp to key's history under m.mu, enforcing MaxCheckpoints.
func (m *Manager) append(key string, cp Checkpoint) {
	h := append(m.history[key], cp)
	if len(h) > m.cfg.MaxCheckpoints {
		evicted := h[0]
		h = append(h[:0], h[1:]...)
		m.logger.Debug("recovery.checkpoint.evict", "key", key, "id", evicted.ID)
	}
	m.history[key] = h
}

// GetCheckpoint returns the most recent checkpoint for key.
func (m *Manager) GetCheckpoint(ctx context.Context, key string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[key]
	if len(h) == 0 {
		return Checkpoint{}, ErrNoCheckpoint
	}
	return cloneCheckpoint(h[len(h)-1]), nil
}

// CheckpointHistory returns the key's history in creation order.
func (m *Manager) CheckpointHistory(key string) []Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[key]
	out := make([]Checkpoint, len(h))
	for i, cp := range h {
		out[i] = cloneCheckpoint(cp)
	}
	return out
}

// cloneCheckpoint detaches Data so callers cannot mutate stored
// history behind the checksum's back.
func cloneCheckpoint(cp Checkpoint) Checkpoint {
	data := make([]byte, len(cp.Data))
	copy(data, cp.Data)
	cp.Data = data
	return cp
}

// RecoverOption narrows a RecoverState call.
type RecoverOption func(*recoverOptions)

type recoverOptions struct {
	checkpointID string
}

// WithCheckpointID recovers a specific checkpoint instead of the
// latest.
func WithCheckpointID(id string) RecoverOption {
	return func(o *recoverOptions) { o.checkpointID = id }
}

// RecoverState returns the data of the latest checkpoint for key, or
// of a specific one when WithCheckpointID is given. Entries expired by
// CheckpointRetention are ignored. A configured StateValidator must
// accept the data. When SkipCorrupted is set, recovery walks the
// history from newest to oldest past checksum failures.
func (m *Manager) RecoverState(ctx context.Context, key string, opts ...RecoverOption) ([]byte, error) {
	var ro recoverOptions
	for _, opt := range opts {
		opt(&ro)
	}

	m.mu.Lock()
	h := m.live(key)
	m.mu.Unlock()
	if len(h) == 0 {
		return nil, fmt.Errorf("%w for key %q", ErrNoCheckpoint, key)
	}

	if ro.checkpointID != "" {
		for i := len(h) - 1; i >= 0; i-- {
			if h[i].ID == ro.checkpointID {
				return m.accept(key, h[i])
			}
		}
		return nil, fmt.Errorf("%w for key %q: id %q", ErrNoCheckpoint, key, ro.checkpointID)
	}

	for i := len(h) - 1; i >= 0; i-- {
		data, err := m.accept(key, h[i])
		if err == nil {
			return data, nil
		}
		if !m.cfg.SkipCorrupted || !errors.Is(err, ErrCorruptCheckpoint) {
			return nil, err
		}
		m.logger.Warn("recovery.recover.skip_corrupted", "key", key, "id", h[i].ID)
	}
	return nil, fmt.Errorf("%w for key %q: all entries corrupted", ErrNoCheckpoint, key)
}

// live returns key's history with retention applied, under m.mu.
func (m *Manager) live(key string) []Checkpoint {
	h := m.history[key]
	if m.cfg.CheckpointRetention <= 0 {
		out := make([]Checkpoint, len(h))
		copy(out, h)
		return out
	}
	cutoff := m.clock.Now().Add(-m.cfg.CheckpointRetention)
	out := make([]Checkpoint, 0, len(h))
	for _, cp := range h {
		if cp.CreatedAt.After(cutoff) {
			out = append(out, cp)
		}
	}
	return out
}

// accept verifies cp's checksum and validator before releasing its
// data.
func (m *Manager) accept(key string, cp Checkpoint) ([]byte, error) {
	if checksum(cp.Data) != cp.Checksum {
		return nil, fmt.Errorf("%w: key %q id %q", ErrCorruptCheckpoint, key, cp.ID)
	}
	if m.cfg.StateValidator != nil && !m.cfg.StateValidator(cp.Data) {
		return nil, fmt.Errorf("%w: key %q id %q", ErrInvalidState, key, cp.ID)
	}
	data := make([]byte, len(cp.Data))
	copy(data, cp.Data)
	return data, nil
}

// ExecuteWithRollback snapshots the current state for key, runs op, and
// on failure restores the pre-operation snapshot before re-propagating
// the error. On success the outermost call commits exactly one durable
// history entry for the post-operation state; nested calls on the same
// key roll back only to their own start point and add no history.
func (m *Manager) ExecuteWithRollback(ctx context.Context, key string, op Op) error {
	if m.accessor == nil {
		return errors.New("recovery: no state accessor configured")
	}

	pre, err := m.snapshotBytes(ctx, key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.depth[key]++
	m.mu.Unlock()

	opErr := op(ctx)

	m.mu.Lock()
	m.depth[key]--
	outermost := m.depth[key] == 0
	if outermost {
		delete(m.depth, key)
	}
	m.mu.Unlock()

	if opErr != nil {
		if rerr := m.accessor.Restore(ctx, key, pre); rerr != nil {
			return errors.Join(opErr, fmt.Errorf("recovery: rollback for %q: %w", key, rerr))
		}
		m.logger.Debug("recovery.rollback", "key", key, "error", opErr)
		return opErr
	}
	if !outermost {
		return nil
	}
	return m.commit(ctx, key)
}

// snapshotBytes serializes the accessor's current state for key. A key
// without state snapshots as nil, so guarded creation works; with
// AutoRecover set the state is first seeded from the latest checkpoint
// when one exists.
func (m *Manager) snapshotBytes(ctx context.Context, key string) ([]byte, error) {
	state, err := m.accessor.Snapshot(ctx, key)
	if errors.Is(err, ErrNoState) {
		if m.cfg.AutoRecover {
			data, rerr := m.RecoverState(ctx, key)
			if rerr == nil {
				if rerr = m.accessor.Restore(ctx, key, data); rerr != nil {
					return nil, fmt.Errorf("recovery: seed state for %q: %w", key, rerr)
				}
				m.logger.Debug("recovery.auto_recover", "key", key)
				return data, nil
			}
			if !errors.Is(rerr, ErrNoCheckpoint) {
				return nil, rerr
			}
		}
		// No state, nothing to seed: the transaction starts from
		// nothing and rollback restores the nil pre-state.
		state, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recovery: snapshot state for %q: %w", key, err)
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("recovery: serialize state for %q: %w", key, err)
	}
	return raw, nil
}

// commit records the post-operation state as a durable history entry.
// Consecutive commits within CheckpointInterval replace the previous
// transactional entry so successful transactions cannot grow the
// history unbounded.
func (m *Manager) commit(ctx context.Context, key string) error {
	post, err := m.snapshotBytes(ctx, key)
	if err != nil {
		return err
	}
	cp := Checkpoint{
		ID:            xid.New().String(),
		Key:           key,
		Data:          post,
		CreatedAt:     m.clock.Now(),
		Checksum:      checksum(post),
		transactional: true,
	}
	m.mu.Lock()
	h := m.history[key]
	if n := len(h); n > 0 && h[n-1].transactional &&
		cp.CreatedAt.Sub(h[n-1].CreatedAt) < m.cfg.CheckpointInterval {
		h[n-1] = cp
	} else {
		m.append(key, cp)
	}
	m.mu.Unlock()
	m.logger.Debug("recovery.commit", "key", key, "id", cp.ID)
	return nil
}

// ValidateCheckpoint recomputes the checksum of the most recent
// checkpoint for key. It reports false when the key has no history or
// the stored checksum no longer matches the data.
func (m *Manager) ValidateCheckpoint(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[key]
	if len(h) == 0 {
		return false
	}
	cp := h[len(h)-1]
	return checksum(cp.Data) == cp.Checksum
}

// DeleteCheckpoint removes a specific checkpoint from key's history.
func (m *Manager) DeleteCheckpoint(key, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[key]
	for i, cp := range h {
		if cp.ID == id {
			m.history[key] = append(h[:i], h[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w for key %q: id %q", ErrNoCheckpoint, key, id)
}

// CleanupOldCheckpoints drops entries older than CheckpointRetention
// across all keys and returns the number removed. It is the caller's
// sweep; the manager runs no background timer.
func (m *Manager) CleanupOldCheckpoints(now time.Time) int {
	if m.cfg.CheckpointRetention <= 0 {
		return 0
	}
	cutoff := now.Add(-m.cfg.CheckpointRetention)
	removed := 0
	m.mu.Lock()
	for key, h := range m.history {
		kept := h[:0]
		for _, cp := range h {
			if cp.CreatedAt.After(cutoff) {
				kept = append(kept, cp)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(m.history, key)
		} else {
			m.history[key] = kept
		}
	}
	m.mu.Unlock()
	if removed > 0 {
		m.logger.Debug("recovery.cleanup", "removed", removed)
	}
	return removed
}
