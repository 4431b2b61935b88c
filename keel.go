package keel

import (
	"fmt"

	"pkt.systems/pslog"

	"github.com/quorumgrid/keel/consistency"
	"github.com/quorumgrid/keel/faults"
	"github.com/quorumgrid/keel/internal/clock"
	"github.com/quorumgrid/keel/keylock"
	"github.com/quorumgrid/keel/metrics"
	"github.com/quorumgrid/keel/persist"
	"github.com/quorumgrid/keel/recovery"
	"github.com/quorumgrid/keel/storage"
)

// Kit wires the resilience components around one storage backend. A
// caller performing a mutating operation acquires the key lock, wraps
// the body in Handler for transient-fault retry, and brackets state
// mutations with Recovery's checkpoint protocol; Checker validates
// data independently of the write path.
type Kit struct {
	Locker   *keylock.Locker
	Handler  *faults.Handler
	Recovery *recovery.Manager
	Checker  *consistency.Checker
	Store    *persist.Store
	Backend  storage.Backend

	logger pslog.Logger
}

// KitOption configures New.
type KitOption func(*kitOptions)

type kitOptions struct {
	logger   pslog.Logger
	clock    clock.Clock
	backend  storage.Backend
	accessor recovery.StateAccessor
}

// WithLogger sets the structured logger shared by all components.
func WithLogger(logger pslog.Logger) KitOption {
	return func(o *kitOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock injects the time source shared by all components.
func WithClock(clk clock.Clock) KitOption {
	return func(o *kitOptions) {
		if clk != nil {
			o.clock = clk
		}
	}
}

// WithBackend bypasses cfg.Store and uses the given backend directly.
func WithBackend(backend storage.Backend) KitOption {
	return func(o *kitOptions) { o.backend = backend }
}

// WithStateAccessor wires the live state guarded by
// Recovery.ExecuteWithRollback.
func WithStateAccessor(sa recovery.StateAccessor) KitOption {
	return func(o *kitOptions) { o.accessor = sa }
}

// New builds a Kit from cfg.
func New(cfg Config, opts ...KitOption) (*Kit, error) {
	cfg.Normalize()
	o := kitOptions{
		logger: pslog.NoopLogger(),
		clock:  clock.Real{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	backend := o.backend
	if backend == nil {
		var err error
		backend, err = OpenBackend(cfg, o.logger, o.clock)
		if err != nil {
			return nil, fmt.Errorf("keel: open backend: %w", err)
		}
	}

	locker := keylock.New(keylock.WithLogger(o.logger))

	recoveryOpts := []recovery.Option{
		recovery.WithLogger(o.logger),
		recovery.WithClock(o.clock),
	}
	if o.accessor != nil {
		recoveryOpts = append(recoveryOpts, recovery.WithStateAccessor(o.accessor))
	}
	if cfg.JournalIncomplete {
		recoveryOpts = append(recoveryOpts, recovery.WithJournal(backend))
	}

	return &Kit{
		Locker: locker,
		Handler: faults.NewHandler(cfg.Faults,
			faults.WithLogger(o.logger),
			faults.WithClock(o.clock),
		),
		Recovery: recovery.New(cfg.Recovery, recoveryOpts...),
		Checker: consistency.New(cfg.Consistency,
			consistency.WithLogger(o.logger),
		),
		Store: persist.New(backend, cfg.Persist,
			persist.WithLogger(o.logger),
			persist.WithClock(o.clock),
			persist.WithLocker(locker),
		),
		Backend: backend,
		logger:  o.logger,
	}, nil
}

// Collector exposes the kit's component counters as a Prometheus
// collector.
func (k *Kit) Collector() *metrics.Collector {
	return metrics.NewCollector(k.Handler, k.Checker, k.Recovery)
}

// Close releases the storage backend.
func (k *Kit) Close() error {
	return k.Backend.Close()
}
