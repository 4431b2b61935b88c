package faults

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/quorumgrid/keel/internal/clock"
)

// Defaults applied by Normalize when a Config field is zero.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 100 * time.Millisecond
)

// Config controls retry and circuit-breaker behaviour for one Handler.
// All options are enumerated here; there are no environment-derived
// defaults.
type Config struct {
	// MaxRetries bounds additional attempts after the first failure.
	// Zero selects DefaultMaxRetries; negative disables retries.
	MaxRetries int
	// RetryDelay is the base delay between attempts.
	RetryDelay time.Duration
	// ExponentialBackoff doubles the delay each retry
	// (RetryDelay * 2^(attempt-1)); fixed delay otherwise.
	ExponentialBackoff bool
	// CircuitBreakerThreshold opens the circuit after that many
	// consecutive terminal failures. Zero disables the breaker.
	CircuitBreakerThreshold int
	// CircuitBreakerTimeout is the open-state cooldown before one
	// probing call is admitted.
	CircuitBreakerTimeout time.Duration
	// OnError observes every terminal failure after retries and
	// fallback handling are exhausted.
	OnError func(err error, meta Meta)
}

// Normalize fills zero fields with defaults.
func (c *Config) Normalize() {
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	} else if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.CircuitBreakerThreshold > 0 && c.CircuitBreakerTimeout <= 0 {
		c.CircuitBreakerTimeout = time.Second
	}
}

// Meta carries caller-supplied context attached to history entries and
// used to group stats.
type Meta struct {
	// Type groups failures in Stats (e.g. "save", "upload").
	Type string
	// Key identifies the logical resource involved, when any.
	Key string
}

// Entry is one terminal failure recorded in the handler's history.
type Entry struct {
	Message   string
	Meta      Meta
	Timestamp time.Time
	Stack     []byte
}

// Stats summarizes recorded terminal failures.
type Stats struct {
	Total  int
	ByType map[string]int
}

// Op is the asynchronous operation body wrapped by Handle.
type Op func(ctx context.Context) error

// Handler retries retryable failures with backoff and optionally trips
// a circuit breaker. Each Handler owns its own history, stats, and
// breaker; independent instances do not interfere.
type Handler struct {
	cfg     Config
	clock   clock.Clock
	logger  pslog.Logger
	breaker *Breaker

	mu      sync.Mutex
	history []Entry
	total   int
	byType  map[string]int
}

// Option customises a Handler.
type Option func(*Handler)

// WithLogger attaches a structured logger.
func WithLogger(logger pslog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithClock injects the time source used for backoff and cooldowns.
func WithClock(clk clock.Clock) Option {
	return func(h *Handler) {
		if clk != nil {
			h.clock = clk
		}
	}
}

// NewHandler constructs a Handler from cfg.
func NewHandler(cfg Config, opts ...Option) *Handler {
	cfg.Normalize()
	h := &Handler{
		cfg:    cfg,
		clock:  clock.Real{},
		logger: pslog.NoopLogger(),
		byType: make(map[string]int),
	}
	for _, opt := range opts {
		opt(h)
	}
	if cfg.CircuitBreakerThreshold > 0 {
		h.breaker = NewBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout, h.clock)
	}
	return h
}

// Breaker exposes the handler's breaker, or nil when disabled.
func (h *Handler) Breaker() *Breaker { return h.breaker }

// Handle runs op, retrying retryable classified failures up to
// MaxRetries additional times. Non-retryable failures propagate
// immediately without consuming the retry budget. While the breaker is
// open, Handle fails fast with ErrCircuitOpen without invoking op.
func (h *Handler) Handle(ctx context.Context, meta Meta, op Op) error {
	if h.breaker != nil && !h.breaker.Allow() {
		h.logger.Debug("faults.handle.circuit_open", "type", meta.Type, "key", meta.Key)
		return ErrCircuitOpen
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			if h.breaker != nil {
				h.breaker.RecordSuccess()
			}
			return nil
		}
		lastErr = err
		cls := Classify(err)
		if !cls.Retryable || attempt >= h.cfg.MaxRetries {
			break
		}
		delay := h.cfg.RetryDelay
		if h.cfg.ExponentialBackoff {
			delay = h.cfg.RetryDelay << attempt
		}
		h.logger.Debug("faults.handle.retry",
			"type", meta.Type,
			"key", meta.Key,
			"kind", cls.Kind,
			"attempt", attempt+1,
			"max_retries", h.cfg.MaxRetries,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			h.terminal(ctx.Err(), meta)
			return ctx.Err()
		case <-h.clock.After(delay):
		}
	}

	h.terminal(lastErr, meta)
	return lastErr
}

// HandleWithFallback runs op via Handle; on any failure, including an
// open circuit, it runs fallback and returns its result instead of
// propagating the original error.
func (h *Handler) HandleWithFallback(ctx context.Context, meta Meta, op, fallback Op) error {
	err := h.Handle(ctx, meta, op)
	if err == nil {
		return nil
	}
	h.logger.Debug("faults.handle.fallback", "type", meta.Type, "key", meta.Key, "error", err)
	return fallback(ctx)
}

// terminal records a failure that exhausted its handling budget.
func (h *Handler) terminal(err error, meta Meta) {
	if h.breaker != nil {
		h.breaker.RecordFailure()
	}
	entry := Entry{
		Message:   err.Error(),
		Meta:      meta,
		Timestamp: h.clock.Now(),
		Stack:     debug.Stack(),
	}
	h.mu.Lock()
	h.history = append(h.history, entry)
	h.total++
	if meta.Type != "" {
		h.byType[meta.Type]++
	}
	h.mu.Unlock()
	h.logger.Warn("faults.handle.failure",
		"type", meta.Type,
		"key", meta.Key,
		"kind", Classify(err).Kind,
		"error", err,
	)
	if h.cfg.OnError != nil {
		h.cfg.OnError(err, meta)
	}
}

// ErrorHistory returns a copy of every recorded terminal failure.
func (h *Handler) ErrorHistory() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.history))
	copy(out, h.history)
	return out
}

// Stats returns the total terminal-failure count and the counts
// grouped by Meta.Type.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	byType := make(map[string]int, len(h.byType))
	for k, v := range h.byType {
		byType[k] = v
	}
	return Stats{Total: h.total, ByType: byType}
}

// ClearHistory discards recorded entries without touching stats.
func (h *Handler) ClearHistory() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = nil
}

// ClearStats resets counters without touching the history.
func (h *Handler) ClearStats() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total = 0
	h.byType = make(map[string]int)
}

// HandleValue runs op under h's retry and breaker policy and returns
// its value.
func HandleValue[T any](ctx context.Context, h *Handler, meta Meta, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := h.Handle(ctx, meta, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = op(ctx)
		return innerErr
	})
	return out, err
}
