// Package consistency validates vector collections and derived state,
// and runs grouped operations with all-or-nothing completion
// bookkeeping. Checks accumulate independently so a single input can
// surface several problems at once.
package consistency

import (
	"sync"

	"pkt.systems/pslog"
)

// Severity grades a reported issue.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Issue is a single validation finding.
type Issue struct {
	Check    string   `json:"check"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Repair describes a correction applied in place by auto-repair.
type Repair struct {
	Collection string `json:"collection"`
	Field      string `json:"field"`
	Before     any    `json:"before"`
	After      any    `json:"after"`
}

// Vector is the unit of structural validation.
type Vector struct {
	ID     string    `json:"id"`
	Values []float64 `json:"values"`
}

// Config controls checking behavior. StrictMode always wins: repairs
// are applied only when StrictMode is false and AutoRepair is true.
type Config struct {
	StrictMode bool
	AutoRepair bool
}

// Stats counts work done by a Checker instance.
type Stats struct {
	ChecksRun      int64
	IssuesFound    int64
	RepairsApplied int64
}

// Checker runs validations against caller-supplied data. It holds no
// data of its own beyond counters.
type Checker struct {
	cfg      Config
	logger   pslog.Logger
	onRepair func(Repair)

	mu    sync.Mutex
	stats Stats
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the structured logger. Defaults to a noop logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithOnRepair registers an observer invoked once per applied repair.
func WithOnRepair(fn func(Repair)) Option {
	return func(c *Checker) { c.onRepair = fn }
}

func New(cfg Config, opts ...Option) *Checker {
	c := &Checker{
		cfg:    cfg,
		logger: pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stats returns a snapshot of the checker's counters.
func (c *Checker) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Checker) countCheck(issues []Issue) []Issue {
	c.mu.Lock()
	c.stats.ChecksRun++
	c.stats.IssuesFound += int64(len(issues))
	c.mu.Unlock()
	return issues
}

func (c *Checker) countRepair(r Repair) {
	c.mu.Lock()
	c.stats.RepairsApplied++
	c.mu.Unlock()
	c.logger.Debug("consistency.repair",
		"collection", r.Collection,
		"field", r.Field,
		"before", r.Before,
		"after", r.After,
	)
	if c.onRepair != nil {
		c.onRepair(r)
	}
}
