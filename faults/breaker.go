package faults

import (
	"errors"
	"sync"
	"time"

	"github.com/quorumgrid/keel/internal/clock"
)

// ErrCircuitOpen is returned by Handle without invoking the operation
// while the breaker is open. It is distinguishable from the wrapped
// operation's own errors so callers can detect an unhealthy dependency.
var ErrCircuitOpen = errors.New("faults: circuit open")

// BreakerState enumerates the circuit breaker machine.
type BreakerState int

const (
	// BreakerClosed is normal operation.
	BreakerClosed BreakerState = iota
	// BreakerOpen fails fast without invoking operations.
	BreakerOpen
	// BreakerHalfOpen admits exactly one probing call.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker counts consecutive terminal failures per instance (not per
// key). The machine cycles closed → open → half-open indefinitely.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	clock     clock.Clock

	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker returns a closed breaker that opens after threshold
// consecutive failures and probes again once cooldown has elapsed.
func NewBreaker(threshold int, cooldown time.Duration, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clk,
	}
}

// Allow reports whether a call may proceed. While open it returns
// false until the cooldown elapses, at which point the breaker moves
// to half-open and admits a single trial; concurrent callers are
// rejected until that trial's outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}

// RecordFailure counts a terminal failure. A half-open failure reopens
// immediately; a closed breaker opens once the threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.trip()
		return
	}
	b.failures++
	if b.state == BreakerClosed && b.threshold > 0 && b.failures >= b.threshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.failures = 0
	b.probing = false
	b.openedAt = b.clock.Now()
}

// State returns the current machine state without side effects.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
