package consistency

import (
	"context"
	"fmt"
)

// Operation is one step of an atomic group.
type Operation func(ctx context.Context) (any, error)

// AtomicOutcome records the results of an atomic group. Committed is
// the number of operations considered complete: len(Results) on
// success, zero otherwise.
type AtomicOutcome struct {
	Results   []any
	Committed int
}

// ExecuteAtomic runs ops in order. If any operation fails the call
// returns that error and the outcome records zero committed
// operations, even though earlier steps may already have run their
// side effects; atomicity here is completion bookkeeping, not undo.
// A step may itself call ExecuteAtomic; its outcome embeds
// positionally in the outer result list.
func (c *Checker) ExecuteAtomic(ctx context.Context, ops []Operation) (AtomicOutcome, error) {
	results := make([]any, 0, len(ops))
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return AtomicOutcome{}, err
		}
		res, err := op(ctx)
		if err != nil {
			c.logger.Debug("consistency.atomic.abort", "step", i, "total", len(ops), "error", err)
			return AtomicOutcome{}, fmt.Errorf("consistency: atomic step %d of %d: %w", i+1, len(ops), err)
		}
		results = append(results, res)
	}
	return AtomicOutcome{Results: results, Committed: len(results)}, nil
}
