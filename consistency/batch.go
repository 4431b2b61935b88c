package consistency

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ValidateBatch validates items sequentially and returns one issue
// slice per input, index-aligned.
func (c *Checker) ValidateBatch(ctx context.Context, items []Vector) ([][]Issue, error) {
	results := make([][]Issue, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results[i] = c.ValidateVector(item)
	}
	return results, nil
}

// ValidateBatchParallel fans validation out across items. Completion
// order is unspecified; the returned slice is index-aligned with the
// input regardless.
func (c *Checker) ValidateBatchParallel(ctx context.Context, items []Vector) ([][]Issue, error) {
	results := make([][]Issue, len(items))
	g, ctx := errgroup.WithContext(ctx)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = c.ValidateVector(item)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
