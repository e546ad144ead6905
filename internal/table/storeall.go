package table

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrorPolicy decides how StoreAll reacts to a failed table.
type ErrorPolicy int

const (
	// FailFast cancels the remaining stores after the first failure.
	FailFast ErrorPolicy = iota
	// CollectAll stores every table and joins the failures.
	CollectAll
)

// StoreAllOptions controls StoreAll.
type StoreAllOptions struct {
	Policy ErrorPolicy
	// Concurrency bounds the number of tables stored at once; zero or less
	// means no bound.
	Concurrency int
	Store       StoreOptions
}

// StoreAll stores independent tables concurrently. Results are returned in
// the order of tables; the result of a failed or canceled table is nil.
// Each table must be distinct: a Table is not safe for concurrent use.
func StoreAll(ctx context.Context, tables []*Table, opts StoreAllOptions) ([]*StoreResult, error) {
	results := make([]*StoreResult, len(tables))
	limit := opts.Concurrency
	if limit <= 0 {
		limit = -1
	}

	if opts.Policy == FailFast {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for i, t := range tables {
			g.Go(func() error {
				res, err := t.Store(gctx, opts.Store)
				if err != nil {
					return fmt.Errorf("store %s: %w", t.describe(), err)
				}
				results[i] = res
				return nil
			})
		}
		return results, g.Wait()
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(limit)
	for i, t := range tables {
		g.Go(func() error {
			res, err := t.Store(ctx, opts.Store)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("store %s: %w", t.describe(), err))
				mu.Unlock()
				return nil
			}
			results[i] = res
			return nil
		})
	}
	g.Wait()
	return results, errors.Join(errs...)
}
