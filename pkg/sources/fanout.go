package sources

import (
	"context"
	"fmt"
	"iter"

	"github.com/DrSkyle/certcheck/pkg/engine/swarm"
)

// fanOut runs fetch for every handle on the pool and yields the produced items
// as workers finish. Stopping the iteration early cancels outstanding work.
// A panicking fetch yields an unavailable item for its handle.
func fanOut[H any](ctx context.Context, pool *swarm.Pool, scanner string, handles []H, label func(H) string, fetch func(context.Context, H) []Item) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		results := make(chan []Item)
		go func() {
			defer close(results)
			g := pool.Group(ctx)
			for _, h := range handles {
				g.Go(func(taskCtx context.Context) error {
					items := guarded(taskCtx, scanner, h, label, fetch)
					select {
					case results <- items:
					case <-ctx.Done():
					}
					return firstErr(items)
				})
			}
			// Per-item failures already travel as items.
			_ = g.Wait()
		}()

		for batch := range results {
			for _, it := range batch {
				if !yield(it) {
					cancel()
					for range results {
					}
					return
				}
			}
		}
	}
}

func firstErr(items []Item) error {
	for _, it := range items {
		if it.Err != nil {
			return it.Err
		}
	}
	return nil
}

func guarded[H any](ctx context.Context, scanner string, h H, label func(H) string, fetch func(context.Context, H) []Item) (items []Item) {
	defer func() {
		if r := recover(); r != nil {
			items = []Item{unavailable(scanner, label(h), fmt.Errorf("panic: %v", r))}
		}
	}()
	return fetch(ctx, h)
}

func sameName(s string) string { return s }
