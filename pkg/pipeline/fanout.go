package pipeline

import (
	"context"
	"fmt"
	"sync"
)

// DefaultConcurrency is used when a caller passes a non-positive limit.
const DefaultConcurrency = 5

// Result holds the outcome for a single item of a fan-out.
type Result[T, R any] struct {
	Item  T
	Value R
	Err   error
}

// ForEach runs fn for every item over a bounded worker pool and returns one
// Result per item, in input order. A failing item never stops the others.
// Items not started before ctx is done get ctx.Err() as their error.
func ForEach[T, R any](ctx context.Context, items []T, concurrency int, fn func(context.Context, T) (R, error)) []Result[T, R] {
	results := make([]Result[T, R], len(items))
	if len(items) == 0 {
		return results
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if concurrency > len(items) {
		concurrency = len(items)
	}

	indexChan := make(chan int, len(items))
	for i := range items {
		indexChan <- i
	}
	close(indexChan)

	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexChan {
				// Each worker writes only its own index.
				results[i].Item = items[i]
				if err := ctx.Err(); err != nil {
					results[i].Err = err
					continue
				}
				results[i].Value, results[i].Err = fn(ctx, items[i])
			}
		}()
	}
	wg.Wait()

	return results
}

// Errors returns the non-nil errors of results.
func Errors[T, R any](results []Result[T, R]) []error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errs
}

// Summary counts the outcome of a batch.
type Summary struct {
	Total  int
	OK     int
	Failed int
	// Skipped items were left for a later run.
	Skipped int
}

func (s Summary) String() string {
	out := fmt.Sprintf("%d processed, %d ok, %d failed", s.Total, s.OK, s.Failed)
	if s.Skipped > 0 {
		out += fmt.Sprintf(", %d skipped", s.Skipped)
	}
	return out
}

// Summarize counts results by outcome.
func Summarize[T, R any](results []Result[T, R]) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Err != nil {
			s.Failed++
		} else {
			s.OK++
		}
	}
	return s
}
