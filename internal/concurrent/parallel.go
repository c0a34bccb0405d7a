package concurrent

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Result represents the result of a parallel operation
type Result[T any] struct {
	Value T
	Error error
	Index int // Original index in the input slice
}

// Task represents a function to be executed in parallel
type Task[T any] func(ctx context.Context) (T, error)

// ParallelExecuteWithLimit executes tasks in parallel with a concurrency limit.
// It waits for all tasks to complete, even if some fail; a failing task never
// cancels its siblings.
// maxConcurrent specifies the maximum number of tasks running simultaneously
func ParallelExecuteWithLimit[T any](ctx context.Context, tasks []Task[T], maxConcurrent int) []Result[T] {
	results := make([]Result[T], len(tasks))

	var g errgroup.Group
	if maxConcurrent > 0 {
		g.SetLimit(maxConcurrent)
	}

	for i, task := range tasks {
		g.Go(func() error {
			value, err := task(ctx)
			results[i] = Result[T]{
				Value: value,
				Error: err,
				Index: i,
			}
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// ParallelMapWithLimit executes a function on each item in parallel with a concurrency limit
func ParallelMapWithLimit[T any, R any](ctx context.Context, items []T, fn func(ctx context.Context, item T) (R, error), maxConcurrent int) []Result[R] {
	tasks := make([]Task[R], len(items))
	for i, item := range items {
		tasks[i] = func(ctx context.Context) (R, error) {
			return fn(ctx, item)
		}
	}
	return ParallelExecuteWithLimit(ctx, tasks, maxConcurrent)
}

// AllErrors returns all errors from results
func AllErrors[T any](results []Result[T]) []error {
	errors := make([]error, 0)
	for _, result := range results {
		if result.Error != nil {
			errors = append(errors, result.Error)
		}
	}
	return errors
}
