package concurrent

import (
	"context"
	"sync"
	"time"
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
// maxConcurrent <= 0 means no limit. It waits for all tasks, even if some fail.
func ParallelExecuteWithLimit[T any](ctx context.Context, tasks []Task[T], maxConcurrent int) []Result[T] {
	if maxConcurrent <= 0 || maxConcurrent > len(tasks) {
		maxConcurrent = len(tasks)
	}

	results := make([]Result[T], len(tasks))
	var wg sync.WaitGroup

	// Create a semaphore channel to limit concurrency
	semaphore := make(chan struct{}, maxConcurrent)

	for i, task := range tasks {
		wg.Add(1)
		go func(index int, t Task[T]) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			value, err := t(ctx)
			results[index] = Result[T]{
				Value: value,
				Error: err,
				Index: index,
			}
		}(i, task)
	}

	wg.Wait()
	return results
}

// ParallelMap executes a function on each item in parallel and returns the results
func ParallelMap[T any, R any](ctx context.Context, items []T, fn func(ctx context.Context, item T) (R, error)) []Result[R] {
	return ParallelMapWithLimit(ctx, items, fn, 0)
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

// ParallelMapWithTimeout is ParallelMap where every call gets its own deadline.
// A slow item cannot hold up the others past timeout.
func ParallelMapWithTimeout[T any, R any](ctx context.Context, items []T, timeout time.Duration, fn func(ctx context.Context, item T) (R, error)) []Result[R] {
	return ParallelMap(ctx, items, func(ctx context.Context, item T) (R, error) {
		if timeout <= 0 {
			return fn(ctx, item)
		}
		tctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(tctx, item)
	})
}
