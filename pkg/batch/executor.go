package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

type Config struct {
	MaxConcurrency int           `json:"max_concurrency"`
	Timeout        time.Duration `json:"timeout"`
}

// Result pairs a task's output with its error. Panics inside a task are
// reported as errors.
type Result[R any] struct {
	Value R
	Err   error
}

// Executor runs independent tasks with bounded concurrency. Every task
// settles before Run returns.
type Executor struct {
	config Config
	sem    *semaphore.Weighted
}

func NewExecutor(config Config) *Executor {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Executor{
		config: config,
		sem:    semaphore.NewWeighted(int64(config.MaxConcurrency)),
	}
}

func (e *Executor) Config() Config {
	return e.config
}

// Run calls fn once per item and returns results in item order.
func Run[T, R any](ctx context.Context, e *Executor, items []T, fn func(ctx context.Context, item T) (R, error)) []Result[R] {
	results := make([]Result[R], len(items))
	if len(items) == 0 {
		return results
	}

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(idx int, itm T) {
			defer wg.Done()
			results[idx] = execute(ctx, e, itm, fn)
		}(i, item)
	}

	wg.Wait()
	return results
}

func execute[T, R any](ctx context.Context, e *Executor, item T, fn func(ctx context.Context, item T) (R, error)) (result Result[R]) {
	if err := ctx.Err(); err != nil {
		result.Err = err
		return result
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		result.Err = err
		return result
	}
	defer e.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("panic recovered: %v", r)
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	result.Value, result.Err = fn(callCtx, item)
	return result
}
