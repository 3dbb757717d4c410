package push

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
)

// Chunk splits items into slices of at most size elements. A non-positive
// size returns a single chunk.
func Chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 || size >= len(items) {
		return [][]T{items}
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end:end])
	}
	return out
}

// ChunkByID groups items by key and packs the groups into chunks holding at
// most maxPerChunk items and at most maxKeys distinct keys. Items of one key
// may span chunks when a single key exceeds maxPerChunk.
func ChunkByID[T any](items []T, key func(T) string, maxPerChunk, maxKeys int) [][]T {
	if len(items) == 0 {
		return nil
	}
	var order []string
	groups := make(map[string][]T)
	for _, it := range items {
		k := key(it)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], it)
	}

	var (
		out     [][]T
		current []T
		keys    int
	)
	flush := func() {
		if len(current) > 0 {
			out = append(out, current)
		}
		current = nil
		keys = 0
	}
	for _, k := range order {
		g := groups[k]
		for len(g) > 0 {
			if maxKeys > 0 && keys >= maxKeys {
				flush()
			}
			room := len(g)
			if maxPerChunk > 0 {
				room = maxPerChunk - len(current)
				if room <= 0 {
					flush()
					room = maxPerChunk
				}
			}
			if room > len(g) {
				room = len(g)
			}
			current = append(current, g[:room]...)
			keys++
			g = g[room:]
		}
	}
	flush()
	return out
}

// RetryConfig bounds per-chunk retries.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 10 * time.Second
	}
	return c
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Retry runs op until it succeeds, returns a Permanent error, or the attempts
// are exhausted.
func Retry(ctx context.Context, cfg RetryConfig, op func(context.Context) error) error {
	cfg = cfg.withDefaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.MaxInterval = cfg.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := op(ctx); err != nil {
			if IsPermanent(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(cfg.MaxAttempts)))
	return err
}

// Chunks pushes every chunk with at most parallelism in flight and reports
// the first chunk failure after all chunks have finished.
func Chunks[T any](ctx context.Context, chunks [][]T, parallelism int, retry RetryConfig, push func(context.Context, []T) error) error {
	if len(chunks) == 0 {
		return nil
	}
	var g errgroup.Group
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for _, c := range chunks {
		g.Go(func() error {
			return Retry(ctx, retry, func(ctx context.Context) error {
				return push(ctx, c)
			})
		})
	}
	return g.Wait()
}
