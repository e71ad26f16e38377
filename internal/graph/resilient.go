package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dyike/CortexFlow/internal/models"
)

// ResilientOpts configures the per-node execution policy: a wall-clock
// budget per attempt, a bounded retry count for transient failures, and an
// optional degradation stub.
type ResilientOpts struct {
	Name       string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration

	// Fallback, when set, converts an exhausted failure into a degraded
	// patch instead of an error. Analyst branches set this; sequential
	// agents that must not silently degrade leave it nil.
	Fallback func(err error) *models.StatePatch

	Log     *zap.Logger
	Monitor *Monitor
}

// Resilient wraps a node with timeout, retry, and degradation handling.
// Session cancellation always wins: a canceled context is returned as-is,
// never retried and never degraded.
func Resilient(fn NodeFunc, opts ResilientOpts) NodeFunc {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		var lastErr error
		for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
			if attempt > 0 {
				log.Warn("retrying node",
					zap.String("node", opts.Name),
					zap.Int("attempt", attempt),
					zap.Error(lastErr))
				if opts.Monitor != nil {
					opts.Monitor.NodeRetried(opts.Name)
				}
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(opts.RetryDelay):
				}
			}

			patch, err := runOnce(ctx, fn, st, opts.Timeout)
			if err == nil {
				return patch, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if !Retryable(err) {
				break
			}
		}

		if opts.Fallback != nil {
			log.Warn("node degraded",
				zap.String("node", opts.Name),
				zap.Error(lastErr))
			if opts.Monitor != nil {
				opts.Monitor.NodeDegraded(opts.Name)
			}
			patch := opts.Fallback(lastErr)
			if patch != nil {
				patch.Degraded = true
			}
			return patch, nil
		}
		return nil, lastErr
	}
}

// runOnce executes a single attempt under its own deadline. A deadline hit
// is reported as ErrNodeTimeout so the session deadline stays
// distinguishable.
func runOnce(ctx context.Context, fn NodeFunc, st *models.AnalysisState, timeout time.Duration) (*models.StatePatch, error) {
	if timeout <= 0 {
		return fn(ctx, st)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	patch, err := fn(attemptCtx, st)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("%w after %s", ErrNodeTimeout, timeout)
	}
	return patch, err
}
