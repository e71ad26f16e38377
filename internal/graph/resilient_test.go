package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyike/CortexFlow/internal/llm"
	"github.com/dyike/CortexFlow/internal/models"
)

func TestResilientTimeoutBecomesNodeTimeout(t *testing.T) {
	slow := func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return nil, nil
		}
	}
	fn := Resilient(slow, ResilientOpts{Name: "slow", Timeout: 20 * time.Millisecond})

	_, err := fn(context.Background(), newState())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNodeTimeout)
}

func TestResilientRetriesTransientFailures(t *testing.T) {
	calls := 0
	flaky := func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("upstream 503 service unavailable")
		}
		return &models.StatePatch{InvestmentPlan: models.String("ok")}, nil
	}
	fn := Resilient(flaky, ResilientOpts{Name: "flaky", MaxRetries: 1, RetryDelay: time.Millisecond})

	patch, err := fn(context.Background(), newState())
	require.NoError(t, err)
	require.NotNil(t, patch)
	assert.Equal(t, 2, calls)
}

func TestResilientDoesNotRetryProviderMissing(t *testing.T) {
	calls := 0
	fn := Resilient(func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		calls++
		return nil, fmt.Errorf("resolve: %w", llm.ErrProviderMissing)
	}, ResilientOpts{Name: "unbound", MaxRetries: 3, RetryDelay: time.Millisecond})

	_, err := fn(context.Background(), newState())
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrProviderMissing)
	assert.Equal(t, 1, calls, "permanent failures must not be retried")
}

func TestResilientFallbackMarksPatchDegraded(t *testing.T) {
	fn := Resilient(func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		return nil, errors.New("connection refused")
	}, ResilientOpts{
		Name:       "stubbed",
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
		Fallback: func(err error) *models.StatePatch {
			return &models.StatePatch{InvestmentPlan: models.String("stub")}
		},
	})

	patch, err := fn(context.Background(), newState())
	require.NoError(t, err, "degradation absorbs the failure")
	require.NotNil(t, patch)
	assert.True(t, patch.Degraded)
	assert.Equal(t, "stub", *patch.InvestmentPlan)
}

func TestResilientCancellationWinsOverFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fn := Resilient(func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		return nil, ctx.Err()
	}, ResilientOpts{
		Name: "canceled",
		Fallback: func(err error) *models.StatePatch {
			return &models.StatePatch{}
		},
	})

	_, err := fn(ctx, newState())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled, "canceled work must not degrade into a stub")
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, Retryable(ErrNodeTimeout))
	assert.True(t, Retryable(errors.New("429 too many requests")))
	assert.True(t, Retryable(context.DeadlineExceeded))
	assert.False(t, Retryable(llm.ErrProviderMissing))
	assert.False(t, Retryable(ErrInvalidState))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(errors.New("malformed request body")))
	assert.False(t, Retryable(nil))
}

func TestErrorKindMapping(t *testing.T) {
	cases := map[string]struct {
		err  error
		kind string
	}{
		"provider missing": {llm.ErrProviderMissing, "ProviderMissing"},
		"invalid state":    {ErrInvalidState, "InvalidState"},
		"node timeout":     {ErrNodeTimeout, "NodeTimeout"},
		"canceled":         {context.Canceled, "SessionCanceled"},
		"recursion":        {ErrRecursionLimit, "RecursionLimit"},
		"transient":        {errors.New("bad gateway"), "ProviderTransient"},
		"other":            {errors.New("boom"), "Internal"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.kind, ErrorKind(tc.err))
		})
	}
}
