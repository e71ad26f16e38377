package graph

import (
	"context"
	"errors"
	"strings"

	"github.com/dyike/CortexFlow/internal/llm"
	"github.com/dyike/CortexFlow/internal/models"
)

// ErrInvalidState is re-exported for callers that only import this package.
var ErrInvalidState = models.ErrInvalidState

var (
	// ErrNodeTimeout means a node exceeded its wall-clock budget.
	ErrNodeTimeout = errors.New("node timed out")

	// ErrRecursionLimit means the executor exceeded its node-visit bound.
	ErrRecursionLimit = errors.New("graph recursion limit exceeded")
)

// Retryable reports whether a node error qualifies for the single
// resilient-node retry: timeouts and transient provider failures only.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, llm.ErrProviderMissing) || errors.Is(err, ErrInvalidState) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrNodeTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return transient(err)
}

func transient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit", "too many requests", "429",
		"connection reset", "connection refused", "broken pipe",
		"502", "503", "504", "bad gateway", "service unavailable",
		"timeout", "temporarily",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ErrorKind maps an error to the wire-visible kind recorded on descriptors
// and events.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, llm.ErrProviderMissing):
		return "ProviderMissing"
	case errors.Is(err, ErrInvalidState):
		return "InvalidState"
	case errors.Is(err, ErrNodeTimeout), errors.Is(err, context.DeadlineExceeded):
		return "NodeTimeout"
	case errors.Is(err, context.Canceled):
		return "SessionCanceled"
	case errors.Is(err, ErrRecursionLimit):
		return "RecursionLimit"
	case transient(err):
		return "ProviderTransient"
	default:
		return "Internal"
	}
}
