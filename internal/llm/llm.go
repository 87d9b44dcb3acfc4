// Package llm exposes the text completion capability used for answer
// synthesis. The completion model is external; this package holds the
// langchaingo adapter and the resilience wrapper.
package llm

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnavailable indicates no completion backend is reachable or configured.
	ErrUnavailable = errors.New("completion unavailable")

	// ErrCompletionFailed indicates a non-retryable completion failure.
	ErrCompletionFailed = errors.New("completion failed")

	// ErrRateLimited indicates the backend throttled the call. Retryable.
	ErrRateLimited = errors.New("completion rate limited")

	// ErrTimeout indicates a completion call exceeded its deadline. Retryable.
	ErrTimeout = errors.New("completion timed out")
)

// Request is a single-turn completion request.
type Request struct {
	System string
	Prompt string
	// JSON asks the backend to emit a single JSON object.
	JSON        bool
	MaxTokens   int
	Temperature float64
}

// Completer produces text for a prompt.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
	Model() string
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

// Complete implements Completer.
func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

// Model implements Completer.
func (f CompleterFunc) Model() string { return "func" }

// Disabled is the Completer used when llm.provider is "none".
type Disabled struct{}

// Complete always fails with ErrUnavailable.
func (Disabled) Complete(context.Context, Request) (string, error) {
	return "", ErrUnavailable
}

// Model implements Completer.
func (Disabled) Model() string { return "none" }

// IsRetryable reports whether err is a rate limit or timeout.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout)
}

func classify(err error) error {
	lower := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "deadline exceeded"),
		strings.Contains(lower, "504"):
		return ErrTimeout
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "429"),
		strings.Contains(lower, "too many requests"):
		return ErrRateLimited
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "502"),
		strings.Contains(lower, "503"):
		return ErrUnavailable
	default:
		return ErrCompletionFailed
	}
}
