package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chakravyuh/internal/logging"
	"github.com/fyrsmithlabs/chakravyuh/internal/resilience"
)

// ResilientConfig bounds calls to the wrapped completer.
type ResilientConfig struct {
	Timeout           time.Duration
	MaxConcurrency    int
	RequestsPerSecond float64
	MaxRetries        uint64
	BaseBackoff       time.Duration
}

// ResilientOption configures a Resilient.
type ResilientOption func(*Resilient)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ResilientOption {
	return func(r *Resilient) {
		if l != nil {
			r.logger = l
		}
	}
}

// Resilient wraps a Completer with concurrency, rate, timeout and retry limits.
type Resilient struct {
	inner  Completer
	exec   *resilience.Executor
	logger *logging.Logger
}

var _ Completer = (*Resilient)(nil)

// NewResilient wraps inner.
func NewResilient(inner Completer, cfg ResilientConfig, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		inner: inner,
		exec: resilience.New(resilience.Policy{
			Timeout:           cfg.Timeout,
			MaxConcurrency:    cfg.MaxConcurrency,
			RequestsPerSecond: cfg.RequestsPerSecond,
			MaxRetries:        cfg.MaxRetries,
			BaseBackoff:       cfg.BaseBackoff,
		}),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Complete implements Completer.
func (r *Resilient) Complete(ctx context.Context, req Request) (string, error) {
	var out string
	err := r.exec.Do(ctx, func(err error) bool {
		if IsRetryable(err) || resilience.IsAttemptTimeout(err) {
			r.logger.Warn(ctx, "completion failed, retrying", zap.String("model", r.inner.Model()), zap.Error(err))
			return true
		}
		return false
	}, func(ctx context.Context) error {
		var err error
		out, err = r.inner.Complete(ctx, req)
		return err
	})
	if err != nil {
		if resilience.IsAttemptTimeout(err) && !errors.Is(err, ErrTimeout) {
			return "", fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return "", err
	}
	return out, nil
}

// Model implements Completer.
func (r *Resilient) Model() string { return r.inner.Model() }
