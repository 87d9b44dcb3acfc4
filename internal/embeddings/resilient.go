package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chakravyuh/internal/logging"
	"github.com/fyrsmithlabs/chakravyuh/internal/resilience"
)

// ResilientConfig bounds calls to the wrapped embedder.
type ResilientConfig struct {
	Timeout           time.Duration
	MaxConcurrency    int
	RequestsPerSecond float64
	MaxRetries        uint64
	// BatchSize splits EmbedDocuments into requests of at most this many texts.
	BatchSize int
}

// Resilient wraps an Embedder with concurrency, rate, timeout and retry
// limits. Rate limits and timeouts are retried with jittered exponential
// backoff; once the budget is spent they surface as ErrRateLimited or
// ErrTimeout.
type Resilient struct {
	inner     Embedder
	exec      *resilience.Executor
	batchSize int
	metrics   *Metrics
	logger    *logging.Logger
}

var _ Embedder = (*Resilient)(nil)

// NewResilient wraps inner.
func NewResilient(inner Embedder, cfg ResilientConfig, logger *logging.Logger) *Resilient {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Resilient{
		inner: inner,
		exec: resilience.New(resilience.Policy{
			Timeout:           cfg.Timeout,
			MaxConcurrency:    cfg.MaxConcurrency,
			RequestsPerSecond: cfg.RequestsPerSecond,
			MaxRetries:        cfg.MaxRetries,
		}),
		batchSize: cfg.BatchSize,
		metrics:   NewMetrics(logger.Underlying()),
		logger:    logger,
	}
}

// EmbedDocuments implements Embedder.
func (r *Resilient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	size := r.batchSize
	if size <= 0 || size > len(texts) {
		size = len(texts)
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		batch := texts[start:min(start+size, len(texts))]
		var vectors [][]float32
		err := r.do(ctx, func(ctx context.Context) error {
			var err error
			vectors, err = r.inner.EmbedDocuments(ctx, batch)
			return err
		})
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// EmbedQuery implements Embedder.
func (r *Resilient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		vector, err = r.inner.EmbedQuery(ctx, text)
		return err
	})
	return vector, err
}

func (r *Resilient) do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := 0
	err := r.exec.Do(ctx, func(err error) bool {
		if !IsRetryable(err) {
			return false
		}
		r.metrics.RecordRetry(ctx, r.inner.Model(), err)
		r.logger.Warn(ctx, "embedding call failed, retrying",
			zap.Int("attempt", attempt),
			zap.String("kind", errorKind(err)),
		)
		return true
	}, func(ctx context.Context) error {
		attempt++
		return fn(ctx)
	})
	if err == nil {
		return nil
	}
	if resilience.IsAttemptTimeout(err) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// Dimension implements Embedder.
func (r *Resilient) Dimension() int { return r.inner.Dimension() }

// Model implements Embedder.
func (r *Resilient) Model() string { return r.inner.Model() }

// Unwrap returns the wrapped embedder.
func (r *Resilient) Unwrap() Embedder { return r.inner }
