package embeddings

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/fyrsmithlabs/chakravyuh/internal/resilience"
)

var (
	// ErrEmptyInput indicates empty or nil input texts
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates a non-retryable embedding failure
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrRateLimited indicates the embedding service throttled the call. Retryable.
	ErrRateLimited = errors.New("embedding rate limited")

	// ErrTimeout indicates an embedding call exceeded its deadline. Retryable.
	ErrTimeout = errors.New("embedding timed out")
)

// Embedder maps text to vectors of a fixed dimension.
type Embedder interface {
	// EmbedDocuments returns one vector per text, in input order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery returns the vector for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the vector length.
	Dimension() int

	// Model identifies the model and version producing the vectors.
	Model() string
}

// Provider is an Embedder that holds resources.
type Provider interface {
	Embedder
	// Close releases resources held by the provider.
	Close() error
}

// IsRetryable reports whether err is a rate limit or timeout.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) || resilience.IsAttemptTimeout(err)
}

// classifyStatus maps an HTTP status from an embedding service to a sentinel.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return ErrTimeout
	default:
		return ErrEmbeddingFailed
	}
}

// classifyMessage maps an opaque client error to a sentinel by its text.
// Client libraries that do not expose status codes still report them in
// their messages.
func classifyMessage(err error) error {
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "429"), strings.Contains(lower, "too many requests"):
		return ErrRateLimited
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"), strings.Contains(lower, "504"):
		return ErrTimeout
	default:
		return ErrEmbeddingFailed
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTimeout), resilience.IsAttemptTimeout(err):
		return "timeout"
	case errors.Is(err, ErrEmptyInput):
		return "invalid_input"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "failed"
	}
}
