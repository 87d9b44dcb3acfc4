package embeddings

import (
	"fmt"

	"github.com/fyrsmithlabs/chakravyuh/internal/config"
	"github.com/fyrsmithlabs/chakravyuh/internal/logging"
)

// NewProvider creates the configured embedder, unwrapped:
//   - "hash" (default): local feature hashing
//   - "tei": Text Embeddings Inference over HTTP
//   - "openai": any OpenAI-compatible embeddings API via langchaingo
func NewProvider(cfg config.EmbeddingsConfig) (Provider, error) {
	switch cfg.Provider {
	case "hash", "":
		return NewHashEmbedder(cfg.Dimension)
	case "tei":
		return NewTEI(TEIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			Dimension: cfg.Dimension,
			Timeout:   cfg.Timeout.Duration(),
		})
	case "openai":
		return NewOpenAI(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			Dimension: cfg.Dimension,
			BatchSize: cfg.BatchSize,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// New creates the configured embedder wrapped in Resilient.
func New(cfg config.EmbeddingsConfig, logger *logging.Logger) (Embedder, Provider, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	p, err := NewProvider(cfg)
	if err != nil {
		return nil, nil, err
	}
	return NewResilient(p, ResilientConfig{
		Timeout:           cfg.Timeout.Duration(),
		MaxConcurrency:    cfg.MaxConcurrency,
		RequestsPerSecond: cfg.RequestsPerSecond,
		MaxRetries:        cfg.MaxRetries,
		BatchSize:         cfg.BatchSize,
	}, logger.Named("embeddings")), p, nil
}
