package embeddings

import (
	"context"
	"fmt"
	"time"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIConfig configures an OpenAI-compatible embeddings endpoint.
type OpenAIConfig struct {
	BaseURL   string
	Model     string
	APIKey    string
	Dimension int
	BatchSize int
}

// OpenAI embeds through langchaingo's OpenAI client. Any server speaking the
// OpenAI embeddings API works, including TEI's /v1 route.
type OpenAI struct {
	impl      lcembeddings.Embedder
	model     string
	dimension int
	metrics   *Metrics
}

var _ Provider = (*OpenAI)(nil)

// NewOpenAI creates the langchaingo-backed embedder.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	token := cfg.APIKey
	if token == "" {
		// langchaingo requires a token even for servers that ignore it.
		token = "unused"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	return NewOpenAIWithClient(client, cfg)
}

// NewOpenAIWithClient wraps any langchaingo embedder client.
func NewOpenAIWithClient(client lcembeddings.EmbedderClient, cfg OpenAIConfig) (*OpenAI, error) {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 32
	}
	impl, err := lcembeddings.NewEmbedder(client,
		lcembeddings.WithBatchSize(batch),
		lcembeddings.WithStripNewLines(false),
	)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &OpenAI{impl: impl, model: cfg.Model, dimension: cfg.Dimension, metrics: NewMetrics(nil)}, nil
}

// EmbedDocuments implements Embedder.
func (o *OpenAI) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	if len(texts) == 0 {
		err := fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
		o.metrics.RecordGeneration(ctx, o.model, "embed_documents", time.Since(start), 0, err)
		return nil, err
	}
	vectors, err := o.impl.EmbedDocuments(ctx, texts)
	if err != nil {
		err = fmt.Errorf("%w: embedding documents: %w", classifyMessage(err), err)
	}
	o.metrics.RecordGeneration(ctx, o.model, "embed_documents", time.Since(start), len(texts), err)
	return vectors, err
}

// EmbedQuery implements Embedder.
func (o *OpenAI) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	if text == "" {
		err := fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
		o.metrics.RecordGeneration(ctx, o.model, "embed_query", time.Since(start), 0, err)
		return nil, err
	}
	vector, err := o.impl.EmbedQuery(ctx, text)
	if err != nil {
		err = fmt.Errorf("%w: embedding query: %w", classifyMessage(err), err)
	}
	o.metrics.RecordGeneration(ctx, o.model, "embed_query", time.Since(start), 1, err)
	return vector, err
}

// Dimension implements Embedder.
func (o *OpenAI) Dimension() int { return o.dimension }

// Model implements Embedder.
func (o *OpenAI) Model() string { return "openai:" + o.model }

// Close implements Provider.
func (o *OpenAI) Close() error { return nil }
