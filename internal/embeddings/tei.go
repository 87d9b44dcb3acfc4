package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TEIConfig configures a Text Embeddings Inference server.
type TEIConfig struct {
	BaseURL   string
	Model     string
	APIKey    string
	Dimension int
	// Timeout bounds one HTTP round trip. Zero leaves it to the context.
	Timeout time.Duration
}

func (c TEIConfig) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return nil
}

// TEI calls the native /embed route of a TEI server. Inputs are truncated
// server side to the model's window; the chunker keeps chunks below it.
type TEI struct {
	cfg     TEIConfig
	client  *http.Client
	metrics *Metrics
}

var _ Provider = (*TEI)(nil)

func NewTEI(cfg TEIConfig) (*TEI, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &TEI{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: NewMetrics(nil),
	}, nil
}

type teiRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// EmbedDocuments implements Embedder.
func (t *TEI) EmbedDocuments(ctx context.Context, texts []string) (_ [][]float32, err error) {
	defer t.observe(ctx, "embed_documents", len(texts), time.Now(), &err)
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	return t.embed(ctx, texts)
}

// EmbedQuery implements Embedder.
func (t *TEI) EmbedQuery(ctx context.Context, text string) (_ []float32, err error) {
	defer t.observe(ctx, "embed_query", 1, time.Now(), &err)
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vectors, err := t.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (t *TEI) observe(ctx context.Context, op string, n int, start time.Time, err *error) {
	if *err != nil {
		n = 0
	}
	t.metrics.RecordGeneration(ctx, t.cfg.Model, op, time.Since(start), n, *err)
}

// embed returns exactly one vector per input, each of the configured
// dimension. Anything else would corrupt the collection.
func (t *TEI) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(teiRequest{Inputs: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", classifyStatus(resp.StatusCode), resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", ErrEmbeddingFailed, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) != t.cfg.Dimension {
			return nil, fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrEmbeddingFailed, i, len(v), t.cfg.Dimension)
		}
	}
	return vectors, nil
}

// Dimension implements Embedder.
func (t *TEI) Dimension() int { return t.cfg.Dimension }

// Model implements Embedder.
func (t *TEI) Model() string { return "tei:" + t.cfg.Model }

func (t *TEI) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
