// Package retrieval turns a query into ranked evidence from the vector
// store.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chakravyuh/internal/config"
	"github.com/fyrsmithlabs/chakravyuh/internal/embeddings"
	"github.com/fyrsmithlabs/chakravyuh/internal/logging"
	"github.com/fyrsmithlabs/chakravyuh/internal/vectorstore"
)

var tracer = otel.Tracer("chakravyuh.retrieval")

// ErrEmptyQuery indicates a blank query.
var ErrEmptyQuery = errors.New("query cannot be empty")

// ErrInvalidFilters indicates a date range that ends before it starts.
var ErrInvalidFilters = errors.New("invalid filters")

// StaleRecordsTotal counts search hits dropped because they were embedded
// by a different model than the active one.
var StaleRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "chakravyuh",
	Subsystem: "retrieval",
	Name:      "stale_records_total",
	Help:      "Total number of search hits dropped for a mismatched embedding model",
})

// maxFetchRounds bounds over-fetching when stale hits are dropped.
const maxFetchRounds = 3

// Evidence is one retrieved chunk.
type Evidence struct {
	ChunkID       string  `json:"chunk_id"`
	SourceID      string  `json:"source_id"`
	ServiceName   string  `json:"service_name,omitempty"`
	URI           string  `json:"uri,omitempty"`
	SequenceIndex int     `json:"sequence_index"`
	Text          string  `json:"text"`
	Score         float32 `json:"score"`
}

// Filters narrow retrieval. Empty fields do not filter. StartDate and
// EndDate bound the collection time of the source inclusively; sources
// ingested without one are excluded once either bound is set.
type Filters struct {
	ServiceName string    `json:"service_name,omitempty"`
	SourceID    string    `json:"source_id,omitempty"`
	StartDate   time.Time `json:"start_date,omitzero"`
	EndDate     time.Time `json:"end_date,omitzero"`
}

// ParseDate reads an RFC3339 timestamp or a 2006-01-02 day. A day used as
// an upper bound covers its last second.
func ParseDate(s string, upper bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	day, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is neither RFC3339 nor YYYY-MM-DD", ErrInvalidFilters, s)
	}
	if upper {
		day = day.Add(24*time.Hour - time.Second)
	}
	return day, nil
}

// Validate rejects an inverted date range.
func (f Filters) Validate() error {
	if !f.StartDate.IsZero() && !f.EndDate.IsZero() && f.EndDate.Before(f.StartDate) {
		return fmt.Errorf("%w: end_date %s is before start_date %s", ErrInvalidFilters,
			vectorstore.FormatTime(f.EndDate), vectorstore.FormatTime(f.StartDate))
	}
	return nil
}

func (f Filters) toStore() vectorstore.Filter {
	out := vectorstore.Filter{}
	if f.ServiceName != "" {
		out[vectorstore.MetaServiceName] = f.ServiceName
	}
	if f.SourceID != "" {
		out[vectorstore.MetaSourceID] = f.SourceID
	}
	if !f.StartDate.IsZero() {
		out[vectorstore.AtLeast(vectorstore.MetaCollectedAt)] = vectorstore.FormatTime(f.StartDate)
	}
	if !f.EndDate.IsZero() {
		out[vectorstore.AtMost(vectorstore.MetaCollectedAt)] = vectorstore.FormatTime(f.EndDate)
	}
	return out
}

// Result is the outcome of one retrieval.
type Result struct {
	Evidence []Evidence `json:"evidence"`
	// Stale counts hits dropped for a mismatched embedding model.
	Stale int `json:"stale,omitempty"`
}

// IDs returns the chunk IDs in rank order.
func (r Result) IDs() []string {
	ids := make([]string, len(r.Evidence))
	for i, e := range r.Evidence {
		ids[i] = e.ChunkID
	}
	return ids
}

// Retriever embeds queries with the ingestion embedder and searches the
// store.
type Retriever struct {
	embedder embeddings.Embedder
	store    vectorstore.Store
	logger   *logging.Logger
	defaultK int
	maxK     int
}

// New creates a Retriever.
func New(embedder embeddings.Embedder, store vectorstore.Store, cfg config.RetrievalConfig, logger *logging.Logger) *Retriever {
	if logger == nil {
		logger = logging.NewNop()
	}
	defaultK, maxK := cfg.DefaultK, cfg.MaxK
	if maxK <= 0 {
		maxK = 50
	}
	if defaultK <= 0 {
		defaultK = min(5, maxK)
	}
	return &Retriever{
		embedder: embedder,
		store:    store,
		logger:   logger.Named("retrieval"),
		defaultK: defaultK,
		maxK:     maxK,
	}
}

// EffectiveK resolves a requested k: non-positive means the default and
// values above the maximum are capped.
func (r *Retriever) EffectiveK(k int) int {
	if k <= 0 {
		return r.defaultK
	}
	return min(k, r.maxK)
}

// Retrieve returns at most k evidence chunks ordered by descending
// similarity. Fewer available chunks is not an error.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, filters Filters) (Result, error) {
	ctx, span := tracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()

	if strings.TrimSpace(query) == "" {
		span.SetStatus(codes.Error, "empty query")
		return Result{}, ErrEmptyQuery
	}
	if err := filters.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid filters")
		return Result{}, err
	}
	k = r.EffectiveK(k)
	span.SetAttributes(attribute.Int("k", k))

	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embed query failed")
		return Result{}, fmt.Errorf("embedding query: %w", err)
	}
	vector = vectorstore.Normalize(vector)

	model := r.embedder.Model()
	storeFilter := filters.toStore()

	var out Result
	fetch := k
	for round := 0; round < maxFetchRounds; round++ {
		hits, err := r.store.Search(ctx, vector, fetch, storeFilter)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "search failed")
			return Result{}, fmt.Errorf("searching store: %w", err)
		}

		out = Result{Evidence: make([]Evidence, 0, min(k, len(hits)))}
		for _, h := range hits {
			if h.Record.Metadata[vectorstore.MetaEmbeddingModel] != model {
				out.Stale++
				continue
			}
			if len(out.Evidence) < k {
				out.Evidence = append(out.Evidence, toEvidence(h))
			}
		}
		if len(out.Evidence) >= k || len(hits) < fetch || out.Stale == 0 {
			break
		}
		fetch = min(fetch*4, r.maxK*4)
	}

	if out.Stale > 0 {
		StaleRecordsTotal.Add(float64(out.Stale))
		r.logger.Warn(ctx, "dropped stale search hits",
			zap.Int("stale", out.Stale),
			zap.String("embedding_model", model))
	}
	span.SetAttributes(attribute.Int("results", len(out.Evidence)), attribute.Int("stale", out.Stale))
	span.SetStatus(codes.Ok, "")
	return out, nil
}

func toEvidence(h vectorstore.Result) Evidence {
	meta := h.Record.Metadata
	seq, _ := strconv.Atoi(meta[vectorstore.MetaSequenceIndex])
	return Evidence{
		ChunkID:       h.Record.ID,
		SourceID:      h.Record.SourceID,
		ServiceName:   meta[vectorstore.MetaServiceName],
		URI:           meta[vectorstore.MetaURI],
		SequenceIndex: seq,
		Text:          h.Record.Content,
		Score:         h.Score,
	}
}
