// Package ingestion turns source documents into stored vector records.
//
// A document is embedded only when its content fingerprint changed. The
// fingerprint is committed after the store accepted the new records, so a
// failure at any step leaves the source to be retried on the next run.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/chakravyuh/internal/chunker"
	"github.com/fyrsmithlabs/chakravyuh/internal/config"
	"github.com/fyrsmithlabs/chakravyuh/internal/embeddings"
	"github.com/fyrsmithlabs/chakravyuh/internal/logging"
	"github.com/fyrsmithlabs/chakravyuh/internal/vectorstore"
	"github.com/fyrsmithlabs/chakravyuh/internal/versioning"
)

var tracer = otel.Tracer("chakravyuh.ingestion")

// ErrEmbeddingMismatch indicates the embedder returned a different number
// of vectors than chunks.
var ErrEmbeddingMismatch = errors.New("embedding count mismatch")

// Document is a source document to ingest.
type Document struct {
	SourceID    string    `json:"source_id"`
	RawText     string    `json:"raw_text"`
	URI         string    `json:"uri,omitempty"`
	ServiceName string    `json:"service_name,omitempty"`
	CollectedAt time.Time `json:"collected_at,omitzero"`
}

// Status is the per-source outcome.
type Status string

// Statuses.
const (
	StatusIngested Status = "ingested"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// SourceResult reports one document.
type SourceResult struct {
	SourceID string `json:"source_id"`
	Status   Status `json:"status"`
	Chunks   int    `json:"chunks"`
	Error    string `json:"error,omitempty"`
	Err      error  `json:"-"`
}

// Report summarizes a batch.
type Report struct {
	Results  []SourceResult `json:"results"`
	Ingested int            `json:"ingested"`
	Skipped  int            `json:"skipped"`
	Failed   int            `json:"failed"`
}

// Pipeline wires versioner, chunker, embedder and store.
type Pipeline struct {
	versioner *versioning.Versioner
	chunker   *chunker.Chunker
	embedder  embeddings.Embedder
	store     vectorstore.Store
	params    chunker.Params
	workers   int
	locks     *keyedMutex
	logger    *logging.Logger
}

// New creates a Pipeline.
func New(
	versioner *versioning.Versioner,
	ch *chunker.Chunker,
	embedder embeddings.Embedder,
	store vectorstore.Store,
	chunking config.ChunkingConfig,
	ingestion config.IngestionConfig,
	logger *logging.Logger,
) (*Pipeline, error) {
	params := chunker.Params{MaxTokens: chunking.MaxTokens, OverlapTokens: chunking.OverlapTokens}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if embedder.Dimension() != store.Dimension() {
		return nil, fmt.Errorf("%w: embedder dimension %d, store dimension %d",
			vectorstore.ErrSchemaViolation, embedder.Dimension(), store.Dimension())
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pipeline{
		versioner: versioner,
		chunker:   ch,
		embedder:  embedder,
		store:     store,
		params:    params,
		workers:   max(1, ingestion.Workers),
		locks:     newKeyedMutex(),
		logger:    logger.Named("ingestion"),
	}, nil
}

// IngestBatch ingests docs on a bounded worker pool. A failing source does
// not stop the others; results keep the input order.
func (p *Pipeline) IngestBatch(ctx context.Context, docs []Document) Report {
	ctx, span := tracer.Start(ctx, "Pipeline.IngestBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("documents", len(docs)), attribute.Int("workers", p.workers))

	results := make([]SourceResult, len(docs))
	var g errgroup.Group
	g.SetLimit(p.workers)
	for i := range docs {
		g.Go(func() error {
			results[i] = p.Ingest(ctx, docs[i])
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Results: results}
	for _, r := range results {
		switch r.Status {
		case StatusIngested:
			report.Ingested++
		case StatusSkipped:
			report.Skipped++
		case StatusFailed:
			report.Failed++
		}
	}
	p.logger.Info(ctx, "batch ingested",
		zap.Int("ingested", report.Ingested),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report
}

// Ingest processes one document. Concurrent calls for the same source are
// serialized.
func (p *Pipeline) Ingest(ctx context.Context, doc Document) SourceResult {
	ctx, span := tracer.Start(ctx, "Pipeline.Ingest")
	defer span.End()
	span.SetAttributes(attribute.String("source_id", doc.SourceID))

	res, err := p.ingest(ctx, doc)
	if err != nil {
		res = SourceResult{SourceID: doc.SourceID, Status: StatusFailed, Error: err.Error(), Err: err}
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest failed")
		p.logger.Warn(ctx, "source ingestion failed", zap.String("source_id", doc.SourceID), zap.Error(err))
		return res
	}
	span.SetAttributes(attribute.String("status", string(res.Status)))
	span.SetStatus(codes.Ok, "")
	return res
}

func (p *Pipeline) ingest(ctx context.Context, doc Document) (SourceResult, error) {
	if strings.TrimSpace(doc.SourceID) == "" {
		return SourceResult{}, versioning.ErrInvalidSource
	}
	unlock := p.locks.Lock(doc.SourceID)
	defer unlock()

	model := p.embedder.Model()
	decision, err := p.versioner.ShouldProcess(ctx, doc.SourceID, doc.RawText, model)
	if err != nil {
		return SourceResult{}, err
	}
	if decision == versioning.Skip {
		p.logger.Debug(ctx, "source unchanged", zap.String("source_id", doc.SourceID))
		return SourceResult{SourceID: doc.SourceID, Status: StatusSkipped}, nil
	}

	chunks, err := p.chunker.Split(ctx, doc.SourceID, doc.RawText, p.params)
	if err != nil {
		return SourceResult{}, fmt.Errorf("splitting: %w", err)
	}

	records, err := p.embed(ctx, doc, chunks)
	if err != nil {
		return SourceResult{}, err
	}
	if err := p.store.Upsert(ctx, doc.SourceID, records); err != nil {
		return SourceResult{}, fmt.Errorf("storing records: %w", err)
	}
	if err := p.versioner.Commit(ctx, doc.SourceID, doc.RawText, model); err != nil {
		return SourceResult{}, err
	}

	p.logger.Info(ctx, "source ingested",
		zap.String("source_id", doc.SourceID),
		zap.Int("chunks", len(records)))
	return SourceResult{SourceID: doc.SourceID, Status: StatusIngested, Chunks: len(records)}, nil
}

func (p *Pipeline) embed(ctx context.Context, doc Document, chunks []chunker.Chunk) ([]vectorstore.Record, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("%w: %d vectors for %d chunks", ErrEmbeddingMismatch, len(vectors), len(chunks))
	}

	hash := versioning.Hash(doc.RawText)
	model := p.embedder.Model()
	records := make([]vectorstore.Record, len(chunks))
	for i, c := range chunks {
		meta := map[string]string{
			vectorstore.MetaSequenceIndex:  strconv.Itoa(c.SequenceIndex),
			vectorstore.MetaEmbeddingModel: model,
			vectorstore.MetaContentHash:    hash,
		}
		if doc.ServiceName != "" {
			meta[vectorstore.MetaServiceName] = doc.ServiceName
		}
		if doc.URI != "" {
			meta[vectorstore.MetaURI] = doc.URI
		}
		if !doc.CollectedAt.IsZero() {
			meta[vectorstore.MetaCollectedAt] = vectorstore.FormatTime(doc.CollectedAt)
		}
		records[i] = vectorstore.Record{
			ID:        c.ID,
			SourceID:  doc.SourceID,
			Content:   c.Text,
			Metadata:  meta,
			Embedding: vectorstore.Normalize(vectors[i]),
		}
	}
	return records, nil
}

// Remove deletes a source's records and its fingerprint.
func (p *Pipeline) Remove(ctx context.Context, sourceID string) error {
	if strings.TrimSpace(sourceID) == "" {
		return versioning.ErrInvalidSource
	}
	unlock := p.locks.Lock(sourceID)
	defer unlock()

	if err := p.store.Delete(ctx, sourceID); err != nil {
		return fmt.Errorf("deleting records: %w", err)
	}
	return p.versioner.Forget(ctx, sourceID)
}
