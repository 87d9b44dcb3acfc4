package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chakravyuh/internal/audit"
	"github.com/fyrsmithlabs/chakravyuh/internal/chunker"
	"github.com/fyrsmithlabs/chakravyuh/internal/config"
	"github.com/fyrsmithlabs/chakravyuh/internal/embeddings"
	"github.com/fyrsmithlabs/chakravyuh/internal/evaluation"
	"github.com/fyrsmithlabs/chakravyuh/internal/ingestion"
	"github.com/fyrsmithlabs/chakravyuh/internal/llm"
	"github.com/fyrsmithlabs/chakravyuh/internal/logging"
	"github.com/fyrsmithlabs/chakravyuh/internal/reasoning"
	"github.com/fyrsmithlabs/chakravyuh/internal/retrieval"
	"github.com/fyrsmithlabs/chakravyuh/internal/security"
	"github.com/fyrsmithlabs/chakravyuh/internal/vectorstore"
	"github.com/fyrsmithlabs/chakravyuh/internal/versioning"
)

// Runtime is a fully wired service plus the resources it owns.
type Runtime struct {
	Service  *Service
	Pipeline *ingestion.Pipeline
	Store    vectorstore.Store

	closers []func() error
}

// Close releases resources in reverse construction order.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// Build constructs every component from cfg:
//  1. embedder (resilient) and vector store
//  2. fingerprint store, sharing the PostgreSQL pool with pgvector
//  3. tokenizer, chunker and ingestion pipeline
//  4. completer and reasoner
//  5. security gate, audit sink, retriever and evaluation runner
func Build(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *Runtime, err error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	rt := &Runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	embedder, provider, err := embeddings.New(cfg.Embeddings, logger)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	rt.closers = append(rt.closers, provider.Close)

	store, err := vectorstore.NewStore(ctx, cfg, logger.Underlying().Named("vectorstore"))
	if err != nil {
		return nil, fmt.Errorf("creating vector store: %w", err)
	}
	rt.Store = store
	rt.closers = append(rt.closers, store.Close)

	var fingerprints versioning.FingerprintStore = versioning.NewMemoryStore()
	if pg, ok := store.(*vectorstore.PgvectorStore); ok {
		fingerprints, err = versioning.NewPostgresStore(ctx, pg.DB())
		if err != nil {
			return nil, fmt.Errorf("creating fingerprint store: %w", err)
		}
	}

	tok, err := chunker.NewTokenizer(cfg.Chunking.Encoding)
	if err != nil {
		return nil, err
	}
	pipeline, err := ingestion.New(
		versioning.New(fingerprints, logger),
		chunker.New(tok, logger),
		embedder,
		store,
		cfg.Chunking,
		cfg.Ingestion,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("creating ingestion pipeline: %w", err)
	}
	rt.Pipeline = pipeline

	completer, err := llm.New(cfg.LLM, llm.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating completer: %w", err)
	}
	reasoner := reasoning.New(completer, tok, cfg.Reasoning, reasoning.WithLogger(logger))

	gate, err := security.FromConfig(cfg.Security, logger.Named("security"))
	if err != nil {
		return nil, fmt.Errorf("creating security gate: %w", err)
	}

	sink, err := audit.New(cfg.Audit, logger)
	if err != nil {
		return nil, fmt.Errorf("creating audit sink: %w", err)
	}
	rt.closers = append(rt.closers, sink.Close)

	retriever := retrieval.New(embedder, store, cfg.Retrieval, logger)
	golden, err := evaluation.LoadGoldenSet(cfg.Evaluation.GoldenSet)
	if err != nil {
		return nil, fmt.Errorf("loading golden set: %w", err)
	}

	svc, err := New(Options{
		Gate:      gate,
		Retriever: retriever,
		Reasoner:  reasoner,
		Pipeline:  pipeline,
		Evaluator: evaluation.NewRunner(retriever, cfg.Evaluation.K, logger),
		GoldenSet: golden,
		Store:     store,
		Audit:     sink,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	rt.Service = svc

	logger.Info(ctx, "service ready",
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("embedding_model", embedder.Model()),
		zap.String("completion_model", completer.Model()),
		zap.Int("dimension", store.Dimension()))
	return rt, nil
}
