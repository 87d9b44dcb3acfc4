package vectorstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chakravyuh/internal/config"
)

// IndexFromConfig converts the configured index section.
func IndexFromConfig(cfg config.IndexConfig) (IndexSpec, error) {
	strategy, err := ParseIndexStrategy(cfg.Strategy)
	if err != nil {
		return IndexSpec{}, err
	}
	spec := IndexSpec{
		Strategy:       strategy,
		M:              cfg.M,
		EfConstruction: cfg.EfConstruction,
		EfSearch:       cfg.EfSearch,
		Lists:          cfg.Lists,
		Probes:         cfg.Probes,
	}
	spec.ApplyDefaults()
	return spec, spec.Validate()
}

// NewStore creates the Store selected by cfg.VectorStore.Provider:
//   - "memory" (default): embedded chromem-go, optionally persisted
//   - "pgvector": PostgreSQL with the pgvector extension
//   - "qdrant": external Qdrant server over gRPC
func NewStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	vs := cfg.VectorStore
	index, err := IndexFromConfig(vs.Index)
	if err != nil {
		return nil, err
	}
	dim := cfg.Embeddings.Dimension

	switch vs.Provider {
	case "memory", "":
		return NewMemoryStore(MemoryConfig{
			Path:       vs.Memory.Path,
			Compress:   vs.Memory.Compress,
			Collection: vs.Collection,
			Dimension:  dim,
			Index:      index,
		}, logger.Named("memory"))

	case "pgvector":
		return NewPgvectorStore(ctx, PgvectorConfig{
			DSN:        vs.Postgres.DSN.Value(),
			MaxConns:   vs.Postgres.MaxConns,
			Collection: vs.Collection,
			Dimension:  dim,
			Index:      index,
		}, logger.Named("pgvector"))

	case "qdrant":
		return NewQdrantStore(ctx, QdrantConfig{
			Host:       vs.Qdrant.Host,
			Port:       vs.Qdrant.Port,
			APIKey:     vs.Qdrant.APIKey.Value(),
			UseTLS:     vs.Qdrant.UseTLS,
			Collection: vs.Collection,
			Dimension:  dim,
			Index:      index,
		}, logger.Named("qdrant"))

	default:
		return nil, fmt.Errorf("%w: unsupported vectorstore provider %q (supported: memory, pgvector, qdrant)", ErrInvalidConfig, vs.Provider)
	}
}
