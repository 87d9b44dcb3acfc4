// Package versioning decides whether a source document needs to be
// (re)ingested by comparing content fingerprints.
//
// The fingerprint hash of a source changes if and only if its raw text
// changed. The fingerprint also names the embedding model the stored
// vectors came from; a source is reprocessed when either differs. A new
// fingerprint is committed only after the downstream pipeline has stored
// the document, so a failed run is retried from scratch next time.
package versioning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chakravyuh/internal/logging"
)

var tracer = otel.Tracer("chakravyuh.versioning")

// ErrInvalidSource is returned for an empty source ID.
var ErrInvalidSource = errors.New("invalid source id")

// Decision is the outcome of ShouldProcess.
type Decision int

const (
	// Skip means the stored fingerprint matches; nothing to do.
	Skip Decision = iota
	// Process means the source is new, changed, or embedded with another
	// model.
	Process
)

// String returns the decision name.
func (d Decision) String() string {
	if d == Skip {
		return "skip"
	}
	return "process"
}

// Fingerprint is the persisted content digest of one source.
type Fingerprint struct {
	SourceID       string    `json:"source_id"`
	Hash           string    `json:"hash"`
	EmbeddingModel string    `json:"embedding_model"`
	LastIngestedAt time.Time `json:"last_ingested_at"`
}

// FingerprintStore persists one fingerprint per source ID.
type FingerprintStore interface {
	// Get returns the fingerprint for sourceID. found is false when none exists.
	Get(ctx context.Context, sourceID string) (fp Fingerprint, found bool, err error)

	// Put inserts or replaces the fingerprint for fp.SourceID.
	Put(ctx context.Context, fp Fingerprint) error

	// Delete removes the fingerprint for sourceID.
	Delete(ctx context.Context, sourceID string) error
}

// Hash returns the hex SHA-256 digest of rawText.
func Hash(rawText string) string {
	sum := sha256.Sum256([]byte(rawText))
	return hex.EncodeToString(sum[:])
}

// Versioner is the only writer of fingerprints.
type Versioner struct {
	store  FingerprintStore
	logger *logging.Logger
	now    func() time.Time
}

// New creates a Versioner over store.
func New(store FingerprintStore, logger *logging.Logger) *Versioner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Versioner{store: store, logger: logger, now: time.Now}
}

// ShouldProcess reports whether rawText or model differs from the
// committed fingerprint of sourceID.
func (v *Versioner) ShouldProcess(ctx context.Context, sourceID, rawText, model string) (Decision, error) {
	ctx, span := tracer.Start(ctx, "Versioner.ShouldProcess")
	defer span.End()
	span.SetAttributes(attribute.String("source_id", sourceID))

	if sourceID == "" {
		return Process, ErrInvalidSource
	}
	fp, found, err := v.store.Get(ctx, sourceID)
	if err != nil {
		span.RecordError(err)
		return Process, fmt.Errorf("loading fingerprint for %s: %w", sourceID, err)
	}
	decision := Process
	modelChanged := found && fp.EmbeddingModel != model
	if found && fp.Hash == Hash(rawText) && !modelChanged {
		decision = Skip
	}
	span.SetAttributes(attribute.String("decision", decision.String()))
	v.logger.Debug(ctx, "fingerprint compared",
		zap.String("source_id", sourceID),
		zap.Bool("known", found),
		zap.Bool("model_changed", modelChanged),
		zap.Stringer("decision", decision),
	)
	return decision, nil
}

// Commit records rawText, embedded with model, as the ingested version of
// sourceID. Call only after the records for this text have been stored.
func (v *Versioner) Commit(ctx context.Context, sourceID, rawText, model string) error {
	ctx, span := tracer.Start(ctx, "Versioner.Commit")
	defer span.End()

	if sourceID == "" {
		return ErrInvalidSource
	}
	fp := Fingerprint{
		SourceID:       sourceID,
		Hash:           Hash(rawText),
		EmbeddingModel: model,
		LastIngestedAt: v.now().UTC(),
	}
	if err := v.store.Put(ctx, fp); err != nil {
		span.RecordError(err)
		return fmt.Errorf("committing fingerprint for %s: %w", sourceID, err)
	}
	v.logger.Debug(ctx, "fingerprint committed", zap.String("source_id", sourceID))
	return nil
}

// Forget removes the fingerprint so the next run reprocesses the source.
func (v *Versioner) Forget(ctx context.Context, sourceID string) error {
	if err := v.store.Delete(ctx, sourceID); err != nil {
		return fmt.Errorf("forgetting fingerprint for %s: %w", sourceID, err)
	}
	return nil
}

// Lookup returns the committed fingerprint for sourceID, if any.
func (v *Versioner) Lookup(ctx context.Context, sourceID string) (Fingerprint, bool, error) {
	return v.store.Get(ctx, sourceID)
}
