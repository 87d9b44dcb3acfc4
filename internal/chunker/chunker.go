// Package chunker splits documents into overlapping token windows.
//
// Splitting is deterministic: the same text and parameters always yield the
// same chunks, which keeps re-ingestion idempotent.
package chunker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chakravyuh/internal/logging"
)

// ErrInvalidParams is returned for non-positive sizes or overlap >= max.
var ErrInvalidParams = errors.New("invalid chunking parameters")

// Chunk is one token window of a source document.
type Chunk struct {
	ID            string `json:"chunk_id"`
	SourceID      string `json:"source_id"`
	SequenceIndex int    `json:"sequence_index"`
	Text          string `json:"text"`
	TokenSpan     [2]int `json:"token_span"`
}

// ChunkID formats the id of the chunk at index within sourceID. The index is
// zero padded so lexical order equals sequence order.
func ChunkID(sourceID string, index int) string {
	return fmt.Sprintf("%s#%05d", sourceID, index)
}

// Params bounds chunk size.
type Params struct {
	MaxTokens     int
	OverlapTokens int
}

// Validate checks the parameters.
func (p Params) Validate() error {
	if p.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive, got %d", ErrInvalidParams, p.MaxTokens)
	}
	if p.OverlapTokens < 0 {
		return fmt.Errorf("%w: overlap_tokens must not be negative, got %d", ErrInvalidParams, p.OverlapTokens)
	}
	if p.OverlapTokens >= p.MaxTokens {
		return fmt.Errorf("%w: overlap_tokens (%d) must be less than max_tokens (%d)",
			ErrInvalidParams, p.OverlapTokens, p.MaxTokens)
	}
	return nil
}

// Chunker splits text with a fixed tokenizer.
type Chunker struct {
	tok    Tokenizer
	logger *logging.Logger
}

// New creates a Chunker.
func New(tok Tokenizer, logger *logging.Logger) *Chunker {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Chunker{tok: tok, logger: logger}
}

// Tokenizer returns the tokenizer used for splitting.
func (c *Chunker) Tokenizer() Tokenizer { return c.tok }

// Split cuts rawText into windows of at most p.MaxTokens tokens, each
// starting p.MaxTokens-p.OverlapTokens tokens after the previous one.
// Empty or whitespace-only text yields no chunks. Text that fits in a single
// window yields exactly one chunk.
//
// Window edges are moved to token indices that start a character, so a
// multi-byte character split across tokens is never cut in two. A window
// exceeds p.MaxTokens only when one character alone needs more tokens.
func (c *Chunker) Split(ctx context.Context, sourceID, rawText string, p Params) ([]Chunk, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(rawText) == "" {
		c.logger.Debug(ctx, "empty document, no chunks", zap.String("source_id", sourceID))
		return nil, nil
	}

	rawText = strings.ToValidUTF8(rawText, "\uFFFD")
	tokens := c.tok.Encode(rawText)
	if len(tokens) <= p.MaxTokens {
		return []Chunk{{
			ID:        ChunkID(sourceID, 0),
			SourceID:  sourceID,
			Text:      rawText,
			TokenSpan: [2]int{0, len(tokens)},
		}}, nil
	}

	bound := runeBoundaries(c.tok, tokens)
	stride := p.MaxTokens - p.OverlapTokens
	chunks := make([]Chunk, 0, (len(tokens)+stride-1)/stride)
	for start, prevEnd := 0, 0; ; {
		hi := min(start+p.MaxTokens, len(tokens))
		end := lastBoundary(bound, max(start, prevEnd), hi)
		if end < 0 {
			if start < prevEnd {
				// The overlap leaves no room for new text; shorten it.
				start = nextBoundary(bound, start)
				continue
			}
			end = nextBoundary(bound, hi-1)
		}
		chunks = append(chunks, Chunk{
			ID:            ChunkID(sourceID, len(chunks)),
			SourceID:      sourceID,
			SequenceIndex: len(chunks),
			Text:          c.tok.Decode(tokens[start:end]),
			TokenSpan:     [2]int{start, end},
		})
		if end == len(tokens) {
			break
		}
		prevEnd = end
		next := lastBoundary(bound, start, max(end-p.OverlapTokens, start+1))
		if next < 0 {
			next = nextBoundary(bound, start)
		}
		start = next
	}

	c.logger.Debug(ctx, "document split",
		zap.String("source_id", sourceID),
		zap.Int("tokens", len(tokens)),
		zap.Int("chunks", len(chunks)),
	)
	return chunks, nil
}

// runeBoundaries reports, for every index i in [0, len(tokens)], whether the
// bytes of tokens[:i] end on a character boundary.
func runeBoundaries(tok Tokenizer, tokens []int) []bool {
	bound := make([]bool, len(tokens)+1)
	bound[0], bound[len(tokens)] = true, true
	for i := 1; i < len(tokens); i++ {
		piece := tok.Decode(tokens[i : i+1])
		bound[i] = piece == "" || utf8.RuneStart(piece[0])
	}
	return bound
}

// lastBoundary returns the largest boundary in (lo, hi], or -1.
func lastBoundary(bound []bool, lo, hi int) int {
	for e := hi; e > lo; e-- {
		if bound[e] {
			return e
		}
	}
	return -1
}

// nextBoundary returns the smallest boundary after i.
func nextBoundary(bound []bool, i int) int {
	i++
	for !bound[i] {
		i++
	}
	return i
}
