// Package reasoning synthesizes answers from retrieved evidence, either as
// cited free text or as a CIA/AAA threat-model report.
package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chakravyuh/internal/chunker"
	"github.com/fyrsmithlabs/chakravyuh/internal/config"
	"github.com/fyrsmithlabs/chakravyuh/internal/llm"
	"github.com/fyrsmithlabs/chakravyuh/internal/logging"
	"github.com/fyrsmithlabs/chakravyuh/internal/retrieval"
	"github.com/fyrsmithlabs/chakravyuh/internal/versioning"
)

var tracer = otel.Tracer("chakravyuh.reasoning")

var (
	// ErrReasoningUnavailable indicates the completion capability failed or
	// is not configured. No partial answer accompanies it.
	ErrReasoningUnavailable = errors.New("reasoning unavailable")

	// ErrMalformedReport indicates the completion did not yield a valid
	// structured report.
	ErrMalformedReport = errors.New("malformed structured report")
)

// NoEvidenceAnswer is returned when retrieval found nothing.
const NoEvidenceAnswer = "I couldn't find relevant information to answer your question."

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 15 * time.Minute
)

// Answer is the synthesized response.
type Answer struct {
	Structured bool `json:"structured"`
	// Text is set for unstructured answers.
	Text string `json:"answer,omitempty"`
	// Report is set for structured answers.
	Report *Report `json:"report,omitempty"`
	// Citations are the chunk IDs the answer relies on.
	Citations []string `json:"citations"`
	// Used counts evidence items that fit the context budget.
	Used  int    `json:"evidence_used"`
	Model string `json:"model,omitempty"`
}

// Reasoner builds prompts from evidence and parses completions.
type Reasoner struct {
	completer llm.Completer
	tok       chunker.Tokenizer
	cfg       config.ReasoningConfig
	cache     *expirable.LRU[string, []retrieval.Evidence]
	logger    *logging.Logger
}

// Option configures a Reasoner.
type Option func(*Reasoner)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Reasoner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithEvidenceCache sizes the cache that keeps evidence of failed
// completions for a retry.
func WithEvidenceCache(size int, ttl time.Duration) Option {
	return func(r *Reasoner) {
		r.cache = expirable.NewLRU[string, []retrieval.Evidence](size, nil, ttl)
	}
}

// New creates a Reasoner.
func New(completer llm.Completer, tok chunker.Tokenizer, cfg config.ReasoningConfig, opts ...Option) *Reasoner {
	if cfg.MaxFindings <= 0 {
		cfg.MaxFindings = 5
	}
	if cfg.ChunkTokenLimit <= 0 {
		cfg.ChunkTokenLimit = 800
	}
	if cfg.ContextTokenBudget <= 0 {
		cfg.ContextTokenBudget = 3000
	}
	r := &Reasoner{
		completer: completer,
		tok:       tok,
		cfg:       cfg,
		cache:     expirable.NewLRU[string, []retrieval.Evidence](defaultCacheSize, nil, defaultCacheTTL),
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("reasoning")
	return r
}

// Answer synthesizes an answer for query from evidence.
func (r *Reasoner) Answer(ctx context.Context, query string, evidence []retrieval.Evidence, structured bool) (Answer, error) {
	ctx, span := tracer.Start(ctx, "Reasoner.Answer")
	defer span.End()
	span.SetAttributes(attribute.Bool("structured", structured), attribute.Int("evidence", len(evidence)))

	if len(evidence) == 0 {
		span.SetStatus(codes.Ok, "no evidence")
		return r.emptyAnswer(structured), nil
	}

	items := pack(r.tok, evidence, r.cfg.ChunkTokenLimit, r.cfg.ContextTokenBudget)
	req := llm.Request{
		System: systemPrompt,
		Prompt: buildPrompt(query, items, structured, r.cfg.MaxFindings),
		JSON:   structured,
	}

	out, err := r.completer.Complete(ctx, req)
	if err != nil {
		r.remember(query, evidence)
		r.logger.Warn(ctx, "completion failed", zap.Bool("structured", structured), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return Answer{}, fmt.Errorf("%w: %w", ErrReasoningUnavailable, err)
	}

	answer := Answer{Structured: structured, Used: len(items), Model: r.completer.Model()}
	if !structured {
		answer.Text = out
		answer.Citations = citedIDs(out, items)
		if answer.Citations == nil {
			answer.Citations = []string{}
		}
		r.cache.Remove(cacheKey(query))
		span.SetStatus(codes.Ok, "")
		return answer, nil
	}

	report, err := r.parseReport(out, evidence, items)
	if err != nil {
		r.remember(query, evidence)
		r.logger.Warn(ctx, "structured completion rejected", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed report")
		return Answer{}, fmt.Errorf("%w: %w", ErrReasoningUnavailable, err)
	}
	answer.Report = report
	answer.Citations = reportCitations(report)
	r.cache.Remove(cacheKey(query))
	span.SetAttributes(attribute.Int("findings", report.Findings()))
	span.SetStatus(codes.Ok, "")
	return answer, nil
}

// CachedEvidence returns evidence kept from a failed completion of query.
func (r *Reasoner) CachedEvidence(query string) ([]retrieval.Evidence, bool) {
	return r.cache.Get(cacheKey(query))
}

func (r *Reasoner) remember(query string, evidence []retrieval.Evidence) {
	r.cache.Add(cacheKey(query), slices.Clone(evidence))
}

func cacheKey(query string) string {
	return versioning.Hash(strings.TrimSpace(query))
}

func (r *Reasoner) emptyAnswer(structured bool) Answer {
	if !structured {
		return Answer{Text: NoEvidenceAnswer, Citations: []string{}}
	}
	report := &Report{
		ScopeSummary: "No retrieved evidence matched the request.",
		Assumptions:  []string{"The knowledge base holds no documents relevant to this scope."},
	}
	report.fill()
	return Answer{Structured: true, Report: report, Citations: []string{}}
}

func (r *Reasoner) parseReport(out string, evidence []retrieval.Evidence, items []packed) (*Report, error) {
	var raw rawReport
	if err := json.Unmarshal([]byte(stripFences(out)), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	report := raw.flatten()
	if strings.TrimSpace(report.ScopeSummary) == "" {
		return nil, fmt.Errorf("%w: missing scope_summary", ErrMalformedReport)
	}
	report.constrain(r.cfg.MaxFindings, resolver(evidence, items))
	report.Sources = sources(items)
	return &report, nil
}

func sources(items []packed) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		src := it.evidence.URI
		if src == "" {
			src = it.evidence.SourceID
		}
		if !slices.Contains(out, src) {
			out = append(out, src)
		}
	}
	return out
}

func reportCitations(r *Report) []string {
	out := []string{}
	for _, c := range Categories {
		for _, f := range *r.Category(c) {
			for _, id := range f.Citations {
				if !slices.Contains(out, id) {
					out = append(out, id)
				}
			}
		}
	}
	return out
}
