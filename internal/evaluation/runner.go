package evaluation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chakravyuh/internal/logging"
	"github.com/fyrsmithlabs/chakravyuh/internal/retrieval"
)

var tracer = otel.Tracer("chakravyuh.evaluation")

// Searcher runs a similarity search.
type Searcher interface {
	Retrieve(ctx context.Context, query string, k int, filters retrieval.Filters) (retrieval.Result, error)
}

// CaseResult is the outcome of one case.
type CaseResult struct {
	ID        string   `json:"id"`
	Retrieved []string `json:"retrieved"`
	Found     []string `json:"found"`
	Missing   []string `json:"missing"`
	Recall    float64  `json:"recall"`
	// ReciprocalRank is 1/rank of the first relevant hit, or 0.
	ReciprocalRank float64 `json:"reciprocal_rank"`
}

// Report aggregates a run.
type Report struct {
	Name       string       `json:"name"`
	K          int          `json:"k"`
	Cases      []CaseResult `json:"cases"`
	MeanRecall float64      `json:"recall_at_k"`
	HitRate    float64      `json:"hit_rate"`
	MRR        float64      `json:"mrr"`
	DurationMS int64        `json:"duration_ms"`
}

// Runner evaluates a golden set against a Searcher.
type Runner struct {
	searcher Searcher
	k        int
	logger   *logging.Logger
}

// NewRunner creates a Runner. k applies to sets that do not set their own.
func NewRunner(searcher Searcher, k int, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{searcher: searcher, k: k, logger: logger.Named("evaluation")}
}

// Run executes every case in order. A search failure aborts the run.
func (r *Runner) Run(ctx context.Context, set *GoldenSet) (*Report, error) {
	ctx, span := tracer.Start(ctx, "Runner.Run")
	defer span.End()

	if err := set.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid golden set")
		return nil, err
	}
	k := set.K
	if k <= 0 {
		k = r.k
	}
	span.SetAttributes(attribute.String("set", set.Name), attribute.Int("cases", len(set.Cases)), attribute.Int("k", k))

	start := time.Now()
	report := &Report{Name: set.Name, K: k, Cases: make([]CaseResult, 0, len(set.Cases))}
	hits := 0
	for _, c := range set.Cases {
		res, err := r.searcher.Retrieve(ctx, c.Query, k, retrieval.Filters{ServiceName: c.ServiceName})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "search failed")
			return nil, fmt.Errorf("case %s: %w", c.ID, err)
		}
		cr := score(c, res.Evidence)
		if len(cr.Found) > 0 {
			hits++
		}
		report.MeanRecall += cr.Recall
		report.MRR += cr.ReciprocalRank
		report.Cases = append(report.Cases, cr)
	}

	n := float64(len(set.Cases))
	report.MeanRecall /= n
	report.MRR /= n
	report.HitRate = float64(hits) / n
	report.DurationMS = time.Since(start).Milliseconds()

	r.logger.Info(ctx, "evaluation complete",
		zap.String("set", set.Name),
		zap.Int("k", k),
		zap.Float64("recall_at_k", report.MeanRecall),
		zap.Float64("mrr", report.MRR))
	span.SetStatus(codes.Ok, "")
	return report, nil
}

// score matches expected ids against chunk ids and source ids.
func score(c Case, evidence []retrieval.Evidence) CaseResult {
	cr := CaseResult{ID: c.ID, Retrieved: make([]string, len(evidence)), Found: []string{}, Missing: []string{}}
	for i, e := range evidence {
		cr.Retrieved[i] = e.ChunkID
	}

	for _, want := range c.Expected {
		rank := 0
		for i, e := range evidence {
			if e.ChunkID == want || e.SourceID == want {
				rank = i + 1
				break
			}
		}
		if rank == 0 {
			cr.Missing = append(cr.Missing, want)
			continue
		}
		cr.Found = append(cr.Found, want)
		if rr := 1 / float64(rank); rr > cr.ReciprocalRank {
			cr.ReciprocalRank = rr
		}
	}
	cr.Recall = float64(len(cr.Found)) / float64(len(c.Expected))
	return cr
}
