package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/chakravyuh/internal/audit"
	"github.com/fyrsmithlabs/chakravyuh/internal/config"
	"github.com/fyrsmithlabs/chakravyuh/internal/evaluation"
	"github.com/fyrsmithlabs/chakravyuh/internal/retrieval"
	"github.com/fyrsmithlabs/chakravyuh/internal/service"
)

type queryFlags struct {
	k           int
	serviceName string
	sourceID    string
	startDate   string
	endDate     string
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.k, "top-k", "k", 0, "number of chunks to retrieve (default retrieval.top_k)")
	cmd.Flags().StringVar(&f.serviceName, "service", "", "restrict to a service name")
	cmd.Flags().StringVar(&f.sourceID, "source", "", "restrict to a source id")
	cmd.Flags().StringVar(&f.startDate, "start-date", "", "only sources collected at or after this date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&f.endDate, "end-date", "", "only sources collected at or before this date (YYYY-MM-DD or RFC3339)")
}

func (f *queryFlags) filters() (retrieval.Filters, error) {
	out := retrieval.Filters{ServiceName: f.serviceName, SourceID: f.sourceID}
	var err error
	if f.startDate != "" {
		if out.StartDate, err = retrieval.ParseDate(f.startDate, false); err != nil {
			return out, err
		}
	}
	if f.endDate != "" {
		if out.EndDate, err = retrieval.ParseDate(f.endDate, true); err != nil {
			return out, err
		}
	}
	return out, out.Validate()
}

func newAskCmd() *cobra.Command {
	var (
		qf         queryFlags
		structured bool
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from the corpus",
		Long: `Answer a question from the corpus with citations.

--structured returns a CIA/AAA threat model instead of free text and
requires the threat_model capability.

Examples:
  chakravyuh ask --roles reader "How do I enforce encryption on S3?"
  chakravyuh ask --roles security_analyst --structured --service iam "IAM role trust"
  chakravyuh ask --roles reader --start-date 2024-01-01 "Recent KMS findings"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			filters, err := qf.filters()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				resp, err := a.runtime.Service.Ask(ctx, service.AskRequest{
					Query:      strings.Join(args, " "),
					K:          qf.k,
					Structured: structured,
					Filters:    filters,
					Principal:  p,
				})
				if err != nil {
					return err
				}
				if !resp.Verdict.Allowed {
					return rejected(cmd, resp, resp.Verdict)
				}
				return printJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
	qf.register(cmd)
	cmd.Flags().BoolVar(&structured, "structured", false, "return a CIA/AAA threat model")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var qf queryFlags
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Return ranked evidence without synthesis",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			filters, err := qf.filters()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				resp, err := a.runtime.Service.Search(ctx, service.SearchRequest{
					Query:     strings.Join(args, " "),
					K:         qf.k,
					Filters:   filters,
					Principal: p,
				})
				if err != nil {
					return err
				}
				if !resp.Verdict.Allowed {
					return rejected(cmd, resp, resp.Verdict)
				}
				return printJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
	qf.register(cmd)
	return cmd
}

func newEvaluateCmd() *cobra.Command {
	var (
		goldenPath string
		minRecall  float64
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Measure retrieval quality against a golden set",
		Long: `Run a golden set of queries through retrieval and report recall@k,
hit rate and MRR. Requires the evaluate capability.

Examples:
  chakravyuh evaluate --roles admin
  chakravyuh evaluate --roles admin --golden-set testdata/golden.yaml --min-recall 0.8`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			var set *evaluation.GoldenSet
			if goldenPath != "" {
				if set, err = evaluation.LoadGoldenSet(goldenPath); err != nil {
					return err
				}
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				resp, err := a.runtime.Service.Evaluate(ctx, service.EvaluateRequest{GoldenSet: set, Principal: p})
				if err != nil {
					return err
				}
				if !resp.Verdict.Allowed {
					return rejected(cmd, resp, resp.Verdict)
				}
				if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
					return err
				}
				if resp.Report.MeanRecall < minRecall {
					return fmt.Errorf("recall@%d %.3f below --min-recall %.3f", resp.Report.K, resp.Report.MeanRecall, minRecall)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&goldenPath, "golden-set", "", "golden set YAML (default evaluation.golden_set)")
	cmd.Flags().Float64Var(&minRecall, "min-recall", 0, "fail when mean recall@k is below this value")
	return cmd
}

func newAuditCmd() *cobra.Command {
	var (
		filterUser string
		operation  string
		since      string
		until      string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the audit trail",
		Long: `Print stored audit records, oldest first. Requires the audit
capability. The read is itself audited.

Examples:
  chakravyuh audit --roles admin --for-user alice --since 2026-01-01
  chakravyuh audit --roles admin --operation ask --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			filter := audit.Filter{UserID: filterUser, Operation: audit.Operation(operation), Limit: limit}
			if since != "" {
				if filter.Since, err = retrieval.ParseDate(since, false); err != nil {
					return err
				}
			}
			if until != "" {
				if filter.Until, err = retrieval.ParseDate(until, true); err != nil {
					return err
				}
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				resp, err := a.runtime.Service.AuditLog(ctx, service.AuditRequest{Filter: filter, Principal: p})
				if err != nil {
					return err
				}
				if !resp.Verdict.Allowed {
					return rejected(cmd, resp, resp.Verdict)
				}
				return printJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
	cmd.Flags().StringVar(&filterUser, "for-user", "", "only records of this user id")
	cmd.Flags().StringVar(&operation, "operation", "", "only records of this operation (ask, search, evaluate, ingest, audit)")
	cmd.Flags().StringVar(&since, "since", "", "only records at or after this date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "only records at or before this date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().IntVar(&limit, "limit", audit.DefaultReadLimit, fmt.Sprintf("maximum records, at most %d", audit.MaxReadLimit))
	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check vector store health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				h := a.runtime.Service.Health(ctx)
				if err := printJSON(cmd.OutOrStdout(), h); err != nil {
					return err
				}
				if h.Status != service.StatusOK {
					return fmt.Errorf("status %s", h.Status)
				}
				return nil
			})
		},
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out, err := config.Effective(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
