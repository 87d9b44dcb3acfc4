// Chakravyuh answers cloud-security questions from an ingested corpus of
// provider documentation, behind a security gate and an audit trail.
//
// Usage:
//
//	# Serve the HTTP API
//	chakravyuh serve
//
//	# Ingest documents, then ask a question in-process
//	chakravyuh ingest --user ops --roles admin docs/*.md corpus.jsonl
//	chakravyuh ask --user alice --roles security_analyst "How do I encrypt S3 buckets?"
//
// Configuration is read from ~/.config/chakravyuh/config.yaml (or
// $CHAKRAVYUH_CONFIG) and CHAKRAVYUH_* environment variables. Run
// "chakravyuh config" to print the result.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chakravyuh/internal/config"
	"github.com/fyrsmithlabs/chakravyuh/internal/logging"
	"github.com/fyrsmithlabs/chakravyuh/internal/security"
	"github.com/fyrsmithlabs/chakravyuh/internal/service"
	"github.com/fyrsmithlabs/chakravyuh/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var (
	configPath string
	userID     string
	roles      []string
	logLevel   string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chakravyuh",
		Short: "Secure retrieval and reasoning over cloud security documentation",
		Long: `chakravyuh ingests cloud provider security documentation, retrieves
the passages relevant to a question and synthesizes an answer or a
CIA/AAA threat model. Every request passes a security gate and is audited.`,
		Version:      fmt.Sprintf("%s (%s)", version, gitCommit),
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default ~/.config/chakravyuh/config.yaml)")
	flags.StringVar(&userID, "user", currentUser(), "principal user id")
	flags.StringSliceVar(&roles, "roles", nil, "principal roles, comma separated")
	flags.StringVar(&logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		newServeCmd(),
		newIngestCmd(),
		newRemoveCmd(),
		newAskCmd(),
		newSearchCmd(),
		newEvaluateCmd(),
		newAuditCmd(),
		newHealthCmd(),
		newConfigCmd(),
	)
	return root
}

func currentUser() string {
	if u := os.Getenv("CHAKRAVYUH_USER"); u != "" {
		return u
	}
	return os.Getenv("USER")
}

// principal builds the caller identity from the persistent flags.
func principal() (security.Principal, error) {
	if err := logging.ValidateID(userID, "user id"); err != nil {
		return security.Principal{}, fmt.Errorf("--user: %w", err)
	}
	var rs []string
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" {
			rs = append(rs, r)
		}
	}
	return security.Principal{UserID: userID, Roles: rs}, nil
}

// app is the process-wide state shared by subcommands.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	runtime   *service.Runtime
}

// setup loads configuration, installs logging and telemetry, and builds
// the service. Console logs go to stderr for one-shot commands so stdout
// carries only the JSON result.
func setup(ctx context.Context, logToStderr bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logCfg, err := logging.FromSettings(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	logCfg.Output.Stderr = logToStderr
	masker, err := security.NewPIIMasker(cfg.Security.PIIPatterns)
	if err != nil {
		return nil, fmt.Errorf("building log masker: %w", err)
	}
	logCfg.Redaction.Mask = func(s string) string {
		out, _ := masker.Mask(s)
		return out
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version), logger.Underlying())
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	rt, err := service.Build(ctx, cfg, logger)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, telemetry: tel, runtime: rt}, nil
}

func (a *app) close() {
	ctx := context.Background()
	if err := a.runtime.Close(); err != nil {
		a.logger.Warn(ctx, "closing runtime", zap.Error(err))
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn(ctx, "telemetry shutdown", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// withApp runs fn against a freshly built app.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := setup(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(cmd.Context(), a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// rejected reports a gate rejection as a command error after printing the
// response.
func rejected(cmd *cobra.Command, resp any, v security.Verdict) error {
	if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
		return err
	}
	return service.RejectionError(v)
}
