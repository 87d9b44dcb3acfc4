package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/chakravyuh/internal/config"
	"github.com/fyrsmithlabs/chakravyuh/internal/ingestion"
	"github.com/fyrsmithlabs/chakravyuh/internal/service"
)

var ingestService string

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Ingest documents into the corpus",
		Long: `Ingest documents into the corpus. Requires the ingest capability.

.json and .jsonl files hold document records with source_id and raw_text.
Any other file is one document whose source id is the file name without
its extension. A directory is walked for .md, .markdown, .txt, .rst, .json
and .jsonl files, honouring .chakravyuhignore and .gitignore at its root;
source ids are the relative paths. "-" reads document records from stdin.

Unchanged documents are skipped without re-embedding.

Examples:
  chakravyuh ingest --roles admin docs/aws-s3.md docs/aws-kms.md
  chakravyuh ingest --roles admin --service s3 s3-guide.txt
  chakravyuh ingest --roles admin ./corpus
  cat corpus.jsonl | chakravyuh ingest --roles admin -`,
		Args: cobra.MinimumNArgs(1),
		RunE: runIngest,
	}
	cmd.Flags().StringVar(&ingestService, "service", "", "service name for plain-text files")
	return cmd
}

func runIngest(cmd *cobra.Command, args []string) error {
	p, err := principal()
	if err != nil {
		return err
	}
	docs, err := loadDocuments(args, cmd.InOrStdin(), ingestService)
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		resp, err := a.runtime.Service.Ingest(ctx, service.IngestRequest{Documents: docs, Principal: p})
		if err != nil {
			return err
		}
		if !resp.Verdict.Allowed {
			return rejected(cmd, resp, resp.Verdict)
		}
		if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
			return err
		}
		if resp.Report.Failed > 0 {
			return fmt.Errorf("%d of %d documents failed", resp.Report.Failed, len(docs))
		}
		return nil
	})
}

// loadDocuments reads every argument into documents.
func loadDocuments(paths []string, stdin io.Reader, serviceName string) ([]ingestion.Document, error) {
	var docs []ingestion.Document
	for _, path := range paths {
		if path == "-" {
			batch, err := ingestion.ReadDocuments(stdin)
			if err != nil {
				return nil, fmt.Errorf("stdin: %w", err)
			}
			docs = append(docs, batch...)
			continue
		}

		expanded, err := config.ExpandPath(path)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(expanded)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			batch, err := ingestion.ReadDir(expanded, ingestion.DirOptions{ServiceName: serviceName})
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			docs = append(docs, batch...)
			continue
		}

		switch strings.ToLower(filepath.Ext(expanded)) {
		case ".json", ".jsonl":
			batch, err := ingestion.ReadFiles(expanded)
			if err != nil {
				return nil, err
			}
			docs = append(docs, batch...)
		default:
			data, err := os.ReadFile(expanded)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", path, err)
			}
			base := filepath.Base(expanded)
			docs = append(docs, ingestion.Document{
				SourceID:    strings.TrimSuffix(base, filepath.Ext(base)),
				RawText:     string(data),
				URI:         "file://" + expanded,
				ServiceName: serviceName,
			})
		}
	}
	return docs, nil
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <source-id>",
		Short: "Remove a source and its chunks from the corpus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				req := service.RemoveRequest{SourceID: args[0], Principal: p}
				v, err := a.runtime.Service.Remove(ctx, req)
				if err != nil {
					return err
				}
				out := map[string]any{"source_id": args[0], "verdict": v}
				if !v.Allowed {
					return rejected(cmd, out, v)
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}
