package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/insights-cli/internal/config"
	"github.com/sells-group/insights-cli/internal/export"
	"github.com/sells-group/insights-cli/internal/fetcher"
	"github.com/sells-group/insights-cli/internal/model"
	"github.com/sells-group/insights-cli/internal/resolver"
)

// batchInputs collects every document source a batch can draw from.
type batchInputs struct {
	Files    []string
	Dir      string
	URLs     []string
	Texts    []string
	Manifest string
}

var (
	batchIn           batchInputs
	batchTemplate     string
	batchTemplateFile string
	batchFormat       string
	batchOutputDir    string
	batchColumns      []string
	batchPersist      bool
	batchFast         bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Analyze many documents and export a spreadsheet",
	Example: `  insights-cli batch --dir ./meeting-notes --format xlsx
  insights-cli batch --manifest inputs.xlsx --template default_feature_requests --persist
  insights-cli batch --url https://example.com/a --url https://example.com/b --columns "Customer Name,Product"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		format, err := export.ParseFormat(firstNonEmpty(batchFormat, cfg.Batch.Format))
		if err != nil {
			return err
		}

		docs, err := collectInputs(ctx, batchIn)
		if err != nil {
			return err
		}

		if batchFast {
			cfg.Extract.FastMode = true
		}
		if err := cfg.Validate(config.ModeAnalyze); err != nil {
			return err
		}

		env, err := initEnv(ctx, cfg, batchPersist || needsStore(batchTemplate, batchTemplateFile))
		if err != nil {
			return err
		}
		defer env.Close()

		schema, err := loadTemplate(ctx, env, batchTemplate, batchTemplateFile)
		if err != nil {
			return err
		}

		runID, batch, err := runBatch(ctx, env, docs, schema, batchPersist)
		if err != nil {
			return err
		}

		table, err := export.BatchTable(schema, batch, batchColumns)
		if err != nil {
			return err
		}
		path, err := export.WriteFile(firstNonEmpty(batchOutputDir, cfg.Batch.OutputDir), format, table, time.Now())
		if err != nil {
			return err
		}

		zap.L().Info("batch complete",
			zap.String("run_id", runID),
			zap.Int("total", batch.TotalItems),
			zap.Int("successful", batch.SuccessfulItems),
			zap.Int("failed", batch.FailedItems),
			zap.Int64("processing_time_ms", batch.ProcessingTimeMS),
			zap.String("output", path),
		)
		fmt.Fprintf(cmd.OutOrStdout(), "%d/%d documents analyzed, results written to %s\n",
			batch.SuccessfulItems, batch.TotalItems, path)
		return nil
	},
}

func init() {
	f := batchCmd.Flags()
	f.StringSliceVar(&batchIn.Files, "file", nil, "document file (repeatable)")
	f.StringVar(&batchIn.Dir, "dir", "", "directory of documents (non-recursive)")
	f.StringSliceVar(&batchIn.URLs, "url", nil, "document URL (repeatable)")
	f.StringArrayVar(&batchIn.Texts, "text", nil, "document text (repeatable)")
	f.StringVar(&batchIn.Manifest, "manifest", "", "CSV or XLSX manifest with type and content columns")
	f.StringVar(&batchTemplate, "template", "default_product_feedback", "schema template id")
	f.StringVar(&batchTemplateFile, "template-file", "", "schema template YAML file (overrides --template)")
	f.StringVar(&batchFormat, "format", "", "export format: csv or xlsx (default from config)")
	f.StringVar(&batchOutputDir, "output-dir", "", "export directory (default from config)")
	f.StringSliceVar(&batchColumns, "columns", nil, "export only these columns")
	f.BoolVar(&batchPersist, "persist", false, "store the run and its results")
	f.BoolVar(&batchFast, "fast", false, "keyword matching instead of model calls")
	rootCmd.AddCommand(batchCmd)
}

// collectInputs expands the batch sources into documents in a stable order:
// files, directory entries, URLs, texts, then manifest rows.
func collectInputs(ctx context.Context, in batchInputs) ([]model.DocumentInput, error) {
	var docs []model.DocumentInput

	for _, f := range in.Files {
		docs = append(docs, model.NewFileDocument(f))
	}

	if in.Dir != "" {
		entries, err := os.ReadDir(in.Dir)
		if err != nil {
			return nil, eris.Wrapf(err, "read dir %s", in.Dir)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() || !resolver.Supported(e.Name()) {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, n := range names {
			docs = append(docs, model.NewFileDocument(filepath.Join(in.Dir, n)))
		}
		if len(names) == 0 {
			zap.L().Warn("no supported documents in directory",
				zap.String("dir", in.Dir),
				zap.String("supported", resolver.SupportedExtensions()),
			)
		}
	}

	for _, u := range in.URLs {
		docs = append(docs, model.NewURLDocument(u))
	}
	for _, t := range in.Texts {
		docs = append(docs, model.NewTextDocument(t))
	}

	if in.Manifest != "" {
		rows, err := fetcher.ReadManifest(ctx, in.Manifest)
		if err != nil {
			return nil, err
		}
		docs = append(docs, rows...)
	}

	if len(docs) == 0 {
		return nil, eris.New("no documents: use --file, --dir, --url, --text or --manifest")
	}
	return docs, nil
}

// runBatch analyzes docs and, when persist is set, records the run. The
// returned run ID is empty for unpersisted runs.
func runBatch(ctx context.Context, env *appEnv, docs []model.DocumentInput, schema model.SchemaTemplate, persist bool) (string, *model.BatchResult, error) {
	if !persist {
		batch, err := env.Coordinator.AnalyzeMany(ctx, docs, schema)
		return "", batch, err
	}
	if env.Store == nil {
		return "", nil, eris.New("batch: run persistence needs a store")
	}

	if err := schema.Validate(); err != nil {
		return "", nil, err
	}
	run, err := env.Store.CreateRun(ctx, schema.ID)
	if err != nil {
		return "", nil, err
	}
	if err := env.Store.UpdateRunStatus(ctx, run.ID, model.RunStatusRunning); err != nil {
		return "", nil, err
	}

	batch, err := env.Coordinator.AnalyzeMany(ctx, docs, schema)
	if err != nil {
		// The caller's context may be gone; record the failure regardless.
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if ferr := env.Store.FailRun(failCtx, run.ID, err.Error()); ferr != nil {
			zap.L().Error("batch: record failed run", zap.String("run_id", run.ID), zap.Error(ferr))
		}
		return run.ID, nil, err
	}

	if err := env.Store.CompleteRun(ctx, run.ID, batch); err != nil {
		return run.ID, nil, err
	}
	return run.ID, batch, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
