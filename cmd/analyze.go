package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/insights-cli/internal/config"
	"github.com/sells-group/insights-cli/internal/export"
	"github.com/sells-group/insights-cli/internal/model"
)

var (
	analyzeTemplate     string
	analyzeTemplateFile string
	analyzeText         string
	analyzeFile         string
	analyzeURL          string
	analyzeFast         bool
	analyzeFormat       string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Extract insights from a single document",
	Example: `  insights-cli analyze --file notes/acme.docx
  insights-cli analyze --url https://docs.google.com/document/d/abc123/edit --template default_feature_requests
  insights-cli analyze --text "Acme runs nightly batch loads" --fast --format csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		doc, err := analyzeInput(analyzeText, analyzeFile, analyzeURL)
		if err != nil {
			return err
		}

		if analyzeFast {
			cfg.Extract.FastMode = true
		}
		if err := cfg.Validate(config.ModeAnalyze); err != nil {
			return err
		}

		env, err := initEnv(ctx, cfg, needsStore(analyzeTemplate, analyzeTemplateFile))
		if err != nil {
			return err
		}
		defer env.Close()

		schema, err := loadTemplate(ctx, env, analyzeTemplate, analyzeTemplateFile)
		if err != nil {
			return err
		}

		res, err := env.Orchestrator.Analyze(ctx, doc, schema)
		if err != nil {
			return eris.Wrap(err, "analyze")
		}

		zap.L().Info("analysis complete",
			zap.String("document_id", res.DocumentID),
			zap.Int("categories", len(res.Categories)),
			zap.Int("errored", res.Categories.Errored()),
			zap.Int64("processing_time_ms", res.ProcessingTimeMS),
			zap.Float64("cost_usd", res.Usage.CostUSD),
		)

		return writeAnalysis(cmd.OutOrStdout(), analyzeFormat, schema, res)
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeTemplate, "template", "default_product_feedback", "schema template id")
	analyzeCmd.Flags().StringVar(&analyzeTemplateFile, "template-file", "", "schema template YAML file (overrides --template)")
	analyzeCmd.Flags().StringVar(&analyzeText, "text", "", "document text")
	analyzeCmd.Flags().StringVar(&analyzeFile, "file", "", "document file (.txt, .md, .csv, .docx, .pdf)")
	analyzeCmd.Flags().StringVar(&analyzeURL, "url", "", "document URL")
	analyzeCmd.Flags().BoolVar(&analyzeFast, "fast", false, "keyword matching instead of model calls")
	analyzeCmd.Flags().StringVar(&analyzeFormat, "format", "json", "output format: json or csv")
	analyzeCmd.MarkFlagsMutuallyExclusive("text", "file", "url")
	rootCmd.AddCommand(analyzeCmd)
}

// analyzeInput builds the document from exactly one of the input flags.
func analyzeInput(text, file, rawURL string) (model.DocumentInput, error) {
	switch {
	case text != "":
		if text == "-" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return model.DocumentInput{}, eris.Wrap(err, "read stdin")
			}
			text = string(data)
		}
		return model.NewTextDocument(text), nil
	case file != "":
		return model.NewFileDocument(file), nil
	case rawURL != "":
		return model.NewURLDocument(rawURL), nil
	default:
		return model.DocumentInput{}, eris.New("one of --text, --file or --url is required")
	}
}

func writeAnalysis(w io.Writer, format string, schema model.SchemaTemplate, res *model.DocumentAnalysisResult) error {
	switch format {
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(res), "encode result")
	case "csv":
		return export.WriteCSV(w, export.Rows(schema, []model.DocumentAnalysisResult{*res}))
	default:
		return eris.Errorf("unsupported output format %q", format)
	}
}
