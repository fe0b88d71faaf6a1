package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/insights-cli/internal/config"
	"github.com/sells-group/insights-cli/internal/export"
	"github.com/sells-group/insights-cli/internal/model"
	"github.com/sells-group/insights-cli/internal/store"
)

var (
	schemaUser string
	schemaFile string
	schemaName string
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage schema templates",
}

var schemaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the default templates and, with --user, that user's templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTemplateStore(cmd, func(ctx context.Context, env *appEnv) error {
			ts, err := env.Templates.List(ctx, schemaUser)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ts)
		})
	},
}

var schemaGetCmd = &cobra.Command{
	Use:   "get <template-id>",
	Short: "Show one template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTemplateStore(cmd, func(ctx context.Context, env *appEnv) error {
			t, err := env.Templates.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		})
	},
}

var schemaColumnsCmd = &cobra.Command{
	Use:   "columns <template-id>",
	Short: "List the exportable columns of a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTemplateStore(cmd, func(ctx context.Context, env *appEnv) error {
			t, err := env.Templates.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), export.Columns(*t))
		})
	},
}

var schemaCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a template from a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := model.LoadTemplateFile(schemaFile)
		if err != nil {
			return err
		}
		name := firstNonEmpty(schemaName, src.Name)
		return withTemplateStore(cmd, func(ctx context.Context, env *appEnv) error {
			t, err := env.Templates.Create(ctx, name, src.Categories, schemaUser)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		})
	},
}

var schemaDeleteCmd = &cobra.Command{
	Use:   "delete <template-id>",
	Short: "Delete a template you own",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTemplateStore(cmd, func(ctx context.Context, env *appEnv) error {
			if err := env.Templates.Delete(ctx, args[0], schemaUser); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		})
	},
}

var schemaValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a template file without storing it",
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := model.LoadTemplateFile(schemaFile)
		if err != nil {
			return err
		}
		return printValidation(cmd.OutOrStdout(), model.ValidateCategories(t.Categories))
	},
}

var schemaDefaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Show the built-in templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd.OutOrStdout(), model.DefaultTemplates())
	},
}

func init() {
	schemaListCmd.Flags().StringVar(&schemaUser, "user", "", "include this user's templates")
	for _, c := range []*cobra.Command{schemaCreateCmd, schemaDeleteCmd} {
		c.Flags().StringVar(&schemaUser, "user", "", "owning user id")
	}
	for _, c := range []*cobra.Command{schemaCreateCmd, schemaValidateCmd} {
		c.Flags().StringVar(&schemaFile, "file", "", "template YAML file")
		_ = c.MarkFlagRequired("file")
	}
	schemaCreateCmd.Flags().StringVar(&schemaName, "name", "", "template name (default from file)")

	schemaCmd.AddCommand(schemaListCmd, schemaGetCmd, schemaColumnsCmd, schemaCreateCmd,
		schemaDeleteCmd, schemaValidateCmd, schemaDefaultsCmd)
	rootCmd.AddCommand(schemaCmd)
}

// withTemplateStore opens the store for the duration of fn.
func withTemplateStore(cmd *cobra.Command, fn func(ctx context.Context, env *appEnv) error) error {
	if err := cfg.Validate(config.ModeSchema); err != nil {
		return err
	}
	ctx := cmd.Context()
	st, err := initStore(ctx, cfg)
	if err != nil {
		return err
	}
	env := &appEnv{Store: st, Templates: store.NewTemplates(st)}
	defer env.Close()
	return fn(ctx, env)
}

// validationReport is the JSON shape of a validation outcome.
type validationReport struct {
	Valid  bool               `json:"valid"`
	Errors []model.FieldError `json:"errors,omitempty"`
}

func newValidationReport(err error) (validationReport, error) {
	if err == nil {
		return validationReport{Valid: true}, nil
	}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return validationReport{Errors: ve.Errors}, nil
	}
	return validationReport{}, err
}

func printValidation(w io.Writer, verr error) error {
	report, err := newValidationReport(verr)
	if err != nil {
		return err
	}
	if err := printJSON(w, report); err != nil {
		return err
	}
	if !report.Valid {
		return eris.New("schema is invalid")
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode json")
}
