package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/config"
	"github.com/roach88/homesync/internal/harness"
	"github.com/roach88/homesync/internal/schema"
	"github.com/roach88/homesync/internal/state"
)

// ValidationResult is the output of every validate subcommand.
type ValidationResult struct {
	Kind   string      `json:"kind"`
	Path   string      `json:"path"`
	Valid  bool        `json:"valid"`
	Output state.Value `json:"output,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command and its subcommands.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check config, permission, scenario and payload files",
		Long: `Check files without starting the engine.

  validate config [file]              config file (default: the one run would load)
  validate permissions <file>         permission table
  validate scenario <file>            scenario file
  validate payload <schema.cue> <file> payload (JSON or YAML) against a CUE schema`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "config [file]",
		Short:         "Validate a config file",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.Config
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				if path = config.Find(wd); path == "" {
					return NewExitError(ExitCommandError, "no config file found")
				}
			}
			_, err := config.Load(path)
			return report(rootOpts, cmd, ValidationResult{Kind: "config", Path: path}, nil, err)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "permissions <file>",
		Short:         "Validate a permission table",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFile(args[0]); err != nil {
				return err
			}
			_, err := authz.LoadTableFile(args[0])
			return report(rootOpts, cmd, ValidationResult{Kind: "permissions", Path: args[0]}, nil, err)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "scenario <file>",
		Short:         "Validate a scenario file",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFile(args[0]); err != nil {
				return err
			}
			_, err := harness.LoadScenario(args[0])
			return report(rootOpts, cmd, ValidationResult{Kind: "scenario", Path: args[0]}, nil, err)
		},
	})

	var schemaPath string
	payload := &cobra.Command{
		Use:           "payload <schema.cue> <file>",
		Short:         "Validate a payload against a CUE schema",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return validatePayload(rootOpts, cmd, args[0], args[1], schemaPath)
		},
	}
	payload.Flags().StringVar(&schemaPath, "path", "", "definition inside the schema file, e.g. #Set")
	cmd.AddCommand(payload)

	return cmd
}

func validatePayload(opts *RootOptions, cmd *cobra.Command, schemaFile, payloadFile, path string) error {
	for _, f := range []string{schemaFile, payloadFile} {
		if err := requireFile(f); err != nil {
			return err
		}
	}

	var cueOpts []schema.CUEOption
	if path != "" {
		cueOpts = append(cueOpts, schema.WithPath(path))
	}
	validator, err := schema.LoadCUEFile(schemaFile, cueOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "load schema", err)
	}
	data, err := readPayload(payloadFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "read payload", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out, err := validator.Validate(ctx, data)
	return report(opts, cmd, ValidationResult{Kind: "payload", Path: payloadFile}, out, err)
}

// readPayload decodes a .json, .yaml or .yml file into a state value.
func readPayload(path string) (state.Value, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return state.Parse(b)
	case ".yaml", ".yml":
		var v any
		if err := yaml.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return state.FromAny(v)
	default:
		return nil, fmt.Errorf("unsupported payload extension: %s", ext)
	}
}

func requireFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return NewExitError(ExitCommandError, fmt.Sprintf("file not found: %s", path))
	}
	return nil
}

// report writes the outcome of one validation and turns a failure into
// ExitFailure.
func report(opts *RootOptions, cmd *cobra.Command, result ValidationResult, output state.Value, err error) error {
	out := formatter(opts, cmd)
	result.Valid = err == nil
	result.Output = output

	if err != nil {
		result.Error = err.Error()
		if opts.Format == "json" {
			if ferr := out.Error(CodeInvalid, err.Error(), result); ferr != nil {
				return ferr
			}
		} else {
			fmt.Fprintf(out.Writer, "✗ %s %s\n  %v\n", result.Kind, result.Path, err)
		}
		return WrapExitError(ExitFailure, fmt.Sprintf("invalid %s", result.Kind), err)
	}

	if opts.Format == "json" {
		return out.Success(result)
	}
	fmt.Fprintf(out.Writer, "✓ %s %s is valid\n", result.Kind, result.Path)
	if output != nil && opts.Verbose {
		b, merr := state.Marshal(output)
		if merr != nil {
			return merr
		}
		fmt.Fprintf(out.Writer, "  %s\n", b)
	}
	return nil
}
