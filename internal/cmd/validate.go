package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/claimpilot/claimpilot/internal/schema"
)

var validateSchema string

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a JSON document against a pipeline schema",
	Long: `Validates a JSON file (or stdin with -) against one of the pipeline
schemas: claim, triage_result, investigation, explanation.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateSchema, "schema", schema.RefClaim, "schema to validate against")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	_, span := tracer.Start(cmd.Context(), "validate")
	defer span.End()

	path := "-"
	if len(args) == 1 {
		path = args[0]
	}
	raw, err := readInput(path)
	if err != nil {
		return err
	}

	validator, err := schema.NewValidator()
	if err != nil {
		return fmt.Errorf("loading schemas: %w", err)
	}

	if err := validator.Validate(validateSchema, raw); err != nil {
		var diag *schema.Diagnostic
		if errors.As(err, &diag) {
			fmt.Printf("invalid against %s:\n", diag.SchemaRef)
			for _, p := range diag.Problems {
				fmt.Printf("  - %s\n", p)
			}
			return fmt.Errorf("validation failed")
		}
		return err
	}

	fmt.Printf("valid against %s\n", validateSchema)
	return nil
}
