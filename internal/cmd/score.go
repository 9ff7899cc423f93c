package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/claimpilot/claimpilot/internal/config"
)

var scoreFile string

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score a claim JSON payload from a file or stdin",
	Long: `Runs one claim through the full scoring flow (guards, enrichment, triage
agent, escalation gate) and prints the result as JSON on stdout.`,
	RunE: runScore,
}

func init() {
	scoreCmd.Flags().StringVarP(&scoreFile, "file", "f", "-", "claim JSON file (- for stdin)")
	rootCmd.AddCommand(scoreCmd)
}

func runScore(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "score")
	defer span.End()

	raw, err := readInput(scoreFile)
	if err != nil {
		return err
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("claim payload is not a JSON object: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	pipe, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}

	result, err := pipe.manager.Score(ctx, payload)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return raw, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return raw, nil
}
