package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mirqtio/LeadFactory-v1-sub006/internal/display"
	"github.com/mirqtio/LeadFactory-v1-sub006/internal/printer"
)

var (
	questionsInstanceName string
	questionsConfigPath   string
	questionsOutputFormat string
)

var questionsCmd = &cobra.Command{
	Use:   "questions",
	Short: "List open operator questions",
	Long: `List questions raised by blocked workers, newest first.

A worker that cannot finish a task escalates a question and holds its item
while it waits, renewing the lease. The item makes no progress until someone
answers or the escalation timeout expires and the attempt is counted as
failed.

Output Formats:
  default - Human-readable table with full question IDs
  jsonl   - Line-delimited JSON, one question per line

Examples:
  # Open questions on the default instance
  factory questions

  # Extract question texts with jq
  factory questions --output jsonl | jq .text`,
	RunE: runQuestions,
}

func init() {
	questionsCmd.Flags().StringVarP(&questionsInstanceName, "name", "n", "", "Target instance name (FACTORY_INSTANCE_NAME or 'default' if omitted)")
	questionsCmd.Flags().StringVarP(&questionsConfigPath, "config", "c", "factory.yml", "Path to the factory configuration file")
	questionsCmd.Flags().StringVarP(&questionsOutputFormat, "output", "o", "default", "Output format: default or jsonl")
	rootCmd.AddCommand(questionsCmd)
}

func runQuestions(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	// Validate output format
	var outputFormat display.OutputFormat
	switch questionsOutputFormat {
	case "default":
		outputFormat = display.OutputFormatDefault
	case "jsonl":
		outputFormat = display.OutputFormatJSONL
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", questionsOutputFormat),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	conn, err := connectPipeline(ctx, questionsInstanceName, questionsConfigPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	questions, err := conn.Client.ListOpenQuestions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open questions: %w", err)
	}

	if outputFormat == display.OutputFormatJSONL {
		return display.FormatQuestionsJSONL(os.Stdout, questions)
	}

	display.FormatQuestionsTable(os.Stdout, questions, conn.InstanceName)
	return nil
}
