package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mirqtio/LeadFactory-v1-sub006/internal/printer"
	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

var (
	answerInstanceName string
	answerConfigPath   string
)

var answerCmd = &cobra.Command{
	Use:   "answer QUESTION_ID ANSWER",
	Short: "Answer an open operator question",
	Long: `Answer an open question and unblock the worker that asked it.

The answer is delivered to the waiting worker, which re-runs its task with
the answer included in the task input. Use the full question ID as shown by
'factory questions'.

Examples:
  factory answer 8c1f9e4a-0b3d-4f6a-9e2d-5a7b8c9d0e1f "Use the staging bucket"`,
	Args: cobra.ExactArgs(2),
	RunE: runAnswer,
}

func init() {
	answerCmd.Flags().StringVarP(&answerInstanceName, "name", "n", "", "Target instance name (FACTORY_INSTANCE_NAME or 'default' if omitted)")
	answerCmd.Flags().StringVarP(&answerConfigPath, "config", "c", "factory.yml", "Path to the factory configuration file")
	rootCmd.AddCommand(answerCmd)
}

func runAnswer(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	conn, err := connectPipeline(ctx, answerInstanceName, answerConfigPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	questionID, answerText := args[0], args[1]

	if err := conn.Client.AnswerQuestion(ctx, questionID, answerText); err != nil {
		if pipeline.IsNotFound(err) {
			return printer.Error(
				fmt.Sprintf("question with ID '%s' not found", questionID),
				"The question does not exist or has already been answered.",
				[]string{"List open questions:\n  factory questions"},
			)
		}
		return fmt.Errorf("failed to answer question: %w", err)
	}

	printer.Success("Answered question %s\n", questionID)

	return nil
}
