package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Claim, complete, and fail individual steps",
}

var claimAgentID string

var stepClaimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim the next pending step for an agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, st, err := newEngine()
		if err != nil {
			return err
		}
		defer st.Close()
		claimed, err := e.Claim(context.Background(), claimAgentID)
		if err != nil {
			return err
		}
		return printJSON(claimed)
	},
}

var (
	completeOutput     string
	completeOutputFile string
)

var stepCompleteCmd = &cobra.Command{
	Use:   "complete <step-instance-id>",
	Short: "Report a step's output and advance the run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, err := resolveOutput(completeOutput, completeOutputFile)
		if err != nil {
			return err
		}
		e, st, err := newEngine()
		if err != nil {
			return err
		}
		defer st.Close()
		result, err := e.Complete(context.Background(), args[0], output)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var (
	failError     string
	failErrorFile string
)

var stepFailCmd = &cobra.Command{
	Use:   "fail <step-instance-id>",
	Short: "Report a step's failure",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		errText, err := resolveOutput(failError, failErrorFile)
		if err != nil {
			return err
		}
		e, st, err := newEngine()
		if err != nil {
			return err
		}
		defer st.Close()
		result, err := e.Fail(context.Background(), args[0], errText)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var stepStoriesCmd = &cobra.Command{
	Use:   "stories <run-id>",
	Short: "List a run's stories in storyIndex order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, st, err := newEngine()
		if err != nil {
			return err
		}
		defer st.Close()
		stories, err := e.ListStories(args[0])
		if err != nil {
			return err
		}
		return printJSON(stories)
	},
}

// resolveOutput reads the file named by --output-file/--error-file when it
// is set (agent outputs are often too large or too multi-line for a shell
// argument), and otherwise returns the inline flag value.
func resolveOutput(inline, path string) (string, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	return inline, nil
}

func init() {
	stepCmd.AddCommand(stepClaimCmd, stepCompleteCmd, stepFailCmd, stepStoriesCmd)

	stepClaimCmd.Flags().StringVar(&claimAgentID, "agent", "", "agent id claiming work")
	stepClaimCmd.MarkFlagRequired("agent")

	stepCompleteCmd.Flags().StringVar(&completeOutput, "output", "", "raw step output")
	stepCompleteCmd.Flags().StringVar(&completeOutputFile, "output-file", "", "path to a file containing the step output")

	stepFailCmd.Flags().StringVar(&failError, "error", "", "error text")
	stepFailCmd.Flags().StringVar(&failErrorFile, "error-file", "", "path to a file containing the error text")
}
