package main

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Inspect and manage runs",
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, st, err := newEngine()
		if err != nil {
			return err
		}
		defer st.Close()
		runs, err := e.ListRuns()
		if err != nil {
			return err
		}
		return printJSON(runs)
	},
}

var runGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show a run and its steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, st, err := newEngine()
		if err != nil {
			return err
		}
		defer st.Close()
		run, err := e.GetRun(args[0])
		if err != nil {
			return err
		}
		return printJSON(run)
	},
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run in flight",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, st, err := newEngine()
		if err != nil {
			return err
		}
		defer st.Close()
		return e.CancelRun(args[0])
	},
}

func init() {
	runCmd.AddCommand(runListCmd, runGetCmd, runCancelCmd)
}
