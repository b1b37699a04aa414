package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/openclaw/antfarm/internal/manifest"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Install, update, inspect, and run workflow manifests",
}

var workflowInstallCmd = &cobra.Command{
	Use:   "install <manifest-file>",
	Short: "Parse a workflow manifest and register it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		spec, err := manifest.Parse(data)
		if err != nil {
			return err
		}
		e, st, err := newEngine()
		if err != nil {
			return err
		}
		defer st.Close()
		if err := e.InstallWorkflow(*spec); err != nil {
			return err
		}
		return printJSON(spec)
	},
}

var workflowUpdateCmd = &cobra.Command{
	Use:   "update <manifest-file>",
	Short: "Replace an installed workflow's spec in place",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		spec, err := manifest.Parse(data)
		if err != nil {
			return err
		}
		e, st, err := newEngine()
		if err != nil {
			return err
		}
		defer st.Close()
		if err := e.UpdateWorkflow(*spec); err != nil {
			return err
		}
		return printJSON(spec)
	},
}

var workflowUninstallCmd = &cobra.Command{
	Use:   "uninstall <workflow-id>",
	Short: "Remove an installed workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, st, err := newEngine()
		if err != nil {
			return err
		}
		defer st.Close()
		return e.UninstallWorkflow(args[0])
	},
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every installed workflow",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, st, err := newEngine()
		if err != nil {
			return err
		}
		defer st.Close()
		specs, err := e.ListWorkflows()
		if err != nil {
			return err
		}
		return printJSON(specs)
	},
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status <workflow-id>",
	Short: "Summarize a workflow's runs by status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, st, err := newEngine()
		if err != nil {
			return err
		}
		defer st.Close()
		status, err := e.GetWorkflowStatus(args[0])
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

var (
	runTaskTitle    string
	runLeadAgentID  string
	runSessionLabel string
)

var workflowRunCmd = &cobra.Command{
	Use:   "run <workflow-id>",
	Short: "Start a new run of an installed workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, st, err := newEngine()
		if err != nil {
			return err
		}
		defer st.Close()
		run, err := e.RunWorkflow(args[0], runTaskTitle, runLeadAgentID, runSessionLabel)
		if err != nil {
			return err
		}
		return printJSON(run)
	},
}

func init() {
	workflowCmd.AddCommand(
		workflowInstallCmd, workflowUpdateCmd, workflowUninstallCmd,
		workflowListCmd, workflowStatusCmd, workflowRunCmd,
	)

	workflowRunCmd.Flags().StringVar(&runTaskTitle, "task", "", "task title for the run")
	workflowRunCmd.Flags().StringVar(&runLeadAgentID, "lead-agent", "", "lead agent id")
	workflowRunCmd.Flags().StringVar(&runSessionLabel, "session", "", "session label")
	workflowRunCmd.MarkFlagRequired("lead-agent")
}
