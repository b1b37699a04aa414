// Command antfarm is the CLI shell of spec §6: a verb-oriented command
// tree (workflow/step/run) plus a serve command exposing the same
// operations over HTTP. Grounded on the teacher's cmd/server/main.go
// cobra+viper shape, collapsed from its server/api-server/worker 3-way
// split down to Antfarm's single-node command set.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openclaw/antfarm/internal/config"
	"github.com/openclaw/antfarm/internal/engine"
	"github.com/openclaw/antfarm/internal/gateway"
	"github.com/openclaw/antfarm/internal/store"
	"github.com/openclaw/antfarm/internal/workspace"
)

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "antfarm",
	Short: "Coordination kernel for multi-agent software-engineering workflows",
	Long: `Antfarm installs workflow manifests, hands out steps to external
agents on request, and advances a run's pipeline as steps complete or
fail. It never invokes an agent itself — it only tracks state.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	loaded, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	cfg = *loaded

	rootCmd.AddCommand(workflowCmd, stepCmd, runCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newEngine opens the store at the configured root, builds the workspace
// bridge and (optional) cron gateway client, and returns a ready-to-use
// Engine. Every command opens its own Store; there is no long-lived
// daemon process behind the CLI verbs except `serve`.
func newEngine() (*engine.Engine, *store.Store, error) {
	if err := cfg.EnsureStoreRoot(); err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, nil, err
	}
	bridge := workspace.New(cfg.StoreRoot)

	var gw *gateway.Client
	if cfg.GatewayURL != "" {
		gw = gateway.New(cfg.GatewayURL, cfg.GatewayToken)
	}
	return engine.New(st, bridge, gw), st, nil
}
