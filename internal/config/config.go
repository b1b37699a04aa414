// Package config resolves Antfarm's runtime configuration: the store root
// directory and the cron gateway endpoint/token. Layering (env > config
// file > defaults; no command-line flags are bound) follows the teacher's
// cmd/server/main.go initConfig, with the default store root changed to
// match spec §6.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration.
type Config struct {
	StoreRoot    string // default ~/.openclaw/antfarm/
	HTTPPort     string
	GatewayURL   string
	GatewayToken string
}

// DefaultStoreRoot returns "~/.openclaw/antfarm" with the user's home
// directory expanded, matching spec §6's "default ~/.openclaw/antfarm/".
func DefaultStoreRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".openclaw", "antfarm")
}

// Load reads config.yaml from the store root or the current directory (if
// present), environment variables prefixed ANTFARM_ (a key such as
// gateway.url is read from ANTFARM_GATEWAY_URL), and returns the merged
// Config. It does not
// touch the filesystem beyond reading the config file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	root := DefaultStoreRoot()
	if env := os.Getenv("ANTFARM_STORE_ROOT"); env != "" {
		root = env
	}
	v.AddConfigPath(root)
	v.AddConfigPath(".")

	v.SetEnvPrefix("ANTFARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.root", root)
	v.SetDefault("server.port", "8420")
	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.token", "")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return &Config{
		StoreRoot:    v.GetString("store.root"),
		HTTPPort:     v.GetString("server.port"),
		GatewayURL:   v.GetString("gateway.url"),
		GatewayToken: v.GetString("gateway.token"),
	}, nil
}

// DBPath is the single local database file under the store root.
func (c *Config) DBPath() string {
	return filepath.Join(c.StoreRoot, "antfarm.db")
}

// WorkflowDir is the per-installed-workflow subdirectory (§6: "One
// subdirectory per installed workflow, containing agent workspaces").
func (c *Config) WorkflowDir(workflowID string) string {
	return filepath.Join(c.StoreRoot, "workflows", workflowID)
}

// EnsureStoreRoot creates the store root directory if missing.
func (c *Config) EnsureStoreRoot() error {
	return os.MkdirAll(c.StoreRoot, 0o750)
}
