// Command conflictd runs the conflict resolution service and talks to it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-conflict-kit/config"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
)

var (
	configPath string
	serverURL  string
	userID     string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "conflictd",
		Short:         "Conflict resolution service for collaborative editing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("CONFLICT_SERVER", "http://localhost:8080"), "conflictd base URL")
	root.PersistentFlags().StringVarP(&userID, "user", "u", os.Getenv("CONFLICT_USER"), "user id sent as X-User-ID")

	root.AddCommand(newServeCmd(), newResolveCmd(), newChooseCmd(), newHistoryCmd(), newWatchCmd())
	return root
}

func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logCfg := cfg.Logging.ApplyEnvironmentDefaults()
	logging.Init(logCfg)
	return cfg, logging.Default(), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
