package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/sophia/pkg/config"
	"github.com/cuemby/sophia/pkg/engine"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sophia",
	Short: "Sophia - embeddable ordered key-value storage engine",
	Long: `Sophia is an embeddable ordered key-value storage engine with ACID
transactions, MVCC snapshots, and an append-in-place compacting LSM core.

This tool opens a repository offline for inspection and maintenance.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Sophia version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("repo", "", "Repository root directory")
	rootCmd.PersistentFlags().String("config", "", "YAML config file (overrides --repo)")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(backupCmd)
}

// openEnv builds and opens the environment from the global flags
func openEnv(cmd *cobra.Command) (*engine.Env, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	repo, _ := cmd.Flags().GetString("repo")
	level, _ := cmd.Flags().GetString("log-level")

	var cfg config.Config
	if cfgPath != "" {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
		cfg.Path = repo
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("either --repo or --config is required")
	}
	cfg.LogLevel = level

	env, err := engine.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := env.Open(); err != nil {
		return nil, err
	}
	return env, nil
}
