// Command mnemo runs the long-term memory service and offers one-shot
// commands against the same storage.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/mnemo/internal/config"
	"github.com/scrypster/mnemo/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// cli carries state shared by subcommands once the root pre-run has loaded
// configuration.
type cli struct {
	configFile string
	envFile    string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "mnemo",
		Short:         "Long-term memory for conversational agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "YAML config file (overrides MNEMO_CONFIG_FILE)")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(
		newServeCmd(c),
		newIngestCmd(c),
		newRetrieveCmd(c),
		newProfileCmd(c),
		newConsolidateCmd(c),
		newBackupCmd(c),
		newMCPCmd(c),
	)
	return root
}

func (c *cli) load() error {
	if c.envFile != "" {
		// A missing dotenv file is normal; variables already set win.
		if err := godotenv.Load(c.envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", c.envFile, err)
		}
	}
	if c.configFile != "" {
		if err := os.Setenv("MNEMO_CONFIG_FILE", c.configFile); err != nil {
			return err
		}
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logger
	return nil
}
