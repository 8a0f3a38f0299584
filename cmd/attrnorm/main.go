package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/martinemde/attrnorm/config"
)

var (
	configPath string
	verbose    bool
	testMode   bool
	apiKey     string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "attrnorm",
	Short: "Consolidate product attribute keys and normalize items against them",
	Long: `attrnorm cleans up inconsistent product attribute names.

  consolidate  groups the raw attribute keys into unified names and writes the
               consolidated mapping
  normalize    rewrites every item's attribute groups to the unified names
  scan         locates the first syntax error in a JSON file

The provider key comes from --api-key, the command argument, or the
environment (OPENAI_API_KEY / ANTHROPIC_API_KEY, also read from .env).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		zc := zap.NewProductionConfig()
		level, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
		if verbose {
			level = zapcore.DebugLevel
		}
		zc.Level = zap.NewAtomicLevelAt(level)
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		for _, m := range cfg.UnknownModels() {
			logger.Warn("model not in catalog, passing through",
				zap.String("model", m),
				zap.Strings("known", cfg.KnownModels()),
			)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&testMode, "test", false, "read and write the fixture directory")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "provider API key (overrides the environment)")

	rootCmd.AddCommand(consolidateCmd, normalizeCmd, scanCmd)
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run())
}
