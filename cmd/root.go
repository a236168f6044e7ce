// Package cmd defines and implements the CLI commands for the docs2md executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs2md/internal/app"
	"github.com/JakeFAU/docs2md/internal/config"
	"github.com/JakeFAU/docs2md/internal/logging"
)

var cfgFile string

type ctxKey string

const (
	configKey ctxKey = "config"
	loggerKey ctxKey = "logger"
)

// newApp is the application factory. It is a variable so tests can swap it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docs2md",
		Short: "Convert documentation sites into LLM-ready Markdown.",
		Long: `docs2md crawls a documentation site from a seed URL, extracts the main
content of every in-scope page, converts it to clean Markdown and assembles
the result into a single file or a zip archive that stays downloadable for a
bounded time.`,
		SilenceUsage: true,

		// Runs before every subcommand: load config once and build the logger.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if logger, ok := cmd.Context().Value(loggerKey).(*zap.Logger); ok {
				_ = logger.Sync() //nolint:errcheck // best-effort flush
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); DOCS2MD_* env vars override it")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newConvertCmd())

	return cmd
}

func resolve(ctx context.Context) (config.Config, *zap.Logger, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, nil, errors.New("configuration not loaded")
	}
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	if !ok || logger == nil {
		return config.Config{}, nil, errors.New("logger not initialized")
	}
	return cfg, logger, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "docs2md: %v\n", err)
		os.Exit(1)
	}
}
