// Package cmd defines the siteinsights CLI commands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-insights/internal/config"
	"github.com/JakeFAU/site-insights/internal/logging"
)

type runtimeKey struct{}

// runtime is what PersistentPreRunE hands to subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "siteinsights",
		Short: "Website performance analysis with per-site insight chat.",
		Long: `siteinsights fetches a page, records a performance report for its site,
and answers questions about the latest report. Each site key is served by a
single actor so analyses and chat turns for one site never interleave.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, &runtime{cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey{}).(*runtime); ok {
				_ = rt.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAnalyzeCmd())
	return cmd
}

func runtimeFrom(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey{}).(*runtime)
	if !ok || rt == nil {
		return nil, fmt.Errorf("command runtime not initialized")
	}
	return rt, nil
}

// Execute runs the root command with a context cancelled on SIGINT/SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}
