package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobcrawl/internal/app"
	"github.com/JakeFAU/jobcrawl/internal/config"
	"github.com/JakeFAU/jobcrawl/internal/logging"
)

type envKey struct{}

// env is what the root command hands to subcommands.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newRootCmd builds the command tree. appOpts are passed to every app.New,
// letting tests swap backends.
func newRootCmd(appOpts ...app.Option) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "jobcrawl",
		Short: "Parallel job board crawler with rate limiting and anti-detection.",
		Long: `jobcrawl searches several job boards at once. Each board is paced by
its own rate limit profile, fetched through a shared cookie jar and rotating
proxies, and promoted to a pooled headless browser when the page needs it.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey{}, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, err := resolveEnv(cmd.Context()); err == nil {
				// Sync on stderr/stdout fails with EINVAL on most terminals.
				if syncErr := e.logger.Sync(); syncErr != nil && !errors.Is(syncErr, syscall.EINVAL) && !errors.Is(syncErr, syscall.ENOTTY) {
					fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
				}
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); CRAWLER_* env vars override it")
	cmd.AddCommand(newCrawlCmd(appOpts...))
	cmd.AddCommand(newPlatformsCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey{}).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}
