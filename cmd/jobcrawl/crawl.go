package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobcrawl/internal/app"
	"github.com/JakeFAU/jobcrawl/internal/orchestrator"
)

const serverShutdownTimeout = 10 * time.Second

type crawlFlags struct {
	platforms   []string
	keywords    string
	location    string
	experience  string
	limit       int
	concurrency int
	noDedup     bool
	output      string
}

func (f crawlFlags) params() orchestrator.SearchParams {
	return orchestrator.SearchParams{
		Keywords:   f.keywords,
		Location:   f.location,
		Experience: f.experience,
		Limit:      f.limit,
	}
}

func (f crawlFlags) options() []orchestrator.CrawlOption {
	var opts []orchestrator.CrawlOption
	if f.concurrency > 0 {
		opts = append(opts, orchestrator.Concurrency(f.concurrency))
	}
	if f.noDedup {
		opts = append(opts, orchestrator.Deduplicate(false))
	}
	return opts
}

func newCrawlCmd(appOpts ...app.Option) *cobra.Command {
	var f crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one search across several job boards",
		Long: `Runs a single crawl batch and writes the aggregated result as JSON.
The ops server (health, metrics, progress) listens while the batch runs.
SIGINT or SIGTERM cancels platforms that have not started and drains the
browser pool within orchestrator.shutdown_timeout.`,
		Example: `  jobcrawl crawl --config jobcrawl.yaml -p wanted,saramin -k "backend engineer" --limit 50`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return runCrawl(cmd.Context(), e, f, cmd.OutOrStdout(), appOpts...)
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVarP(&f.platforms, "platforms", "p", nil, "platforms to search (default: every configured platform)")
	flags.StringVarP(&f.keywords, "keywords", "k", "", "search keywords")
	flags.StringVar(&f.location, "location", "", "location filter")
	flags.StringVar(&f.experience, "experience", "", "experience filter")
	flags.IntVar(&f.limit, "limit", 0, "max jobs per platform (0 means no limit)")
	flags.IntVar(&f.concurrency, "concurrency", 0, "platforms crawled at once (default from config)")
	flags.BoolVar(&f.noDedup, "no-dedup", false, "keep duplicate company/position pairs")
	flags.StringVarP(&f.output, "output", "o", "", "write the JSON result to this file instead of stdout")
	_ = cmd.MarkFlagRequired("keywords")
	return cmd
}

type crawlOutcome struct {
	res orchestrator.Result
	err error
}

func runCrawl(ctx context.Context, e *env, f crawlFlags, stdout io.Writer, appOpts ...app.Option) error {
	logger := e.logger
	platforms := f.platforms
	if len(platforms) == 0 {
		for name := range e.cfg.Platforms {
			platforms = append(platforms, name)
		}
	}

	a, err := app.New(ctx, e.cfg, logger, appOpts...)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Orchestrator.ShutdownTimeout)
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil {
			logger.Warn("close application services", zap.Error(cerr))
		}
	}()

	if n, err := a.RestoreSession(ctx); err != nil {
		logger.Warn("session restore failed; starting with an empty jar", zap.Error(err))
	} else if n > 0 {
		logger.Info("session restored", zap.Int("cookies", n))
	}

	srv := startServer(a, e, logger)

	done := make(chan crawlOutcome, 1)
	go func() {
		res, err := a.Orchestrator().Crawl(ctx, platforms, f.params(), f.options()...)
		done <- crawlOutcome{res: res, err: err}
	}()

	var out crawlOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		logger.Info("shutdown initiated")
		if err := a.Orchestrator().Shutdown(e.cfg.Orchestrator.ShutdownTimeout); err != nil {
			logger.Warn("orchestrator shutdown", zap.Error(err))
		}
		select {
		case out = <-done:
		case <-time.After(e.cfg.Orchestrator.ShutdownTimeout):
			out.err = errors.New("crawl did not stop within the shutdown timeout")
		}
	}

	stopServer(srv, logger)

	if _, err := a.SaveSession(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("session save failed", zap.Error(err))
	}
	if out.err != nil {
		return fmt.Errorf("crawl: %w", out.err)
	}

	logger.Info("crawl finished",
		zap.Int("jobs", out.res.TotalJobs),
		zap.Int("platforms", len(out.res.Platforms)),
		zap.Bool("has_errors", out.res.HasErrors),
	)
	return writeResult(stdout, f.output, out.res)
}

func startServer(a *app.App, e *env, logger *zap.Logger) *http.Server {
	handler := a.Handler()
	if handler == nil {
		return nil
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", e.cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server started", zap.Int("port", e.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()
	return srv
}

func stopServer(srv *http.Server, logger *zap.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
}

func writeResult(stdout io.Writer, path string, res orchestrator.Result) error {
	w := stdout
	if path != "" {
		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer file.Close()
		w = file
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
