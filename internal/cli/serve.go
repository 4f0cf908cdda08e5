package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	appLog "festcal/internal/log"
	"festcal/internal/maintenance"
	"festcal/internal/web"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen      string
	NoScheduler bool
	RunOnStart  bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run scheduled maintenance",
		Long: `Serve the HTTP API and run the maintenance and cache-cleanup jobs on their
cron schedules (maintenance_cron, cache_cleanup_cron).

Example:
  festcal serve --config /etc/festcal/config.yaml
  festcal serve --listen :8080 --run-on-start`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts.RootOptions, func(a *app) error {
				return serve(cmd, opts, a)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides config if set)")
	cmd.Flags().BoolVar(&opts.NoScheduler, "no-scheduler", false, "do not run scheduled jobs")
	cmd.Flags().BoolVar(&opts.RunOnStart, "run-on-start", false, "run one maintenance pass at startup")
	return cmd
}

func serve(cmd *cobra.Command, opts *ServeOptions, a *app) error {
	if opts.Listen != "" {
		a.cfg.Listen = opts.Listen
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	var sched *maintenance.Scheduler
	if !opts.NoScheduler {
		s, err := maintenance.NewScheduler(maintenance.SchedulerConfig{
			Runner:           a.orch,
			Pruner:           a.chain,
			Recorder:         a.recorder,
			MaintenanceSpec:  a.cfg.MaintenanceCron,
			CacheCleanupSpec: a.cfg.CacheCleanupCron,
			Location:         a.cfg.Location(),
		})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create scheduler", err)
		}
		sched = s
		sched.Start()
	}

	if opts.RunOnStart {
		go func() {
			if _, err := a.orch.Run(ctx); err != nil {
				appLog.Error("startup maintenance failed", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           web.NewServer(a.cfg, a.cal, a.orch, a.recorder).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+a.cfg.Listen, "timezone", a.cfg.Timezone)
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("http shutdown failed", err)
	}
	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	appLog.Info("festcal exiting")

	if serveErr != nil {
		return WrapExitError(ExitFailure, "http server failed", serveErr)
	}
	return nil
}
