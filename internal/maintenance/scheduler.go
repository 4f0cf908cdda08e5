package maintenance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"festcal/internal/failures"
	appLog "festcal/internal/log"
	"festcal/internal/model"
)

const (
	DefaultMaintenanceSpec  = "0 3 * * *"
	DefaultCacheCleanupSpec = "30 3 * * 0"
)

// CachePruner drops stale conversion cache entries (normally a
// *lunar.Chain).
type CachePruner interface {
	PruneCache(ctx context.Context) (int64, error)
}

// Runner executes one maintenance run (normally an *Orchestrator).
type Runner interface {
	Run(ctx context.Context) (model.MaintenanceRun, error)
}

// SchedulerConfig wires a Scheduler. Empty specs fall back to the defaults;
// a nil Pruner disables cache cleanup.
type SchedulerConfig struct {
	Runner           Runner
	Pruner           CachePruner
	Recorder         *failures.Recorder
	MaintenanceSpec  string
	CacheCleanupSpec string
	Location         *time.Location
}

// Scheduler triggers maintenance runs and cache cleanup on cron schedules.
type Scheduler struct {
	cron     *cron.Cron
	runner   Runner
	pruner   CachePruner
	recorder *failures.Recorder

	// ctx is cancelled by Stop so an in-progress run stops scheduling rules.
	ctx    context.Context
	cancel context.CancelFunc
}

// ValidateSpec reports whether spec is a standard 5-field cron expression
// (descriptors like @daily are accepted too).
func ValidateSpec(spec string) error {
	if _, err := cron.ParseStandard(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return nil
}

// NewScheduler registers the jobs without starting them.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:     c,
		runner:   cfg.Runner,
		pruner:   cfg.Pruner,
		recorder: cfg.Recorder,
		ctx:      ctx,
		cancel:   cancel,
	}

	spec := orDefault(cfg.MaintenanceSpec, DefaultMaintenanceSpec)
	if _, err := c.AddFunc(spec, s.runMaintenance); err != nil {
		cancel()
		return nil, fmt.Errorf("schedule maintenance %q: %w", spec, err)
	}
	if s.pruner != nil {
		spec := orDefault(cfg.CacheCleanupSpec, DefaultCacheCleanupSpec)
		if _, err := c.AddFunc(spec, s.pruneCache); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule cache cleanup %q: %w", spec, err)
		}
	}
	return s, nil
}

func orDefault(spec, def string) string {
	if strings.TrimSpace(spec) == "" {
		return def
	}
	return strings.TrimSpace(spec)
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		appLog.Info("scheduled job", "entry", int(e.ID), "next", e.Next.Format(time.RFC3339))
	}
}

// Stop cancels in-flight work and waits for running jobs, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		appLog.Warn("scheduler stop timed out; jobs still running")
	}
}

// runMaintenance is the cron job body. A failed run is also recorded in
// the generation error log as a cron_failure so it surfaces next to
// per-rule failures.
func (s *Scheduler) runMaintenance() {
	run, err := s.runner.Run(s.ctx)
	if err == nil {
		return
	}
	appLog.Error("scheduled maintenance failed", err, "run_id", run.ID)
	if s.recorder == nil {
		return
	}
	details := map[string]any{"run_id": run.ID, "target_year": run.TargetYear}
	_, _ = s.recorder.Record(context.Background(), "maintenance", model.ErrorCronFailure, err.Error(), true, details)
}

func (s *Scheduler) pruneCache() {
	n, err := s.pruner.PruneCache(s.ctx)
	if err != nil {
		appLog.Error("conversion cache cleanup failed", err)
		return
	}
	appLog.Info("conversion cache cleaned", "deleted", n)
}

// cronLogger adapts cron's logger to appLog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
