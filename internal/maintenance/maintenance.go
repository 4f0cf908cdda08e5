// Package maintenance runs the periodic horizon extension: prune past
// occurrences, extend every rule to the target year, and make sure the
// solar-term table covers the horizon.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"festcal/internal/calendar"
	"festcal/internal/failures"
	appLog "festcal/internal/log"
	"festcal/internal/model"
)

const defaultWorkers = 4

// ErrRunInProgress is returned when a run is requested while another is
// still executing.
var ErrRunInProgress = errors.New("maintenance: a run is already in progress")

// Store is the persistence the orchestrator needs.
type Store interface {
	ListRules(ctx context.Context) ([]model.Rule, error)
	DeleteOccurrencesBefore(ctx context.Context, before time.Time) (int64, error)
	CreateRun(ctx context.Context, run model.MaintenanceRun) error
	UpdateRun(ctx context.Context, run model.MaintenanceRun) error
}

// Calendar extends individual rules (normally a *calendar.Service).
type Calendar interface {
	Today() time.Time
	TargetYear() int
	Extend(ctx context.Context, r model.Rule, target int) (calendar.Result, error)
}

// TermTable makes sure a year of solar terms is stored.
type TermTable interface {
	Ensure(ctx context.Context, year int) (bool, error)
}

// OrchestratorError is a run-level failure: the run is marked failed.
type OrchestratorError struct {
	RunID string
	Step  string
	Err   error
}

func (e *OrchestratorError) Error() string {
	return fmt.Sprintf("maintenance run %s: %s: %v", e.RunID, e.Step, e.Err)
}

func (e *OrchestratorError) Unwrap() error { return e.Err }

// Config wires an Orchestrator.
type Config struct {
	Store    Store
	Calendar Calendar
	Terms    TermTable
	Recorder *failures.Recorder
	// Workers bounds how many rules are extended concurrently.
	Workers int
	Now     func() time.Time
	NewID   func() string
}

// Orchestrator executes maintenance runs. At most one run executes at a
// time.
type Orchestrator struct {
	store    Store
	cal      Calendar
	terms    TermTable
	recorder *failures.Recorder
	workers  int
	now      func() time.Time
	newID    func() string

	running sync.Mutex
}

// New returns an Orchestrator, filling defaults for zero values.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:    cfg.Store,
		cal:      cfg.Calendar,
		terms:    cfg.Terms,
		recorder: cfg.Recorder,
		workers:  cfg.Workers,
		now:      cfg.Now,
		newID:    cfg.NewID,
	}
	if o.workers <= 0 {
		o.workers = defaultWorkers
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	return o
}

type tally struct {
	mu        sync.Mutex
	processed int
	created   int
	deleted   int
	failed    int
}

// Run executes one maintenance run and returns its final record.
//
// A rule that fails to extend is recorded in the error log and counted as
// processed; the run still completes. Failures outside the per-rule loop
// (store unavailable, solar terms unimportable) mark the run failed and
// are returned as *OrchestratorError. Cancelling ctx stops scheduling new
// rules; rules already being extended finish first.
func (o *Orchestrator) Run(ctx context.Context) (model.MaintenanceRun, error) {
	if !o.running.TryLock() {
		return model.MaintenanceRun{}, ErrRunInProgress
	}
	defer o.running.Unlock()

	today := o.cal.Today()
	current := today.Year()
	run := model.MaintenanceRun{
		ID:         o.newID(),
		TargetYear: o.cal.TargetYear(),
		Status:     model.RunRunning,
		StartedAt:  o.now().UTC(),
	}
	// Bookkeeping writes outlive a cancelled ctx so the run record is never
	// left in the running state.
	bg := context.WithoutCancel(ctx)

	if err := o.store.CreateRun(bg, run); err != nil {
		appLog.Error("maintenance run could not be created", err, "run_id", run.ID)
		return run, &OrchestratorError{RunID: run.ID, Step: "create run", Err: err}
	}
	appLog.Info("maintenance run started", "run_id", run.ID, "current_year", current, "target_year", run.TargetYear, "workers", o.workers)

	pruned, err := o.store.DeleteOccurrencesBefore(bg, model.Date(current, time.January, 1))
	if err != nil {
		return o.fail(bg, run, "prune past occurrences", err)
	}
	run.OccurrencesDeleted = int(pruned)
	appLog.Info("past occurrences pruned", "run_id", run.ID, "before", fmt.Sprintf("%d-01-01", current), "deleted", pruned)

	rules, err := o.store.ListRules(bg)
	if err != nil {
		return o.fail(bg, run, "list rules", err)
	}

	t := &tally{}
	cancelled := o.extendAll(ctx, bg, run, rules, t)
	run.EventsProcessed = t.processed
	run.OccurrencesCreated = t.created
	run.OccurrencesDeleted += t.deleted

	if cancelled {
		return o.fail(bg, run, "extend rules", fmt.Errorf("maintenance cancelled: %w", context.Cause(ctx)))
	}

	for y := current; y <= run.TargetYear; y++ {
		imported, err := o.terms.Ensure(bg, y)
		if err != nil {
			return o.fail(bg, run, fmt.Sprintf("ensure solar terms %d", y), err)
		}
		run.SolarTermsProcessed++
		if imported {
			appLog.Info("solar terms imported", "run_id", run.ID, "year", y)
		}
	}

	done := o.now().UTC()
	run.Status = model.RunCompleted
	run.CompletedAt = &done
	if err := o.store.UpdateRun(bg, run); err != nil {
		appLog.Error("maintenance run could not be completed", err, "run_id", run.ID)
		return run, &OrchestratorError{RunID: run.ID, Step: "complete run", Err: err}
	}

	appLog.Info("maintenance run completed",
		"run_id", run.ID,
		"events_processed", run.EventsProcessed,
		"rule_failures", t.failed,
		"occurrences_created", run.OccurrencesCreated,
		"occurrences_deleted", run.OccurrencesDeleted,
		"solar_terms_processed", run.SolarTermsProcessed,
		"duration", done.Sub(run.StartedAt).String(),
	)
	return run, nil
}

// extendAll extends every rule short of the target on a bounded pool and
// reports whether ctx was cancelled before all rules were scheduled.
func (o *Orchestrator) extendAll(ctx, bg context.Context, run model.MaintenanceRun, rules []model.Rule, t *tally) bool {
	var g errgroup.Group
	g.SetLimit(o.workers)

	cancelled := false
	for _, r := range rules {
		if !calendar.NeedsExtension(r, run.TargetYear) {
			continue
		}
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		g.Go(func() error {
			res, err := o.cal.Extend(bg, r, run.TargetYear)

			t.mu.Lock()
			t.processed++
			if err == nil {
				t.created += res.Inserted
				t.deleted += res.Deleted
			} else {
				t.failed++
			}
			t.mu.Unlock()

			if err != nil {
				appLog.Warn("rule extension failed; continuing", "run_id", run.ID, "event_id", r.ID, "err", err)
				if o.recorder != nil {
					_, _ = o.recorder.RecordError(bg, r.ID, err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return cancelled
}

func (o *Orchestrator) fail(ctx context.Context, run model.MaintenanceRun, step string, err error) (model.MaintenanceRun, error) {
	done := o.now().UTC()
	run.Status = model.RunFailed
	run.CompletedAt = &done
	run.ErrorMessage = fmt.Sprintf("%s: %v", step, err)

	appLog.Error("maintenance run failed", err, "run_id", run.ID, "step", step)
	if uerr := o.store.UpdateRun(ctx, run); uerr != nil {
		appLog.Error("maintenance run status could not be saved", uerr, "run_id", run.ID)
	}
	return run, &OrchestratorError{RunID: run.ID, Step: step, Err: err}
}
