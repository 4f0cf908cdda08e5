package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"festcal/internal/calendar"
	"festcal/internal/failures"
	"festcal/internal/generate"
	"festcal/internal/lunar"
	"festcal/internal/model"
	"festcal/internal/solarterm"
	"festcal/internal/store/memstore"
)

var now = time.Date(2025, time.June, 10, 9, 0, 0, 0, time.UTC)

// brokenMonthConverter fails every conversion of lunar month 4.
type brokenMonthConverter struct{}

func (brokenMonthConverter) Convert(_ context.Context, d lunar.Date, _ lunar.Options) (lunar.Result, error) {
	if d.Month == 4 {
		return lunar.Result{}, &lunar.ConversionError{Date: d, Attempts: []lunar.Attempt{{Source: model.SourceCalculator, Err: errors.New("out of range")}}}
	}
	if d.Leap {
		return lunar.Result{}, lunar.ErrNoLeapMonth
	}
	return lunar.Result{Dates: []time.Time{model.Date(d.Year, time.Month(d.Month+1), d.Day)}}, nil
}

type fixture struct {
	store *memstore.Store
	cal   *calendar.Service
	orch  *Orchestrator
	rec   *failures.Recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := memstore.New()
	clock := func() time.Time { return now }
	terms := solarterm.NewTable(store, nil)
	gen := generate.New(generate.Config{Converter: brokenMonthConverter{}, Terms: terms, Now: clock})
	rec := failures.NewRecorder(store, clock)
	cal := calendar.New(calendar.Config{Store: store, Generator: gen, Location: time.UTC, Now: clock})

	seq := 0
	orch := New(Config{
		Store:    store,
		Calendar: cal,
		Terms:    terms,
		Recorder: rec,
		Workers:  2,
		Now:      clock,
		NewID: func() string {
			seq++
			return fmt.Sprintf("run-%d", seq)
		},
	})
	return fixture{store: store, cal: cal, orch: orch, rec: rec}
}

func (f fixture) save(t *testing.T, rules ...model.Rule) {
	t.Helper()
	for _, r := range rules {
		require.NoError(t, f.store.SaveRule(context.Background(), r))
	}
}

func TestRun_FailingRuleDoesNotFailRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.save(t,
		model.Rule{ID: "founding", Version: 1, Variant: model.Solar{Month: time.September, Day: 15}},
		model.Rule{ID: "broken", Version: 1, Variant: model.Lunar{Month: 4, Day: 8}},
		model.Rule{ID: "mazu", Version: 1, Variant: model.Lunar{Month: 3, Day: 23}},
	)
	// A leftover from last year must be pruned.
	_, err := f.store.UpsertOccurrences(ctx, []model.Occurrence{{EventID: "founding", Date: model.Date(2024, 9, 15), Year: 2024, RuleVersion: 1}})
	require.NoError(t, err)

	run, err := f.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.Equal(t, 3, run.EventsProcessed)
	assert.Equal(t, 12, run.OccurrencesCreated)
	assert.Equal(t, 1, run.OccurrencesDeleted)
	assert.Equal(t, 6, run.SolarTermsProcessed)
	assert.Equal(t, 2030, run.TargetYear)
	require.NotNil(t, run.CompletedAt)

	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, stored.Status)

	errs, err := f.rec.List(ctx, "broken", true)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, model.ErrorLunarConversion, errs[0].Type)

	for _, o := range f.store.AllOccurrences() {
		assert.False(t, o.Date.Before(model.Date(2025, 1, 1)), "occurrence %s survived pruning", model.FormatDate(o.Date))
	}

	r, err := f.store.GetRule(ctx, "mazu")
	require.NoError(t, err)
	require.NotNil(t, r.GeneratedUntil)
	assert.Equal(t, 2030, *r.GeneratedUntil)

	has, err := f.store.HasSolarTermYear(ctx, 2030)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestRun_SecondRunSkipsExtendedRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.save(t, model.Rule{ID: "founding", Version: 1, Variant: model.Solar{Month: time.September, Day: 15}})

	_, err := f.orch.Run(ctx)
	require.NoError(t, err)
	run, err := f.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, run.EventsProcessed)
	assert.Equal(t, 0, run.OccurrencesCreated)
	assert.Len(t, f.store.AllOccurrences(), 6)

	latest, ok, err := f.store.LatestRun(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-2", latest.ID)
}

func TestRun_StoreFailureFailsRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.FailOn("ListRules", errors.New("database is locked"))

	run, err := f.orch.Run(ctx)
	var oe *OrchestratorError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "list rules", oe.Step)
	assert.Equal(t, model.RunFailed, run.Status)

	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "database is locked")
}

func TestRun_SolarTermFailureFailsRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.FailOn("SaveSolarTerms", errors.New("read-only"))

	run, err := f.orch.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, model.RunFailed, run.Status)
}

func TestRun_CancelledBeforeRules(t *testing.T) {
	f := newFixture(t)
	f.save(t, model.Rule{ID: "founding", Version: 1, Variant: model.Solar{Month: time.September, Day: 15}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := f.orch.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.RunFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "maintenance cancelled")

	stored, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, stored.Status)
}

// blockingCalendar parks Extend until release is closed.
type blockingCalendar struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingCalendar) Today() time.Time { return model.Date(2025, 6, 10) }
func (b *blockingCalendar) TargetYear() int  { return 2030 }
func (b *blockingCalendar) Extend(context.Context, model.Rule, int) (calendar.Result, error) {
	if b.calls.Add(1) == 1 {
		close(b.entered)
	}
	<-b.release
	return calendar.Result{Inserted: 1}, nil
}

func TestRun_RejectsConcurrentRuns(t *testing.T) {
	store := memstore.New()
	require.NoError(t, store.SaveRule(context.Background(), model.Rule{ID: "a", Version: 1, Variant: model.Solar{Month: 1, Day: 1}}))
	cal := &blockingCalendar{entered: make(chan struct{}), release: make(chan struct{})}
	orch := New(Config{Store: store, Calendar: cal, Terms: solarterm.NewTable(store, nil), Now: func() time.Time { return now }})

	done := make(chan error, 1)
	go func() {
		_, err := orch.Run(context.Background())
		done <- err
	}()
	<-cal.entered

	_, err := orch.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(cal.release)
	require.NoError(t, <-done)
}

type failingRunner struct{}

func (failingRunner) Run(context.Context) (model.MaintenanceRun, error) {
	return model.MaintenanceRun{ID: "r9", TargetYear: 2030, Status: model.RunFailed}, errors.New("store unavailable")
}

type countingPruner struct{ calls atomic.Int32 }

func (p *countingPruner) PruneCache(context.Context) (int64, error) {
	p.calls.Add(1)
	return 3, nil
}

func TestScheduler_JobsAndFailures(t *testing.T) {
	store := memstore.New()
	rec := failures.NewRecorder(store, nil)
	pruner := &countingPruner{}

	s, err := NewScheduler(SchedulerConfig{Runner: failingRunner{}, Pruner: pruner, Recorder: rec, Location: time.UTC})
	require.NoError(t, err)
	assert.Len(t, s.cron.Entries(), 2)

	s.runMaintenance()
	errs, err := rec.List(context.Background(), "maintenance", true)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, model.ErrorCronFailure, errs[0].Type)
	assert.Equal(t, "r9", errs[0].Context["run_id"])

	s.pruneCache()
	assert.EqualValues(t, 1, pruner.calls.Load())

	s.Start()
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(stopCtx)
}

func TestScheduler_InvalidSpec(t *testing.T) {
	_, err := NewScheduler(SchedulerConfig{Runner: failingRunner{}, MaintenanceSpec: "every day"})
	assert.Error(t, err)

	assert.NoError(t, ValidateSpec("0 3 * * *"))
	assert.NoError(t, ValidateSpec("@daily"))
	assert.Error(t, ValidateSpec("61 * * * *"))
}
