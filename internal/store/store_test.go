package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"festcal/internal/model"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "festcal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var genAt = time.Date(2025, 1, 2, 3, 4, 5, 600, time.UTC)

func occ(id string, d time.Time, version int) model.Occurrence {
	return model.Occurrence{EventID: id, Date: d, Year: d.Year(), RuleVersion: version, GeneratedAt: genAt}
}

func TestOpen_MigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "festcal.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(context.Background()))

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestRules_SaveGetList(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	rules := []model.Rule{
		{ID: "mazu", Version: 1, Variant: model.Lunar{Month: 3, Day: 23}},
		{ID: "founding", Version: 1, Variant: model.Solar{Month: time.September, Day: 15}},
		{ID: "wedding", Version: 1, Variant: model.OneTime{Date: model.Date(2025, time.December, 20)}},
		{ID: "tomb-sweeping", Version: 1, Variant: model.SolarTerm{Name: "qingming"}},
	}
	for _, r := range rules {
		require.NoError(t, s.SaveRule(ctx, r))
	}

	got, err := s.GetRule(ctx, "mazu")
	require.NoError(t, err)
	assert.Equal(t, model.Lunar{Month: 3, Day: 23, LeapBehavior: model.NeverLeap}, got.Variant)
	assert.Nil(t, got.GeneratedUntil)

	list, err := s.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, "founding", list[0].ID)
	assert.Equal(t, model.OneTime{Date: model.Date(2025, time.December, 20)}, list[3].Variant)

	_, err = s.GetRule(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, s.SetGeneratedUntil(ctx, "nope", nil), model.ErrNotFound)
}

func TestRules_RejectsInvalid(t *testing.T) {
	s := openTest(t)
	err := s.SaveRule(context.Background(), model.Rule{ID: "bad", Variant: model.Lunar{Month: 13, Day: 1}})
	assert.Error(t, err)

	// The CHECK constraint rejects rows mixing variant groups.
	_, err = s.db.Exec(`INSERT INTO rules (id, rule_version, lunar_month, lunar_day, solar_month, solar_day, updated_at)
		VALUES ('mixed', 1, 1, 1, 1, 1, '2025-01-01T00:00:00Z')`)
	assert.Error(t, err)
}

func TestRules_VersionChangeResetsGeneratedUntil(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	r := model.Rule{ID: "mazu", Version: 1, Variant: model.Lunar{Month: 3, Day: 23}}
	require.NoError(t, s.SaveRule(ctx, r))

	until := 2030
	require.NoError(t, s.SetGeneratedUntil(ctx, "mazu", &until))

	require.NoError(t, s.SaveRule(ctx, r))
	got, err := s.GetRule(ctx, "mazu")
	require.NoError(t, err)
	require.NotNil(t, got.GeneratedUntil)
	assert.Equal(t, 2030, *got.GeneratedUntil)

	r.Version = 2
	require.NoError(t, s.SaveRule(ctx, r))
	got, err = s.GetRule(ctx, "mazu")
	require.NoError(t, err)
	assert.Nil(t, got.GeneratedUntil)
	assert.Equal(t, 2, got.Version)
}

func TestOccurrences_UniqueAndReplace(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.SaveRule(ctx, model.Rule{ID: "founding", Version: 1, Variant: model.Solar{Month: 9, Day: 15}}))

	batch := []model.Occurrence{
		occ("founding", model.Date(2025, 9, 15), 1),
		occ("founding", model.Date(2026, 9, 15), 1),
	}
	n, err := s.UpsertOccurrences(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.UpsertOccurrences(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "existing (event, date) pairs are left alone")

	stale, err := s.HasStaleOccurrences(ctx, "founding", 2)
	require.NoError(t, err)
	assert.True(t, stale)

	inserted, deleted, err := s.ReplaceOccurrences(ctx, "founding", []model.Occurrence{occ("founding", model.Date(2027, 9, 15), 2)})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
	assert.Equal(t, 2, deleted)

	list, err := s.ListOccurrences(ctx, "founding")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.Date(2027, 9, 15), list[0].Date)
	assert.Equal(t, genAt, list[0].GeneratedAt)
	assert.Equal(t, 2, list[0].RuleVersion)
}

func TestOccurrences_Queries(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.SaveRule(ctx, model.Rule{ID: "ny", Version: 1, Variant: model.Lunar{Month: 12, Day: 23}}))

	// Lunar 12-23 of 2025 falls in January 2026.
	late := model.Occurrence{EventID: "ny", Date: model.Date(2026, 1, 11), Year: 2025, RuleVersion: 1, GeneratedAt: genAt}
	leap := model.Occurrence{EventID: "ny", Date: model.Date(2026, 3, 1), Year: 2026, IsLeapMonth: true, RuleVersion: 1, GeneratedAt: genAt}
	early := model.Occurrence{EventID: "ny", Date: model.Date(2024, 1, 2), Year: 2023, RuleVersion: 1, GeneratedAt: genAt}
	_, err := s.UpsertOccurrences(ctx, []model.Occurrence{late, leap, early})
	require.NoError(t, err)

	byYear, err := s.OccurrencesByYear(ctx, "ny", 2025)
	require.NoError(t, err)
	require.Len(t, byYear, 1)
	assert.Equal(t, late.Date, byYear[0].Date)

	next, ok, err := s.NextOccurrence(ctx, "ny", model.Date(2026, 1, 11))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, leap.Date, next.Date, "strictly after the reference date")
	assert.True(t, next.IsLeapMonth)

	_, ok, err = s.NextOccurrence(ctx, "ny", model.Date(2027, 1, 1))
	require.NoError(t, err)
	assert.False(t, ok)

	up, err := s.UpcomingOccurrences(ctx, model.Date(2026, 1, 1), model.Date(2026, 12, 31))
	require.NoError(t, err)
	assert.Len(t, up, 2)

	n, err := s.DeleteOccurrencesBefore(ctx, model.Date(2025, 1, 1))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	v := 2
	n, err = s.ClearOccurrences(ctx, "ny", &v)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	n, err = s.ClearOccurrences(ctx, "ny", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestConversionCache(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	key := model.ConversionKey{LunarYear: 2025, LunarMonth: 8, LunarDay: 15}

	_, ok, err := s.GetConversion(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutConversion(ctx, model.ConversionCacheEntry{
		Key: key, SolarDates: []time.Time{model.Date(2025, 10, 6)}, Source: model.SourceCalculator, CachedAt: old,
	}))
	leapKey := key
	leapKey.IsLeap = true
	require.NoError(t, s.PutConversion(ctx, model.ConversionCacheEntry{
		Key: leapKey, SolarDates: []time.Time{model.Date(2025, 11, 4)}, Source: model.SourceAuthoritative, CachedAt: old.Add(90 * 24 * time.Hour),
	}))

	e, ok, err := s.GetConversion(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []time.Time{model.Date(2025, 10, 6)}, e.SolarDates)
	assert.Equal(t, model.SourceCalculator, e.Source)
	assert.Equal(t, old, e.CachedAt)

	n, err := s.PruneConversions(ctx, old.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, ok, _ = s.GetConversion(ctx, key)
	assert.False(t, ok)
	_, ok, _ = s.GetConversion(ctx, leapKey)
	assert.True(t, ok)
}

func TestGenerationErrors(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	id, err := s.AppendGenerationError(ctx, model.GenerationError{
		EventID:    "mazu",
		Type:       model.ErrorLunarConversion,
		Message:    "all sources failed",
		Retryable:  true,
		Context:    map[string]any{"year": 2027, "attempted_sources": []string{"calculator"}},
		OccurredAt: genAt,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)
	_, err = s.AppendGenerationError(ctx, model.GenerationError{EventID: "other", Type: model.ErrorInvalidRule, Message: "bad", OccurredAt: genAt})
	require.NoError(t, err)

	list, err := s.ListGenerationErrors(ctx, "mazu", true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.ErrorLunarConversion, list[0].Type)
	assert.True(t, list[0].Retryable)
	assert.EqualValues(t, 2027, list[0].Context["year"])

	n, err := s.ResolveGenerationErrors(ctx, "mazu", genAt.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	list, err = s.ListGenerationErrors(ctx, "", true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "other", list[0].EventID)

	list, err = s.ListGenerationErrors(ctx, "", false)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	require.NotNil(t, list[0].ResolvedAt)
}

func TestMaintenanceRuns(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	_, ok, err := s.LatestRun(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	run := model.MaintenanceRun{ID: "r1", TargetYear: 2030, Status: model.RunRunning, StartedAt: genAt}
	require.NoError(t, s.CreateRun(ctx, run))
	require.Error(t, s.CreateRun(ctx, run), "ids are unique")
	require.NoError(t, s.CreateRun(ctx, model.MaintenanceRun{ID: "r2", TargetYear: 2031, Status: model.RunRunning, StartedAt: genAt}))

	done := genAt.Add(time.Minute)
	run.Status = model.RunCompleted
	run.EventsProcessed = 3
	run.OccurrencesCreated = 12
	run.CompletedAt = &done
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, got.Status)
	assert.Equal(t, 12, got.OccurrencesCreated)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, done, *got.CompletedAt)

	latest, ok, err := s.LatestRun(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r2", latest.ID)

	assert.ErrorIs(t, s.UpdateRun(ctx, model.MaintenanceRun{ID: "zz", Status: model.RunFailed}), model.ErrNotFound)
	_, err = s.GetRun(ctx, "zz")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSolarTerms(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	has, err := s.HasSolarTermYear(ctx, 2025)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.SaveSolarTerms(ctx, []model.SolarTermDate{
		{Year: 2025, Name: "qingming", Date: model.Date(2025, 4, 4)},
		{Year: 2025, Name: "dongzhi", Date: model.Date(2025, 12, 21)},
	}))

	d, ok, err := s.SolarTermDate(ctx, 2025, "QingMing")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.Date(2025, 4, 4), d)

	has, err = s.HasSolarTermYear(ctx, 2025)
	require.NoError(t, err)
	assert.True(t, has)

	_, ok, err = s.SolarTermDate(ctx, 2026, "qingming")
	require.NoError(t, err)
	assert.False(t, ok)
}
