package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"festcal/internal/calendar"
	"festcal/internal/config"
	"festcal/internal/failures"
	"festcal/internal/generate"
	"festcal/internal/lunar"
	"festcal/internal/maintenance"
	"festcal/internal/model"
	"festcal/internal/solarterm"
	"festcal/internal/store/memstore"
)

var now = time.Date(2025, time.June, 10, 9, 0, 0, 0, time.UTC)

// plusOneConverter puts lunar M/D on solar (M+1)/D and fails lunar month 4.
type plusOneConverter struct{}

func (plusOneConverter) Convert(_ context.Context, d lunar.Date, _ lunar.Options) (lunar.Result, error) {
	if d.Month == 4 {
		return lunar.Result{}, &lunar.ConversionError{Date: d, Attempts: []lunar.Attempt{{Source: model.SourceCalculator, Err: errors.New("timeout")}}}
	}
	if d.Leap {
		return lunar.Result{}, lunar.ErrNoLeapMonth
	}
	return lunar.Result{Dates: []time.Time{model.Date(d.Year, time.Month(d.Month+1), d.Day)}}, nil
}

type stubRunner struct {
	run model.MaintenanceRun
	err error
}

func (s stubRunner) Run(context.Context) (model.MaintenanceRun, error) { return s.run, s.err }

func newTestServer(t *testing.T, cfg *config.Config, runner maintenance.Runner) *httptest.Server {
	t.Helper()
	store := memstore.New()
	clock := func() time.Time { return now }
	rec := failures.NewRecorder(store, clock)
	gen := generate.New(generate.Config{Converter: plusOneConverter{}, Terms: solarterm.NewTable(store, nil), Now: clock})
	cal := calendar.New(calendar.Config{Store: store, Generator: gen, Recorder: rec, Location: time.UTC, Now: clock})

	srv := httptest.NewServer(NewServer(cfg, cal, runner, rec).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf strings.Builder
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, []byte(buf.String())
}

func TestHealthAndBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "s3cret"}
	srv := newTestServer(t, cfg, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/rules", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/rules", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "s3cret")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)
}

func TestRuleLifecycle(t *testing.T) {
	srv := newTestServer(t, config.DefaultConfig(), nil)
	base := srv.URL + "/api"

	resp, body := do(t, http.MethodPost, base+"/rules", `{"id":"founding","rule_version":1,"solar_month":9,"solar_day":15}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var saved ruleDTO
	require.NoError(t, json.Unmarshal(body, &saved))
	assert.Equal(t, model.KindSolar, saved.Kind)
	assert.Nil(t, saved.GeneratedUntil)

	resp, body = do(t, http.MethodPost, base+"/events/founding/generate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res calendar.Result
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, 2025, res.StartYear)
	assert.Equal(t, 2030, res.EndYear)
	assert.Equal(t, 6, res.Inserted)

	resp, body = do(t, http.MethodGet, base+"/events/founding/occurrences?year=2027", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var occs occurrencesResponse
	require.NoError(t, json.Unmarshal(body, &occs))
	require.Len(t, occs.Occurrences, 1)
	assert.Equal(t, model.Date(2027, time.September, 15), occs.Occurrences[0].Date)

	resp, body = do(t, http.MethodGet, base+"/events/founding/next", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var next model.Occurrence
	require.NoError(t, json.Unmarshal(body, &next))
	assert.Equal(t, model.Date(2025, time.September, 15), next.Date)

	resp, body = do(t, http.MethodGet, base+"/events/founding/next?after=2025-09-15", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &next))
	assert.Equal(t, model.Date(2026, time.September, 15), next.Date)

	resp, body = do(t, http.MethodGet, base+"/upcoming?days=120", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &occs))
	assert.Len(t, occs.Occurrences, 1)

	resp, body = do(t, http.MethodGet, base+"/events/founding/calendar.ics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/calendar; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "BEGIN:VCALENDAR")
	assert.Equal(t, 6, strings.Count(string(body), "BEGIN:VEVENT"))

	resp, body = do(t, http.MethodDelete, base+"/events/founding/occurrences?version=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"deleted":true}`, string(body))

	resp, body = do(t, http.MethodGet, base+"/rules/founding", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &saved))
	assert.Nil(t, saved.GeneratedUntil)

	resp, _ = do(t, http.MethodGet, base+"/events/founding/next", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBadRequests(t *testing.T) {
	srv := newTestServer(t, config.DefaultConfig(), nil)
	base := srv.URL + "/api"

	resp, _ := do(t, http.MethodPost, base+"/rules", `{"id":"x","lunar_mnth":3}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, base+"/rules", `{"id":"x","lunar_month":3,"lunar_day":1,"solar_month":1,"solar_day":1}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, base+"/rules/ghost", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, base+"/events/ghost/generate", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, base+"/rules", `{"id":"founding","solar_month":9,"solar_day":15}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	for _, url := range []string{
		base + "/events/founding/generate?start_year=2030&end_year=2025",
		base + "/events/founding/generate?start_year=soon",
		base + "/events/founding/generate?force=maybe",
	} {
		resp, _ = do(t, http.MethodPost, url, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, url)
	}
	for _, url := range []string{
		base + "/events/founding/occurrences?year=-1",
		base + "/events/founding/next?after=tomorrow",
		base + "/upcoming?days=abc",
	} {
		resp, _ = do(t, http.MethodGet, url, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, url)
	}
	resp, _ = do(t, http.MethodDelete, base+"/events/founding/occurrences?version=x", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConversionFailureIsRecordedAndResolvable(t *testing.T) {
	srv := newTestServer(t, config.DefaultConfig(), nil)
	base := srv.URL + "/api"

	resp, _ := do(t, http.MethodPost, base+"/rules", `{"id":"buddha","lunar_month":4,"lunar_day":8}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, base+"/events/buddha/ensure", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, body := do(t, http.MethodGet, base+"/errors?event_id=buddha", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var errs []model.GenerationError
	require.NoError(t, json.Unmarshal(body, &errs))
	require.Len(t, errs, 1)
	assert.Equal(t, model.ErrorLunarConversion, errs[0].Type)
	assert.True(t, errs[0].Retryable)

	resp, body = do(t, http.MethodPost, base+"/events/buddha/errors/resolve", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"resolved":1}`, string(body))

	_, body = do(t, http.MethodGet, base+"/errors", "")
	assert.JSONEq(t, `[]`, string(body))

	_, body = do(t, http.MethodGet, base+"/errors?all=true", "")
	require.NoError(t, json.Unmarshal(body, &errs))
	require.Len(t, errs, 1)
	assert.NotNil(t, errs[0].ResolvedAt)
}

func TestMaintenanceEndpoint(t *testing.T) {
	srv := newTestServer(t, config.DefaultConfig(), nil)
	resp, _ := do(t, http.MethodPost, srv.URL+"/api/maintenance", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	srv = newTestServer(t, config.DefaultConfig(), stubRunner{err: maintenance.ErrRunInProgress})
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/maintenance", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	done := model.MaintenanceRun{ID: "r1", TargetYear: 2030, Status: model.RunCompleted, EventsProcessed: 2}
	srv = newTestServer(t, config.DefaultConfig(), stubRunner{run: done})
	resp, body := do(t, http.MethodPost, srv.URL+"/api/maintenance", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got model.MaintenanceRun
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, model.RunCompleted, got.Status)

	failed := model.MaintenanceRun{ID: "r2", Status: model.RunFailed, ErrorMessage: "list rules: locked"}
	srv = newTestServer(t, config.DefaultConfig(), stubRunner{run: failed, err: errors.New("locked")})
	resp, body = do(t, http.MethodPost, srv.URL+"/api/maintenance", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(body), "list rules: locked")
}
