package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"festcal/internal/calendar"
	"festcal/internal/config"
	"festcal/internal/generate"
	"festcal/internal/ics"
	appLog "festcal/internal/log"
	"festcal/internal/maintenance"
	"festcal/internal/model"
	"festcal/internal/rule"
)

// Calendar is the set of operations the API exposes (normally a
// *calendar.Service).
type Calendar interface {
	Today() time.Time
	SaveRule(ctx context.Context, r model.Rule) error
	Rule(ctx context.Context, id string) (model.Rule, error)
	Rules(ctx context.Context) ([]model.Rule, error)
	GenerateOccurrences(ctx context.Context, eventID string, opts calendar.Options) (calendar.Result, error)
	EnsureOccurrences(ctx context.Context, eventID string) (calendar.Result, error)
	ClearOccurrences(ctx context.Context, eventID string, version *int) (bool, error)
	NextOccurrence(ctx context.Context, eventID string, after *time.Time) (model.Occurrence, bool, error)
	OccurrencesForYear(ctx context.Context, eventID string, year int) ([]model.Occurrence, error)
	Occurrences(ctx context.Context, eventID string) ([]model.Occurrence, error)
	Upcoming(ctx context.Context, days int) ([]model.Occurrence, error)
}

// ErrorLog lists and resolves generation errors (normally a
// *failures.Recorder).
type ErrorLog interface {
	List(ctx context.Context, eventID string, unresolvedOnly bool) ([]model.GenerationError, error)
	Resolve(ctx context.Context, eventID string) (int64, error)
}

// Server provides the HTTP/JSON API over the calendar operations.
type Server struct {
	cfg      *config.Config
	cal      Calendar
	maint    maintenance.Runner
	errorLog ErrorLog
	mux      *http.ServeMux
}

// NewServer constructs a new Server. maint and errorLog may be nil, in
// which case their endpoints answer 503.
func NewServer(cfg *config.Config, cal Calendar, maint maintenance.Runner, errorLog ErrorLog) *Server {
	s := &Server{
		cfg:      cfg,
		cal:      cal,
		maint:    maint,
		errorLog: errorLog,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="festcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/rules", s.handleListRules)
	s.mux.HandleFunc("POST /api/rules", s.handleSaveRule)
	s.mux.HandleFunc("GET /api/rules/{id}", s.handleGetRule)

	s.mux.HandleFunc("GET /api/events/{id}/occurrences", s.handleOccurrences)
	s.mux.HandleFunc("DELETE /api/events/{id}/occurrences", s.handleClear)
	s.mux.HandleFunc("GET /api/events/{id}/next", s.handleNext)
	s.mux.HandleFunc("POST /api/events/{id}/generate", s.handleGenerate)
	s.mux.HandleFunc("POST /api/events/{id}/ensure", s.handleEnsure)
	s.mux.HandleFunc("GET /api/events/{id}/calendar.ics", s.handleICS)
	s.mux.HandleFunc("POST /api/events/{id}/errors/resolve", s.handleResolveErrors)

	s.mux.HandleFunc("GET /api/upcoming", s.handleUpcoming)
	s.mux.HandleFunc("GET /api/errors", s.handleErrors)
	s.mux.HandleFunc("POST /api/maintenance", s.handleMaintenance)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// ruleDTO is the JSON view of a stored rule.
type ruleDTO struct {
	rule.Raw
	Kind           model.VariantKind `json:"kind"`
	GeneratedUntil *int              `json:"generated_until,omitempty"`
}

func toRuleDTO(r model.Rule) ruleDTO {
	return ruleDTO{Raw: rule.ToRaw(r), Kind: r.Variant.Kind(), GeneratedUntil: r.GeneratedUntil}
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.cal.Rules(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]ruleDTO, 0, len(rules))
	for _, rl := range rules {
		out = append(out, toRuleDTO(rl))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rl, err := s.cal.Rule(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(rl))
}

// handleSaveRule stores one rule given as a raw JSON object, e.g.
//
//	{"id":"mazu","rule_version":1,"lunar_month":3,"lunar_day":23}
func (s *Server) handleSaveRule(w http.ResponseWriter, r *http.Request) {
	var raw rule.Raw
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule JSON: "+err.Error())
		return
	}
	rl, err := rule.Parse(raw)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.cal.SaveRule(r.Context(), rl); err != nil {
		s.fail(w, r, err)
		return
	}
	appLog.Info("rule saved via api", "event_id", rl.ID, "version", rl.Version, "kind", rl.Variant.Kind())
	saved, err := s.cal.Rule(r.Context(), rl.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleDTO(saved))
}

// handleOccurrences returns the occurrences of one event, all of them or
// those of ?year=.
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var (
		occs []model.Occurrence
		err  error
	)
	if ys := r.URL.Query().Get("year"); ys != "" {
		year, perr := strconv.Atoi(ys)
		if perr != nil || year <= 0 {
			writeError(w, http.StatusBadRequest, "year must be a positive integer")
			return
		}
		occs, err = s.cal.OccurrencesForYear(r.Context(), id, year)
	} else {
		occs, err = s.cal.Occurrences(r.Context(), id)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, occurrencesResponse{EventID: id, Occurrences: nonNil(occs)})
}

type occurrencesResponse struct {
	EventID     string             `json:"event_id,omitempty"`
	Occurrences []model.Occurrence `json:"occurrences"`
}

func nonNil(occs []model.Occurrence) []model.Occurrence {
	if occs == nil {
		return []model.Occurrence{}
	}
	return occs
}

// handleNext answers the first occurrence strictly after ?after= (default
// today). 404 means nothing is materialized past that date.
func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	var after *time.Time
	if v := r.URL.Query().Get("after"); v != "" {
		t, err := model.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be YYYY-MM-DD")
			return
		}
		after = &t
	}
	occ, ok, err := s.cal.NextOccurrence(r.Context(), r.PathValue("id"), after)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no upcoming occurrence")
		return
	}
	writeJSON(w, http.StatusOK, occ)
}

// handleGenerate runs GenerateOccurrences with optional ?start_year=,
// ?end_year= and ?force=true.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var opts calendar.Options
	for _, p := range []struct {
		name string
		dst  **int
	}{{"start_year", &opts.StartYear}, {"end_year", &opts.EndYear}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, p.name+" must be an integer")
			return
		}
		*p.dst = &n
	}
	if v := q.Get("force"); v != "" {
		force, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "force must be a boolean")
			return
		}
		opts.Force = force
	}

	res, err := s.cal.GenerateOccurrences(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEnsure(w http.ResponseWriter, r *http.Request) {
	res, err := s.cal.EnsureOccurrences(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleClear deletes occurrences, optionally only those of ?version=.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var version *int
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "version must be a non-negative integer")
			return
		}
		version = &n
	}
	deleted, err := s.cal.ClearOccurrences(r.Context(), r.PathValue("id"), version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (s *Server) handleICS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cal.Rule(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	occs, err := s.cal.Occurrences(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := ics.Export(&buf, id, occs, time.Now()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", id+".ics"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// handleUpcoming lists occurrences of all events in the next ?days= days
// (default 30).
func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	days := parseIntDefault(r.URL.Query().Get("days"), 30)
	if days <= 0 || days > 3660 {
		writeError(w, http.StatusBadRequest, "days must be between 1 and 3660")
		return
	}
	occs, err := s.cal.Upcoming(r.Context(), days)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, occurrencesResponse{Occurrences: nonNil(occs)})
}

// handleErrors lists generation errors. By default only unresolved ones;
// ?all=true includes resolved records. ?event_id= filters.
func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	if s.errorLog == nil {
		writeError(w, http.StatusServiceUnavailable, "error log not configured")
		return
	}
	q := r.URL.Query()
	all, _ := strconv.ParseBool(q.Get("all"))
	errs, err := s.errorLog.List(r.Context(), q.Get("event_id"), !all)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, errs)
}

func (s *Server) handleResolveErrors(w http.ResponseWriter, r *http.Request) {
	if s.errorLog == nil {
		writeError(w, http.StatusServiceUnavailable, "error log not configured")
		return
	}
	n, err := s.errorLog.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"resolved": n})
}

// handleMaintenance executes one maintenance run synchronously. The run is
// detached from the request so a dropped client does not fail it.
func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if s.maint == nil {
		writeError(w, http.StatusServiceUnavailable, "maintenance not configured")
		return
	}
	run, err := s.maint.Run(context.WithoutCancel(r.Context()))
	if err != nil {
		if errors.Is(err, maintenance.ErrRunInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		appLog.Error("api maintenance run failed", err, "run_id", run.ID)
		writeJSON(w, http.StatusInternalServerError, run)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// fail maps err to a status code and writes it as JSON.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		appLog.Error("api request failed", err, "method", r.Method, "path", r.URL.Path, "status", status)
	} else {
		appLog.Debug("api request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, calendar.ErrInvalidSpan):
		return http.StatusBadRequest
	case errors.Is(err, maintenance.ErrRunInProgress):
		return http.StatusConflict
	}
	typ, _ := generate.Classify(err)
	switch typ {
	case model.ErrorInvalidRule:
		return http.StatusUnprocessableEntity
	case model.ErrorLunarConversion, model.ErrorSolarTermLookup:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func parseIntDefault(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
