// Package failures is the append-only generation error log.
package failures

import (
	"context"
	"fmt"
	"time"

	"festcal/internal/generate"
	appLog "festcal/internal/log"
	"festcal/internal/model"
)

// Store persists GenerationErrors.
type Store interface {
	AppendGenerationError(ctx context.Context, e model.GenerationError) (int64, error)
	ListGenerationErrors(ctx context.Context, eventID string, unresolvedOnly bool) ([]model.GenerationError, error)
	ResolveGenerationErrors(ctx context.Context, eventID string, at time.Time) (int64, error)
}

// Recorder appends classified errors to the log.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder returns a Recorder. now defaults to time.Now.
func NewRecorder(store Store, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{store: store, now: now}
}

// Record appends one GenerationError. Existing records are never touched.
func (r *Recorder) Record(ctx context.Context, eventID string, typ model.ErrorType, message string, retryable bool, details map[string]any) (model.GenerationError, error) {
	if details == nil {
		details = map[string]any{}
	}
	e := model.GenerationError{
		EventID:    eventID,
		Type:       typ,
		Message:    message,
		Retryable:  retryable,
		Context:    details,
		OccurredAt: r.now().UTC(),
	}
	id, err := r.store.AppendGenerationError(ctx, e)
	if err != nil {
		appLog.Error("could not record generation error", err, "event_id", eventID, "error_type", typ, "message", message)
		return model.GenerationError{}, fmt.Errorf("record generation error: %w", err)
	}
	e.ID = id

	appLog.Warn("generation error recorded", "id", id, "event_id", eventID, "error_type", typ, "retryable", retryable, "message", message)
	return e, nil
}

// RecordError classifies err and records it.
func (r *Recorder) RecordError(ctx context.Context, eventID string, err error) (model.GenerationError, error) {
	typ, retryable := generate.Classify(err)
	return r.Record(ctx, eventID, typ, err.Error(), retryable, generate.ContextOf(err))
}

// List returns logged errors, optionally only unresolved ones. An empty
// eventID lists all events.
func (r *Recorder) List(ctx context.Context, eventID string, unresolvedOnly bool) ([]model.GenerationError, error) {
	return r.store.ListGenerationErrors(ctx, eventID, unresolvedOnly)
}

// Resolve marks the open errors of eventID as resolved.
func (r *Recorder) Resolve(ctx context.Context, eventID string) (int64, error) {
	n, err := r.store.ResolveGenerationErrors(ctx, eventID, r.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("resolve generation errors: %w", err)
	}
	if n > 0 {
		appLog.Info("generation errors resolved", "event_id", eventID, "count", n)
	}
	return n, nil
}
