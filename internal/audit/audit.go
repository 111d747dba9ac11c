package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"keywarden.org/internal/ids"
	"keywarden.org/internal/obs"
	"keywarden.org/internal/vault"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// requestIDFromContext extracts the audit request id from context if present.
func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Recorder persists audit events through the store's append-only log and
// mirrors each event as a structured JSON log line. There is no update or
// delete path by contract.
type Recorder struct {
	store vault.AuditStore
	now   func() time.Time
}

// NewRecorder builds a recorder over the given append-only store.
func NewRecorder(store vault.AuditStore) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// Record appends one event. The event is stamped and mirrored to the log even
// when context enrichment is absent; a missing action is the only input error.
func (r *Recorder) Record(ctx context.Context, event vault.AuditEvent) error {
	event.Action = strings.TrimSpace(event.Action)
	if event.Action == "" {
		return errors.New("audit: action is required")
	}
	if event.ID == "" {
		event.ID = ids.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now().UTC()
	}
	if err := r.store.Append(ctx, &event); err != nil {
		return err
	}
	obs.CountDomainEvent(event.Action)
	r.logLine(ctx, &event)
	return nil
}

func (r *Recorder) logLine(ctx context.Context, event *vault.AuditEvent) {
	entry := map[string]any{
		"ts":    event.CreatedAt.Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event.Action,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if event.ResourceID != "" {
		entry["resource_id"] = event.ResourceID
	}
	if event.Actor != "" {
		entry["actor"] = event.Actor
	}
	if event.Resolver != "" {
		entry["resolver"] = event.Resolver
	}
	if event.Status != "" {
		entry["status"] = event.Status
	}
	if len(event.Context) > 0 {
		entry["fields"] = event.Context
	}
	obs.LogRequest(entry)
}
