package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"qazna.org/esign/internal/auth"
	"qazna.org/esign/internal/envelope"
	"qazna.org/esign/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request (correlation) identifier to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the correlation id if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit trace line enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		entry["user_id"] = userID
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// LogSink emits one trace line per committed chain entry.
type LogSink struct{}

func (LogSink) Emit(ctx context.Context, correlationID string, entry envelope.AuditEntry) {
	if correlationID != "" {
		ctx = WithRequestID(ctx, correlationID)
	}
	_ = LogEvent(ctx, "esign."+entry.Action, map[string]any{
		"audit_id":     entry.ID,
		"signature_id": entry.SignatureID,
		"actor":        entry.Actor,
		"entry_hash":   entry.EntryHash,
		"metadata":     entry.Metadata,
	})
}
