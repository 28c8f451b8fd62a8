package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"qazna.org/esign/internal/auth"
	"qazna.org/esign/internal/envelope"
	"qazna.org/esign/internal/obs"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func TestLogEvent(t *testing.T) {
	buf := captureLog(t)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithUser(ctx, "user-42", []string{"esign_operator"})

	if err := LogEvent(ctx, "audit.test", map[string]any{"foo": "bar"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" || entry["event"] != "audit.test" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" {
		t.Fatalf("unexpected user id: %v", entry["user_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogSinkUsesCorrelationID(t *testing.T) {
	buf := captureLog(t)

	LogSink{}.Emit(context.Background(), "corr-9", envelope.AuditEntry{
		ID:          "a1",
		SignatureID: "env_1",
		Action:      "envelope_created",
		Actor:       "ops@x.com",
		Metadata:    json.RawMessage(`{"status":"sent"}`),
		EntryHash:   "abc",
	})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["event"] != "esign.envelope_created" || entry["request_id"] != "corr-9" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}
