package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"qazna.org/esign/internal/envelope"
	"qazna.org/esign/internal/ids"
	"qazna.org/esign/internal/obs"
)

// TimestampLayout is the ISO-8601 form of createdAt that enters the hash.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Sink receives committed audit entries keyed by correlation id.
type Sink interface {
	Emit(ctx context.Context, correlationID string, entry envelope.AuditEntry)
}

// Chain appends hash-linked audit entries. The caller's envelope.Tx provides
// the per-envelope serialization that keeps the chain from forking.
type Chain struct {
	now   func() time.Time
	sinks []Sink
}

// Option configures Chain.
type Option func(*Chain)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSinks registers trace sinks notified by Emit.
func WithSinks(sinks ...Sink) Option {
	return func(c *Chain) {
		for _, s := range sinks {
			if s != nil {
				c.sinks = append(c.sinks, s)
			}
		}
	}
}

// NewChain constructs a Chain.
func NewChain(opts ...Option) *Chain {
	c := &Chain{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append links a new entry to the envelope's latest entry and stages it in tx.
func (c *Chain) Append(ctx context.Context, tx envelope.Tx, action, actor string, metadata any) (envelope.AuditEntry, error) {
	action = strings.TrimSpace(action)
	if action == "" {
		return envelope.AuditEntry{}, errors.New("audit: action is required")
	}
	meta, err := Canonicalize(metadata)
	if err != nil {
		return envelope.AuditEntry{}, fmt.Errorf("audit: encode metadata: %w", err)
	}
	prev, err := tx.LastAuditHash(ctx)
	if err != nil {
		return envelope.AuditEntry{}, fmt.Errorf("audit: read previous hash: %w", err)
	}
	created := envelope.Timestamp(c.now())
	entry := envelope.AuditEntry{
		ID:           ids.NewAt(created),
		SignatureID:  tx.EnvelopeID(),
		Action:       action,
		Actor:        actor,
		Metadata:     meta,
		CreatedAt:    created,
		PreviousHash: prev,
	}
	entry.EntryHash = ComputeHash(entry.PreviousHash, entry.SignatureID, entry.Action, entry.Actor, entry.CreatedAt, meta)
	if err := tx.AppendAudit(ctx, entry); err != nil {
		return envelope.AuditEntry{}, fmt.Errorf("audit: append: %w", err)
	}
	return entry, nil
}

// Emit forwards committed entries to every sink. Sinks cannot fail or panic
// the caller.
func (c *Chain) Emit(ctx context.Context, correlationID string, entries ...envelope.AuditEntry) {
	for _, entry := range entries {
		for _, sink := range c.sinks {
			emitSafely(ctx, sink, correlationID, entry)
		}
	}
}

func emitSafely(ctx context.Context, sink Sink, correlationID string, entry envelope.AuditEntry) {
	defer func() {
		if r := recover(); r != nil {
			obs.LogEvent("error", "audit sink panicked", map[string]any{
				"signature_id": entry.SignatureID,
				"panic":        fmt.Sprint(r),
			})
		}
	}()
	sink.Emit(ctx, correlationID, entry)
}

// ComputeHash returns hex(sha256(previousHash || signatureID || action || actor || createdAt || metadata)).
func ComputeHash(previousHash, signatureID, action, actor string, createdAt time.Time, metadata []byte) string {
	h := sha256.New()
	h.Write([]byte(previousHash))
	h.Write([]byte(signatureID))
	h.Write([]byte(action))
	h.Write([]byte(actor))
	h.Write([]byte(createdAt.UTC().Format(TimestampLayout)))
	h.Write(metadata)
	return hex.EncodeToString(h.Sum(nil))
}

// Canonicalize encodes metadata as compact JSON with object keys sorted. The
// result is hashed as is, so it must be stored verbatim (json or text, never
// jsonb, which reorders keys and rewrites numbers).
func Canonicalize(metadata any) (json.RawMessage, error) {
	var raw []byte
	switch v := metadata.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, err
	}
	return out, nil
}
