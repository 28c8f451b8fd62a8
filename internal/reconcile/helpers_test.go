package reconcile

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"qazna.org/esign/internal/audit"
	"qazna.org/esign/internal/envelope"
	"qazna.org/esign/internal/provider"
)

// stubAdapter lets tests script provider responses.
type stubAdapter struct {
	create func(jobID, documentID string, signers []provider.SignerInput) (provider.Envelope, error)
	get    func(id string) (provider.Envelope, error)
	cert   func(id string) (provider.Certificate, error)

	mu    sync.Mutex
	calls []string
}

func (s *stubAdapter) Name() string { return "stub" }

func (s *stubAdapter) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *stubAdapter) CreateEnvelope(ctx context.Context, jobID, documentID string, signers []provider.SignerInput) (provider.Envelope, error) {
	s.record("create")
	return s.create(jobID, documentID, signers)
}

func (s *stubAdapter) GetEnvelope(ctx context.Context, id string) (provider.Envelope, error) {
	s.record("get")
	if s.get == nil {
		return provider.Envelope{ID: id}, nil
	}
	return s.get(id)
}

func (s *stubAdapter) DownloadCertificate(ctx context.Context, id string) (provider.Certificate, error) {
	s.record("certificate")
	if s.cert == nil {
		return provider.Certificate{}, provider.ErrMissingCertificate
	}
	return s.cert(id)
}

// respond normalizes a raw provider document the way HTTP adapters do.
func respond(t *testing.T, raw string) func(string, string, []provider.SignerInput) (provider.Envelope, error) {
	t.Helper()
	return func(string, string, []provider.SignerInput) (provider.Envelope, error) {
		return provider.DefaultProfile.Normalize([]byte(raw), "")
	}
}

type recordingSink struct {
	mu      sync.Mutex
	entries []envelope.AuditEntry
	ids     []string
}

func (r *recordingSink) Emit(_ context.Context, correlationID string, entry envelope.AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	r.ids = append(r.ids, correlationID)
}

type fixture struct {
	store  *envelope.InMemory
	engine *Engine
	sink   *recordingSink
	now    time.Time
}

func newFixture(t *testing.T, adapter provider.Adapter) *fixture {
	t.Helper()
	f := &fixture{
		store: envelope.NewInMemory(),
		sink:  &recordingSink{},
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	chain := audit.NewChain(audit.WithClock(clock), audit.WithSinks(f.sink))
	f.engine = New(f.store, adapter, chain, WithClock(clock), WithProviderTimeout(time.Second))
	return f
}

func (f *fixture) trail(t *testing.T, id string) []envelope.AuditEntry {
	t.Helper()
	trail, err := f.store.AuditTrail(context.Background(), id)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if err := audit.Verify(id, trail); err != nil {
		t.Fatalf("chain must verify: %v", err)
	}
	return trail
}

func actions(trail []envelope.AuditEntry) []string {
	out := make([]string, len(trail))
	for i, e := range trail {
		out[i] = e.Action
	}
	return out
}

func lastMeta(t *testing.T, trail []envelope.AuditEntry) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(trail[len(trail)-1].Metadata, &m); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	return m
}
