package envelope

import (
	"context"
	"sort"
	"sync"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	locks KeyedMutex

	mu        sync.RWMutex
	envelopes map[string]*Envelope
	audit     map[string][]AuditEntry
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		envelopes: make(map[string]*Envelope),
		audit:     make(map[string][]AuditEntry),
	}
}

func (s *InMemory) WithEnvelope(ctx context.Context, id string, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	tx := &memTx{store: s, id: id}
	s.mu.RLock()
	if env, ok := s.envelopes[id]; ok {
		c := env.Clone()
		tx.env = &c
	}
	if trail := s.audit[id]; len(trail) > 0 {
		tx.lastHash = trail[len(trail)-1].EntryHash
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, ok := s.envelopes[id]
	if !ok {
		return Envelope{}, ErrNotFound
	}
	return env.Clone(), nil
}

func (s *InMemory) AuditTrail(ctx context.Context, id string) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.envelopes[id]; !ok {
		return nil, ErrNotFound
	}
	trail := s.audit[id]
	out := make([]AuditEntry, len(trail))
	copy(out, trail)
	return out, nil
}

func (s *InMemory) ListOpen(ctx context.Context, limit int) ([]Envelope, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Envelope
	for _, env := range s.envelopes {
		if isOpen(env.Status) {
			res = append(res, env.Clone())
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *InMemory) ListIDs(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]string, 0, len(s.envelopes))
	for id := range s.envelopes {
		if id > after {
			res = append(res, id)
		}
	}
	sort.Strings(res)
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func isOpen(status Status) bool {
	for _, s := range OpenStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// memTx stages every write and publishes them on commit.
type memTx struct {
	store    *InMemory
	id       string
	env      *Envelope
	lastHash string
	appended []AuditEntry
}

func (t *memTx) EnvelopeID() string { return t.id }

func (t *memTx) Envelope(ctx context.Context) (Envelope, error) {
	if t.env == nil {
		return Envelope{}, ErrNotFound
	}
	return t.env.Clone(), nil
}

func (t *memTx) InsertEnvelope(ctx context.Context, env Envelope) error {
	if t.env != nil {
		return ErrAlreadyExists
	}
	staged := Envelope{
		ID:                t.id,
		JobID:             env.JobID,
		DocumentID:        env.DocumentID,
		Provider:          env.Provider,
		Status:            env.Status,
		ProviderReference: env.ProviderReference,
		CertificateHash:   env.CertificateHash,
		SignedAt:          cloneTime(env.SignedAt),
		CreatedAt:         env.CreatedAt,
	}
	t.env = &staged
	for _, s := range env.Signers {
		s := s
		patch := SignerPatch{
			Email:       s.Email,
			Name:        &s.Name,
			SigningURL:  &s.SigningURL,
			Completed:   &s.Completed,
			CompletedAt: s.CompletedAt,
		}
		if err := t.UpsertSigner(ctx, patch); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTx) UpdateEnvelope(ctx context.Context, patch EnvelopePatch) error {
	if t.env == nil {
		return ErrNotFound
	}
	patch.Apply(t.env)
	return nil
}

func (t *memTx) UpsertSigner(ctx context.Context, patch SignerPatch) error {
	if t.env == nil {
		return ErrNotFound
	}
	email := NormalizeEmail(patch.Email)
	if email == "" {
		return ErrInvalidSigner
	}
	for i := range t.env.Signers {
		if t.env.Signers[i].Email == email {
			patch.Apply(&t.env.Signers[i])
			return nil
		}
	}
	var s Signer
	patch.Apply(&s)
	t.env.Signers = append(t.env.Signers, s)
	return nil
}

func (t *memTx) LastAuditHash(ctx context.Context) (string, error) {
	if n := len(t.appended); n > 0 {
		return t.appended[n-1].EntryHash, nil
	}
	return t.lastHash, nil
}

func (t *memTx) AppendAudit(ctx context.Context, entry AuditEntry) error {
	if t.env == nil {
		return ErrNotFound
	}
	entry.Metadata = append([]byte(nil), entry.Metadata...)
	t.appended = append(t.appended, entry)
	return nil
}

func (t *memTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.env != nil {
		c := t.env.Clone()
		s.envelopes[t.id] = &c
	}
	if len(t.appended) > 0 {
		s.audit[t.id] = append(s.audit[t.id], t.appended...)
	}
}
