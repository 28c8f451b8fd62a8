package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"qazna.org/esign/internal/envelope"
	"qazna.org/esign/internal/ids"
)

// Mock simulates a signing provider in memory. In hardened mode every call
// fails with ErrNotConfigured so production never runs against it.
type Mock struct {
	baseURL  string
	hardened bool
	now      func() time.Time

	mu        sync.Mutex
	envelopes map[string]*mockEnvelope
}

type mockSigner struct {
	Name        string     `json:"name"`
	Email       string     `json:"email"`
	SigningURL  string     `json:"signingUrl"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type mockEnvelope struct {
	ID          string       `json:"envelopeId"`
	Status      string       `json:"status"`
	Reference   string       `json:"providerReference"`
	Signers     []mockSigner `json:"signers"`
	certificate []byte
}

var _ Adapter = (*Mock)(nil)

// NewMock returns a simulator issuing signing links under baseURL.
func NewMock(baseURL string, hardened bool) *Mock {
	if baseURL == "" {
		baseURL = "https://mock-signing.local"
	}
	return &Mock{
		baseURL:   strings.TrimRight(baseURL, "/"),
		hardened:  hardened,
		now:       time.Now,
		envelopes: make(map[string]*mockEnvelope),
	}
}

// WithClock overrides the simulator clock.
func (m *Mock) WithClock(now func() time.Time) *Mock {
	m.now = now
	return m
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) CreateEnvelope(ctx context.Context, jobID, documentID string, signers []SignerInput) (Envelope, error) {
	if m.hardened {
		return Envelope{}, wrap(m.Name(), "create", "", ErrNotConfigured)
	}
	if err := ctx.Err(); err != nil {
		return Envelope{}, wrap(m.Name(), "create", "", err)
	}
	id := ids.Prefixed("mockenv")
	env := &mockEnvelope{
		ID:        id,
		Status:    "sent",
		Reference: fmt.Sprintf("mock:%s:%s", jobID, documentID),
	}
	for i, s := range signers {
		env.Signers = append(env.Signers, mockSigner{
			Name:       strings.TrimSpace(s.Name),
			Email:      envelope.NormalizeEmail(s.Email),
			SigningURL: fmt.Sprintf("%s/sign/%s/%d", m.baseURL, id, i+1),
			Status:     "sent",
		})
	}
	m.mu.Lock()
	m.envelopes[id] = env
	raw, err := json.Marshal(env)
	m.mu.Unlock()
	if err != nil {
		return Envelope{}, wrap(m.Name(), "create", id, err)
	}
	out, err := DefaultProfile.Normalize(raw, id)
	return out, wrap(m.Name(), "create", id, err)
}

func (m *Mock) GetEnvelope(ctx context.Context, envelopeID string) (Envelope, error) {
	if m.hardened {
		return Envelope{}, wrap(m.Name(), "get", envelopeID, ErrNotConfigured)
	}
	if err := ctx.Err(); err != nil {
		return Envelope{}, wrap(m.Name(), "get", envelopeID, err)
	}
	m.mu.Lock()
	env, ok := m.envelopes[envelopeID]
	var raw []byte
	var err error
	if ok {
		raw, err = json.Marshal(env)
	}
	m.mu.Unlock()
	if !ok {
		return Envelope{}, wrap(m.Name(), "get", envelopeID, ErrUnknownEnvelope)
	}
	if err != nil {
		return Envelope{}, wrap(m.Name(), "get", envelopeID, err)
	}
	out, err := DefaultProfile.Normalize(raw, envelopeID)
	return out, wrap(m.Name(), "get", envelopeID, err)
}

// DownloadCertificate completes the envelope on first use: every signer is
// marked signed and the certificate content is fixed from then on.
func (m *Mock) DownloadCertificate(ctx context.Context, envelopeID string) (Certificate, error) {
	if m.hardened {
		return Certificate{}, wrap(m.Name(), "certificate", envelopeID, ErrNotConfigured)
	}
	if err := ctx.Err(); err != nil {
		return Certificate{}, wrap(m.Name(), "certificate", envelopeID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.envelopes[envelopeID]
	if !ok {
		return Certificate{}, wrap(m.Name(), "certificate", envelopeID, ErrUnknownEnvelope)
	}
	if env.Status == "declined" {
		return Certificate{}, wrap(m.Name(), "certificate", envelopeID, ErrMissingCertificate)
	}
	if env.certificate == nil {
		now := envelope.Timestamp(m.now())
		for i := range env.Signers {
			env.Signers[i].Status = "signed"
			if env.Signers[i].CompletedAt == nil {
				ts := now
				env.Signers[i].CompletedAt = &ts
			}
		}
		env.Status = "completed"
		sum := sha256.Sum256([]byte(env.ID + "|" + env.Reference))
		env.certificate = []byte(fmt.Sprintf("mock-certificate:%s:%s", env.ID, hex.EncodeToString(sum[:8])))
	}
	completed := make([]Completion, 0, len(env.Signers))
	for _, s := range env.Signers {
		at := *s.CompletedAt
		completed = append(completed, Completion{Email: s.Email, CompletedAt: &at})
	}
	return Certificate{
		EnvelopeID:  env.ID,
		Content:     append([]byte(nil), env.certificate...),
		ContentType: "text/plain",
		Completed:   completed,
	}, nil
}

// CompleteSigner marks one signer as signed.
func (m *Mock) CompleteSigner(envelopeID, email string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.envelopes[envelopeID]
	if !ok {
		return ErrUnknownEnvelope
	}
	email = envelope.NormalizeEmail(email)
	for i := range env.Signers {
		if env.Signers[i].Email == email {
			ts := envelope.Timestamp(at)
			env.Signers[i].Status = "signed"
			env.Signers[i].CompletedAt = &ts
			return nil
		}
	}
	return fmt.Errorf("%w: signer %s", ErrUnknownEnvelope, email)
}

// Decline moves the envelope to declined.
func (m *Mock) Decline(envelopeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.envelopes[envelopeID]
	if !ok {
		return ErrUnknownEnvelope
	}
	env.Status = "declined"
	return nil
}
