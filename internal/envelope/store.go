package envelope

import (
	"context"
	"time"
)

// Store persists envelopes, their signers and their audit trail.
//
// WithEnvelope runs fn inside one transaction scoped to a single envelope id.
// Implementations serialize scopes for the same id and keep different ids
// independent. Nothing fn wrote is visible unless fn returns nil.
type Store interface {
	WithEnvelope(ctx context.Context, id string, fn func(Tx) error) error
	Get(ctx context.Context, id string) (Envelope, error)
	AuditTrail(ctx context.Context, id string) ([]AuditEntry, error)
	// ListOpen returns envelopes in OpenStatuses, oldest first.
	ListOpen(ctx context.Context, limit int) ([]Envelope, error)
	// ListIDs pages through every envelope id in ascending order.
	ListIDs(ctx context.Context, after string, limit int) ([]string, error)
}

// Tx is the read-modify-write view of one envelope inside Store.WithEnvelope.
type Tx interface {
	EnvelopeID() string
	Envelope(ctx context.Context) (Envelope, error)
	InsertEnvelope(ctx context.Context, env Envelope) error
	UpdateEnvelope(ctx context.Context, patch EnvelopePatch) error
	UpsertSigner(ctx context.Context, patch SignerPatch) error
	LastAuditHash(ctx context.Context) (string, error)
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// EnvelopePatch updates envelope scalars. Nil fields keep the stored value.
type EnvelopePatch struct {
	Status            *Status
	ProviderReference *string
	CertificateHash   *string
	SignedAt          *time.Time
}

// Empty reports whether the patch would change nothing.
func (p EnvelopePatch) Empty() bool {
	return p.Status == nil && p.ProviderReference == nil && p.CertificateHash == nil && p.SignedAt == nil
}

// Apply merges the patch into e.
func (p EnvelopePatch) Apply(e *Envelope) {
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.ProviderReference != nil {
		e.ProviderReference = *p.ProviderReference
	}
	if p.CertificateHash != nil {
		e.CertificateHash = *p.CertificateHash
	}
	if p.SignedAt != nil {
		e.SignedAt = cloneTime(p.SignedAt)
	}
}

// SignerPatch upserts a signer keyed by (envelope, normalized email).
// Nil fields keep the stored value; a new row defaults them to zero values.
type SignerPatch struct {
	Email       string
	Name        *string
	SigningURL  *string
	Completed   *bool
	CompletedAt *time.Time
}

// Apply merges the patch into s.
func (p SignerPatch) Apply(s *Signer) {
	s.Email = NormalizeEmail(p.Email)
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.SigningURL != nil {
		s.SigningURL = *p.SigningURL
	}
	if p.Completed != nil {
		s.Completed = *p.Completed
	}
	if p.CompletedAt != nil {
		s.CompletedAt = cloneTime(p.CompletedAt)
	}
}
