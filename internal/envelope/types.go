package envelope

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Status is the lifecycle state of a signature envelope.
type Status string

const (
	StatusPending             Status = "pending"
	StatusSent                Status = "sent"
	StatusSigned              Status = "signed"
	StatusDeclined            Status = "declined"
	StatusPendingManualReview Status = "pending_manual_review"
)

// Terminal reports whether status changes may no longer move the envelope.
func (s Status) Terminal() bool {
	return s == StatusSigned || s == StatusDeclined
}

// Known reports whether s is one of the canonical statuses.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusSent, StatusSigned, StatusDeclined, StatusPendingManualReview:
		return true
	}
	return false
}

// OpenStatuses are the states a poll sweep still has to reconcile.
var OpenStatuses = []Status{StatusPending, StatusSent, StatusPendingManualReview}

var (
	ErrNotFound      = errors.New("envelope: not found")
	ErrAlreadyExists = errors.New("envelope: already exists")
	ErrInvalidSigner = errors.New("envelope: signer email is required")
)

// Signer is one party asked to sign an envelope. Email (normalized) is the
// identity key within an envelope.
type Signer struct {
	Name        string     `json:"name"`
	Email       string     `json:"email"`
	SigningURL  string     `json:"signingUrl"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt"`
}

// Envelope is one document-signing request together with its signers.
type Envelope struct {
	ID                string     `json:"id"`
	JobID             string     `json:"jobId"`
	DocumentID        string     `json:"documentId"`
	Provider          string     `json:"provider"`
	Status            Status     `json:"status"`
	ProviderReference string     `json:"providerReference,omitempty"`
	CertificateHash   string     `json:"certificateHash"`
	SignedAt          *time.Time `json:"signedAt"`
	CreatedAt         time.Time  `json:"createdAt"`
	Signers           []Signer   `json:"signers"`
}

// Signer returns the signer with the given email, if present.
func (e Envelope) Signer(email string) (Signer, bool) {
	email = NormalizeEmail(email)
	for _, s := range e.Signers {
		if s.Email == email {
			return s, true
		}
	}
	return Signer{}, false
}

// Clone returns a deep copy so callers never share signer slices or time pointers.
func (e Envelope) Clone() Envelope {
	out := e
	out.SignedAt = cloneTime(e.SignedAt)
	out.Signers = make([]Signer, len(e.Signers))
	for i, s := range e.Signers {
		s.CompletedAt = cloneTime(s.CompletedAt)
		out.Signers[i] = s
	}
	return out
}

// AuditEntry is one link of an envelope's hash-chained audit trail.
// Metadata holds the canonical JSON encoding that was hashed.
type AuditEntry struct {
	ID           string          `json:"id"`
	SignatureID  string          `json:"signatureId"`
	Action       string          `json:"action"`
	Actor        string          `json:"actor"`
	Metadata     json.RawMessage `json:"metadata"`
	CreatedAt    time.Time       `json:"createdAt"`
	PreviousHash string          `json:"previousHash"`
	EntryHash    string          `json:"entryHash"`
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Timestamp truncates t to the precision persisted and hashed (milliseconds, UTC).
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
