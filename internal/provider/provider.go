// Package provider adapts external signing services to one canonical model.
//
// Every adapter funnels provider responses through Profile.Normalize, so a new
// provider only contributes field-alias lists and a request body shape.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qazna.org/esign/internal/envelope"
)

// Adapter is implemented by every signing provider.
type Adapter interface {
	Name() string
	CreateEnvelope(ctx context.Context, jobID, documentID string, signers []SignerInput) (Envelope, error)
	GetEnvelope(ctx context.Context, envelopeID string) (Envelope, error)
	DownloadCertificate(ctx context.Context, envelopeID string) (Certificate, error)
}

// SignerInput is a signer requested by the caller.
type SignerInput struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Signer is a signer as reported by the provider.
type Signer struct {
	Name        string
	Email       string
	SigningURL  string
	Status      envelope.Status
	CompletedAt *time.Time
}

// Completion marks a signer as done, with the provider's timestamp if known.
type Completion struct {
	Email       string
	CompletedAt *time.Time
}

// Envelope is the canonical view of a provider envelope.
type Envelope struct {
	ID        string
	Status    envelope.Status
	Reference string
	Signers   []Signer
	Completed []Completion
}

// Certificate is the provider-issued proof of completion.
type Certificate struct {
	EnvelopeID  string
	Content     []byte
	ContentType string
	Completed   []Completion
}

var (
	ErrInvalidPayload     = errors.New("provider: invalid payload")
	ErrMissingEnvelopeID  = errors.New("provider: missing envelope id")
	ErrMissingCertificate = errors.New("provider: certificate not available")
	ErrNotConfigured      = errors.New("provider: no live signing provider configured")
	ErrUnknownEnvelope    = errors.New("provider: unknown envelope")
)

// HTTPError is a non-success response from a provider API. Body holds the
// decoded JSON document, or the raw text when it did not parse.
type HTTPError struct {
	Provider string
	Status   int
	Body     any
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider %s: http %d", e.Provider, e.Status)
}

// Error attaches operation context to a provider failure.
type Error struct {
	Op         string
	Provider   string
	EnvelopeID string
	Err        error
}

func (e *Error) Error() string {
	if e.EnvelopeID == "" {
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Provider, e.Op, e.EnvelopeID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(provider, op, envelopeID string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Op: op, Provider: provider, EnvelopeID: envelopeID, Err: err}
}
