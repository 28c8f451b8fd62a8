// Package webhook authenticates and decodes inbound provider callbacks.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"qazna.org/esign/internal/obs"
	"qazna.org/esign/internal/signature"
)

var (
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	ErrInvalidPayload   = errors.New("webhook: invalid payload")
)

// Authenticator checks the keyed-hash signature on inbound webhook bodies.
type Authenticator struct {
	secret        string
	allowUnsigned bool
}

// NewAuthenticator returns an authenticator for secret. With an empty secret
// every request is rejected unless allowUnsigned is set, which is only
// permitted outside hardened deployments.
func NewAuthenticator(secret string, allowUnsigned bool) *Authenticator {
	return &Authenticator{secret: secret, allowUnsigned: allowUnsigned}
}

// Authenticate verifies header against body.
func (a *Authenticator) Authenticate(body []byte, header string) error {
	if a.secret == "" {
		if a.allowUnsigned {
			return nil
		}
		obs.CountWebhookRejection("no_secret")
		return ErrInvalidSignature
	}
	if strings.TrimSpace(header) == "" {
		obs.CountWebhookRejection("missing")
		return ErrInvalidSignature
	}
	if !signature.Verify(a.secret, body, header) {
		obs.CountWebhookRejection("mismatch")
		return ErrInvalidSignature
	}
	return nil
}

// Signer is one signer entry of a webhook event.
type Signer struct {
	Email       string `json:"email"`
	SigningURL  string `json:"signingUrl,omitempty"`
	Name        string `json:"name,omitempty"`
	Status      string `json:"status,omitempty"`
	CompletedAt string `json:"completedAt,omitempty"`
}

// Completed names a signer the provider reports as done.
type Completed struct {
	Email       string `json:"email"`
	CompletedAt string `json:"completedAt,omitempty"`
}

// Event is the inbound webhook payload.
type Event struct {
	SignatureID       string      `json:"signatureId"`
	Status            string      `json:"status,omitempty"`
	ProviderReference string      `json:"providerReference,omitempty"`
	Certificate       string      `json:"certificate,omitempty"`
	Signers           []Signer    `json:"signers,omitempty"`
	Completed         []Completed `json:"completed,omitempty"`
}

// Decode parses a webhook body. Unknown fields are ignored.
func Decode(body []byte) (Event, error) {
	var ev Event
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	ev.SignatureID = strings.TrimSpace(ev.SignatureID)
	if ev.SignatureID == "" {
		return Event{}, fmt.Errorf("%w: signatureId is required", ErrInvalidPayload)
	}
	return ev, nil
}
