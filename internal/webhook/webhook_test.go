package webhook

import (
	"errors"
	"testing"

	"qazna.org/esign/internal/signature"
)

func TestAuthenticate(t *testing.T) {
	body := []byte(`{"signatureId":"env_1","status":"completed"}`)
	good := signature.Sign("hook", body)

	cases := []struct {
		name   string
		auth   *Authenticator
		header string
		ok     bool
	}{
		{"valid", NewAuthenticator("hook", false), good, true},
		{"valid without prefix", NewAuthenticator("hook", false), good[len("sha256="):], true},
		{"forged", NewAuthenticator("hook", false), signature.Sign("other", body), false},
		{"missing header", NewAuthenticator("hook", false), "", false},
		{"garbage header", NewAuthenticator("hook", false), "sha256=zz", false},
		{"no secret", NewAuthenticator("", false), good, false},
		{"no secret unsigned allowed", NewAuthenticator("", true), "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.auth.Authenticate(body, tc.header)
			if tc.ok && err != nil {
				t.Fatalf("expected success, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("expected ErrInvalidSignature, got %v", err)
			}
		})
	}
}

func TestAuthenticateTamperedBody(t *testing.T) {
	a := NewAuthenticator("hook", false)
	header := signature.Sign("hook", []byte(`{"signatureId":"env_1","status":"sent"}`))
	if err := a.Authenticate([]byte(`{"signatureId":"env_1","status":"completed"}`), header); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected tampered body rejected, got %v", err)
	}
}

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{
		"signatureId": " env_1 ",
		"status": "completed",
		"certificate": "CERT",
		"signers": [{"email": "A@x.com", "signingUrl": "https://p/1", "status": "signed"}],
		"completed": [{"email": "b@x.com", "completedAt": "2024-01-01T00:00:00Z"}],
		"extra": true
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.SignatureID != "env_1" || ev.Certificate != "CERT" || len(ev.Signers) != 1 || len(ev.Completed) != 1 {
		t.Fatalf("unexpected event %+v", ev)
	}

	for _, raw := range []string{`{}`, `{"signatureId":""}`, `nope`, `{"signatureId":"x","signers":"a"}`} {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("%s: expected ErrInvalidPayload, got %v", raw, err)
		}
	}
}
