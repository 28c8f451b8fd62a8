package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"qazna.org/esign/internal/envelope"
)

func TestMockLifecycle(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewMock("https://mock.test/", false).WithClock(func() time.Time { return now })
	ctx := context.Background()

	env, err := m.CreateEnvelope(ctx, "job-1", "doc-1", []SignerInput{
		{Name: "A", Email: "A@x.com"},
		{Name: "B", Email: "b@x.com"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if env.ID == "" || env.Status != envelope.StatusSent || env.Reference != "mock:job-1:doc-1" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	for i, s := range env.Signers {
		want := fmt.Sprintf("https://mock.test/sign/%s/%d", env.ID, i+1)
		if s.SigningURL != want {
			t.Fatalf("signer %d url %q, want %q", i, s.SigningURL, want)
		}
	}

	signedAt := now.Add(-time.Hour)
	if err := m.CompleteSigner(env.ID, "a@x.com", signedAt); err != nil {
		t.Fatalf("complete signer: %v", err)
	}
	got, err := m.GetEnvelope(ctx, env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Completed) != 1 || got.Completed[0].Email != "a@x.com" || !got.Completed[0].CompletedAt.Equal(signedAt) {
		t.Fatalf("unexpected completions %+v", got.Completed)
	}

	cert, err := m.DownloadCertificate(ctx, env.ID)
	if err != nil {
		t.Fatalf("certificate: %v", err)
	}
	if !strings.HasPrefix(string(cert.Content), "mock-certificate:"+env.ID) || len(cert.Completed) != 2 {
		t.Fatalf("unexpected certificate %+v", cert)
	}
	for _, c := range cert.Completed {
		want := now
		if c.Email == "a@x.com" {
			want = signedAt
		}
		if c.CompletedAt == nil || !c.CompletedAt.Equal(want) {
			t.Fatalf("completion %s at %v, want %v", c.Email, c.CompletedAt, want)
		}
	}

	got, _ = m.GetEnvelope(ctx, env.ID)
	if got.Status != envelope.StatusSigned {
		t.Fatalf("expected signed after certificate, got %q", got.Status)
	}
	again, err := m.DownloadCertificate(ctx, env.ID)
	if err != nil || string(again.Content) != string(cert.Content) {
		t.Fatalf("repeated download must return identical content")
	}
}

func TestMockUnknownAndDeclined(t *testing.T) {
	m := NewMock("", false)
	ctx := context.Background()
	if _, err := m.GetEnvelope(ctx, "missing"); !errors.Is(err, ErrUnknownEnvelope) {
		t.Fatalf("expected ErrUnknownEnvelope, got %v", err)
	}
	env, _ := m.CreateEnvelope(ctx, "j", "d", []SignerInput{{Email: "a@x.com"}})
	if err := m.Decline(env.ID); err != nil {
		t.Fatalf("decline: %v", err)
	}
	got, _ := m.GetEnvelope(ctx, env.ID)
	if got.Status != envelope.StatusDeclined {
		t.Fatalf("expected declined, got %q", got.Status)
	}
	if _, err := m.DownloadCertificate(ctx, env.ID); !errors.Is(err, ErrMissingCertificate) {
		t.Fatalf("expected ErrMissingCertificate, got %v", err)
	}
}

func TestMockHardenedFailsFast(t *testing.T) {
	m := NewMock("", true)
	ctx := context.Background()
	if _, err := m.CreateEnvelope(ctx, "j", "d", nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("create: expected ErrNotConfigured, got %v", err)
	}
	if _, err := m.GetEnvelope(ctx, "x"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("get: expected ErrNotConfigured, got %v", err)
	}
	_, err := m.DownloadCertificate(ctx, "x")
	var pe *Error
	if !errors.Is(err, ErrNotConfigured) || !errors.As(err, &pe) || pe.Provider != "mock" || pe.EnvelopeID != "x" {
		t.Fatalf("certificate: expected wrapped ErrNotConfigured, got %v", err)
	}
}
