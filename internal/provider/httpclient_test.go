package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"qazna.org/esign/internal/envelope"
	"qazna.org/esign/internal/signature"
)

type recorded struct {
	method string
	path   string
	body   []byte
	sig    string
}

func fakeProvider(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *[]recorded) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, recorded{method: r.Method, path: r.URL.Path, body: body, sig: r.Header.Get(signature.Header)})
		mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func TestHTTPClientCreateSignsBody(t *testing.T) {
	srv, reqs := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"envelopeId":"env_1","status":"sent","signers":[{"email":"A@X.com","signingUrl":"https://p/sign/1"}]}`))
	})
	c, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, Secret: "s3cret", Timeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	env, err := c.CreateEnvelope(context.Background(), "job", "doc", []SignerInput{{Name: "A", Email: "a@x.com"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if env.ID != "env_1" || env.Signers[0].Email != "a@x.com" {
		t.Fatalf("unexpected envelope %+v", env)
	}

	got := (*reqs)[0]
	if got.method != http.MethodPost || got.path != "/envelopes" {
		t.Fatalf("unexpected request %s %s", got.method, got.path)
	}
	if !signature.Verify("s3cret", got.body, got.sig) {
		t.Fatalf("signature %q does not cover body %s", got.sig, got.body)
	}
	var payload genericCreateRequest
	if err := json.Unmarshal(got.body, &payload); err != nil || payload.JobID != "job" || payload.DocumentID != "doc" || len(payload.Signers) != 1 {
		t.Fatalf("unexpected payload %s err=%v", got.body, err)
	}
}

func TestHTTPClientUnsignedWithoutSecret(t *testing.T) {
	srv, reqs := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"env_2","status":"delivered"}`))
	})
	c, _ := NewHTTPClient(HTTPConfig{BaseURL: srv.URL})
	env, err := c.GetEnvelope(context.Background(), "env_2")
	if err != nil || env.Status != envelope.StatusSent {
		t.Fatalf("get: %+v err=%v", env, err)
	}
	if (*reqs)[0].sig != "" || (*reqs)[0].path != "/envelopes/env_2" {
		t.Fatalf("unexpected request %+v", (*reqs)[0])
	}
}

func TestHTTPClientMissingIDFails(t *testing.T) {
	srv, _ := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"sent"}`))
	})
	c, _ := NewHTTPClient(HTTPConfig{BaseURL: srv.URL})
	if _, err := c.CreateEnvelope(context.Background(), "j", "d", nil); !errors.Is(err, ErrMissingEnvelopeID) {
		t.Fatalf("expected ErrMissingEnvelopeID, got %v", err)
	}
}

func TestHTTPClientErrorBodies(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(any) bool
	}{
		{"json", http.StatusUnprocessableEntity, `{"error":"bad signer"}`, func(b any) bool {
			m, ok := b.(map[string]any)
			return ok && m["error"] == "bad signer"
		}},
		{"text", http.StatusBadGateway, "upstream down\n", func(b any) bool { return b == "upstream down" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			c, _ := NewHTTPClient(HTTPConfig{Name: "acme", BaseURL: srv.URL})
			_, err := c.GetEnvelope(context.Background(), "env_x")
			var he *HTTPError
			if !errors.As(err, &he) {
				t.Fatalf("expected HTTPError, got %v", err)
			}
			if he.Status != tc.status || he.Provider != "acme" || !tc.check(he.Body) {
				t.Fatalf("unexpected error %+v", he)
			}
			var pe *Error
			if !errors.As(err, &pe) || pe.EnvelopeID != "env_x" || pe.Op != "get" {
				t.Fatalf("missing operation context: %v", err)
			}
		})
	}
}

func TestHTTPClientCertificateNotReady(t *testing.T) {
	srv, _ := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"not completed"}`))
	})
	c, _ := NewHTTPClient(HTTPConfig{BaseURL: srv.URL})
	_, err := c.DownloadCertificate(context.Background(), "env_1")
	var he *HTTPError
	if !errors.Is(err, ErrMissingCertificate) || !errors.As(err, &he) {
		t.Fatalf("expected ErrMissingCertificate wrapping HTTPError, got %v", err)
	}
}

func TestVendorClient(t *testing.T) {
	srv, reqs := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/envelopes":
			_, _ = w.Write([]byte(`{"data":{"envelope":{"envelopeId":"v_1","state":"created","envelopeReference":"VR-1","recipients":[{"emailAddress":"a@x.com","fullName":"Ann","signingLink":"https://v/s/1"}]}}}`))
		case "/envelopes/v_1/certificate":
			_, _ = w.Write([]byte(`{"data":{"certificate":"Q0VSVA==","recipients":[{"emailAddress":"a@x.com","state":"Completed","signed_at":"2024-05-06T07:08:09Z"}]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	c, err := NewVendorClient(HTTPConfig{BaseURL: srv.URL, Secret: "k"})
	if err != nil {
		t.Fatalf("new vendor client: %v", err)
	}
	ctx := context.Background()
	env, err := c.CreateEnvelope(ctx, "job", "doc", []SignerInput{{Name: "Ann", Email: "a@x.com"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if env.ID != "v_1" || env.Reference != "VR-1" || env.Status != envelope.StatusSent || env.Signers[0].SigningURL != "https://v/s/1" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	var body vendorCreateRequest
	if err := json.Unmarshal((*reqs)[0].body, &body); err != nil {
		t.Fatalf("decode vendor body: %v", err)
	}
	if body.ExternalReference != "job" || body.Documents[0].ExternalID != "doc" || body.Recipients[0].RoutingOrder != 1 {
		t.Fatalf("unexpected vendor body %+v", body)
	}
	if !signature.Verify("k", (*reqs)[0].body, (*reqs)[0].sig) {
		t.Fatalf("vendor request not signed")
	}

	cert, err := c.DownloadCertificate(ctx, "v_1")
	if err != nil {
		t.Fatalf("certificate: %v", err)
	}
	if string(cert.Content) != "Q0VSVA==" || len(cert.Completed) != 1 || cert.Completed[0].CompletedAt == nil {
		t.Fatalf("unexpected certificate %+v", cert)
	}
}

func TestNewHTTPClientRejectsBadURL(t *testing.T) {
	if _, err := NewHTTPClient(HTTPConfig{BaseURL: "not a url"}); err == nil {
		t.Fatalf("expected error for invalid base url")
	}
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte("email_fields: [mail, email]\nwrappers: [payload]\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(p.EmailFields) != 2 || p.EmailFields[0] != "mail" || p.Wrappers[0] != "payload" {
		t.Fatalf("unexpected profile %+v", p)
	}
	if _, err := LoadProfile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
