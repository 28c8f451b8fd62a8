package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"qazna.org/esign/internal/obs"
	"qazna.org/esign/internal/signature"
)

const maxResponseBytes = 16 << 20

// HTTPConfig configures an HTTP-backed adapter.
type HTTPConfig struct {
	Name    string
	BaseURL string
	// Secret signs every request body; empty sends requests unsigned.
	Secret  string
	Timeout time.Duration
	// RequestsPerSecond throttles outbound calls; 0 disables throttling.
	RequestsPerSecond float64
	Profile           Profile
	HTTPClient        *http.Client
}

// Client is an HTTP signing provider. Variants differ only in the create
// request body and the alias Profile applied to responses.
type Client struct {
	name    string
	baseURL string
	secret  string
	profile Profile
	http    *http.Client
	limiter *rate.Limiter
	build   func(jobID, documentID string, signers []SignerInput) any
}

var _ Adapter = (*Client)(nil)

// NewHTTPClient returns the generic provider client.
func NewHTTPClient(cfg HTTPConfig) (*Client, error) {
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	return newClient(cfg, DefaultProfile, genericCreateBody)
}

func newClient(cfg HTTPConfig, base Profile, build func(string, string, []SignerInput) any) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("provider %s: invalid base url %q", cfg.Name, cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	c := &Client{
		name:    cfg.Name,
		baseURL: strings.TrimRight(u.String(), "/"),
		secret:  cfg.Secret,
		profile: base.Merge(cfg.Profile),
		http:    hc,
		build:   build,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

func (c *Client) Name() string { return c.name }

func (c *Client) CreateEnvelope(ctx context.Context, jobID, documentID string, signers []SignerInput) (Envelope, error) {
	body, _, err := c.do(ctx, "create", http.MethodPost, "/envelopes", c.build(jobID, documentID, signers))
	if err != nil {
		return Envelope{}, wrap(c.name, "create", "", err)
	}
	env, err := c.profile.Normalize(body, "")
	if err != nil {
		return Envelope{}, wrap(c.name, "create", "", err)
	}
	return env, nil
}

func (c *Client) GetEnvelope(ctx context.Context, envelopeID string) (Envelope, error) {
	body, _, err := c.do(ctx, "get", http.MethodGet, "/envelopes/"+url.PathEscape(envelopeID), nil)
	if err != nil {
		return Envelope{}, wrap(c.name, "get", envelopeID, err)
	}
	env, err := c.profile.Normalize(body, envelopeID)
	if err != nil {
		return Envelope{}, wrap(c.name, "get", envelopeID, err)
	}
	return env, nil
}

func (c *Client) DownloadCertificate(ctx context.Context, envelopeID string) (Certificate, error) {
	body, contentType, err := c.do(ctx, "certificate", http.MethodGet, "/envelopes/"+url.PathEscape(envelopeID)+"/certificate", nil)
	if err != nil {
		var he *HTTPError
		if errors.As(err, &he) && (he.Status == http.StatusNotFound || he.Status == http.StatusConflict) {
			err = fmt.Errorf("%w: %w", ErrMissingCertificate, he)
		}
		return Certificate{}, wrap(c.name, "certificate", envelopeID, err)
	}
	cert, err := c.profile.NormalizeCertificate(contentType, body, envelopeID)
	if err != nil {
		return Certificate{}, wrap(c.name, "certificate", envelopeID, err)
	}
	return cert, nil
}

// do sends one signed request and returns the success body. Non-2xx
// responses become *HTTPError.
func (c *Client) do(ctx context.Context, op, method, path string, payload any) ([]byte, string, error) {
	started := time.Now()
	body, contentType, err := c.roundTrip(ctx, method, path, payload)
	obs.ObserveProviderCall(c.name, op, started, err)
	return body, contentType, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload any) ([]byte, string, error) {
	var reqBody []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("encode request: %w", err)
		}
		reqBody = b
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, "", err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set(signature.Header, signature.Sign(c.secret, reqBody))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", &HTTPError{Provider: c.name, Status: resp.StatusCode, Body: decodeErrorBody(respBody)}
	}
	return respBody, resp.Header.Get("Content-Type"), nil
}

func decodeErrorBody(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return strings.TrimSpace(string(raw))
}

type genericSigner struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type genericCreateRequest struct {
	JobID      string          `json:"jobId"`
	DocumentID string          `json:"documentId"`
	Signers    []genericSigner `json:"signers"`
}

func genericCreateBody(jobID, documentID string, signers []SignerInput) any {
	req := genericCreateRequest{JobID: jobID, DocumentID: documentID, Signers: make([]genericSigner, 0, len(signers))}
	for _, s := range signers {
		req.Signers = append(req.Signers, genericSigner{Name: strings.TrimSpace(s.Name), Email: s.Email})
	}
	return req
}
