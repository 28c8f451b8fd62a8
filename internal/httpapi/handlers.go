package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"qazna.org/esign/internal/audit"
	"qazna.org/esign/internal/auth"
	"qazna.org/esign/internal/obs"
	"qazna.org/esign/internal/reconcile"
	"qazna.org/esign/internal/stream"
	"qazna.org/esign/internal/webhook"
)

const (
	serviceName         = "esign-api"
	defaultMaxBodyBytes = 1 << 20
)

// ReadyCheck: простая проверка готовности (например, ping БД).
type ReadyCheck struct {
	DB *sql.DB
}

func (rc ReadyCheck) Check(ctx context.Context) error {
	if rc.DB == nil {
		return nil
	}
	return rc.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Config wires the HTTP layer to the reconciliation engine.
type Config struct {
	Engine   *reconcile.Engine
	Webhooks *webhook.Authenticator
	Issuer   *auth.Issuer
	Stream   *stream.Stream
	Ready    readinessChecker
	Version  string

	RateBurst    int
	RatePerSec   float64
	MaxBodyBytes int64
}

// API: HTTP слой.
type API struct {
	router   chi.Router
	engine   *reconcile.Engine
	webhooks *webhook.Authenticator
	issuer   *auth.Issuer
	stream   *stream.Stream
	ready    readinessChecker
	version  string
	limiter  *RateLimiter
	maxBody  int64
}

func New(cfg Config) *API {
	a := &API{
		engine:   cfg.Engine,
		webhooks: cfg.Webhooks,
		issuer:   cfg.Issuer,
		stream:   cfg.Stream,
		ready:    cfg.Ready,
		version:  cfg.Version,
		maxBody:  cfg.MaxBodyBytes,
	}
	if a.ready == nil {
		a.ready = ReadyCheck{}
	}
	if a.issuer == nil {
		a.issuer = auth.NewIssuer("")
	}
	if a.maxBody <= 0 {
		a.maxBody = defaultMaxBodyBytes
	}
	if cfg.RatePerSec > 0 {
		a.limiter = NewRateLimiter(cfg.RateBurst, cfg.RatePerSec)
	}

	r := chi.NewRouter()
	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/info", a.Info)
		r.Post("/webhooks/signatures", a.SignatureWebhook)

		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)
			r.Get("/events", a.require(auth.PermEnvelopeRead, a.Stream))
			r.Route("/envelopes", func(r chi.Router) {
				r.Post("/", a.require(auth.PermEnvelopeCreate, a.CreateEnvelope))
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", a.require(auth.PermEnvelopeRead, a.GetEnvelope))
					r.Post("/complete", a.require(auth.PermEnvelopeComplete, a.CompleteEnvelope))
					r.Post("/sync", a.require(auth.PermEnvelopeReconcile, a.SyncEnvelope))
					r.Post("/flag", a.require(auth.PermEnvelopeReconcile, a.FlagEnvelope))
					r.Get("/audit", a.require(auth.PermEnvelopeRead, a.AuditTrail))
					r.Get("/audit/verify", a.require(auth.PermEnvelopeReconcile, a.VerifyAudit))
				})
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	a.router = r
	return a
}

// Handler возвращает http.Handler со всей цепочкой middleware.
func (a *API) Handler() http.Handler {
	var h http.Handler = MaxBodyBytes(a.router, a.maxBody)
	if a.limiter != nil {
		h = a.limiter.Middleware(h)
	}
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if a.engine != nil {
		info["provider"] = a.engine.Provider()
	}
	writeJSON(w, http.StatusOK, info)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorBody(r, msg))
}

func errorBody(r *http.Request, msg string) map[string]any {
	body := map[string]any{"error": msg}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		body["request_id"] = rid
	}
	return body
}

// decodeJSON reads an optional JSON body; an empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
