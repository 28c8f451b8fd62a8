package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"qazna.org/esign/internal/audit"
	"qazna.org/esign/internal/envelope"
	"qazna.org/esign/internal/obs"
	"qazna.org/esign/internal/provider"
	"qazna.org/esign/internal/reconcile"
)

type syncRequest struct {
	IncludeCertificate bool `json:"includeCertificate"`
}

type flagRequest struct {
	Reason string `json:"reason"`
}

func (a *API) CreateEnvelope(w http.ResponseWriter, r *http.Request) {
	var req reconcile.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid json body")
		return
	}
	env, err := a.engine.CreateSignatureEnvelope(r.Context(), req, actorFrom(r), audit.RequestIDFromContext(r.Context()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, env)
}

func (a *API) GetEnvelope(w http.ResponseWriter, r *http.Request) {
	env, err := a.engine.Get(r.Context(), chi.URLParam(r, "id"))
	a.respondEnvelope(w, r, env, err)
}

func (a *API) CompleteEnvelope(w http.ResponseWriter, r *http.Request) {
	env, err := a.engine.CompleteSignatureEnvelope(r.Context(), chi.URLParam(r, "id"), actorFrom(r), audit.RequestIDFromContext(r.Context()))
	a.respondEnvelope(w, r, env, err)
}

func (a *API) SyncEnvelope(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid json body")
		return
	}
	env, err := a.engine.SyncSignatureEnvelopeFromProvider(r.Context(), chi.URLParam(r, "id"), actorFrom(r),
		audit.RequestIDFromContext(r.Context()), reconcile.SyncOptions{
			IncludeCertificate: req.IncludeCertificate,
			Source:             reconcile.SourceManual,
		})
	a.respondEnvelope(w, r, env, err)
}

func (a *API) FlagEnvelope(w http.ResponseWriter, r *http.Request) {
	var req flagRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid json body")
		return
	}
	env, err := a.engine.FlagSignatureEnvelopeForManualReconciliation(r.Context(), chi.URLParam(r, "id"), actorFrom(r),
		audit.RequestIDFromContext(r.Context()), req.Reason)
	a.respondEnvelope(w, r, env, err)
}

func (a *API) AuditTrail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trail, err := a.engine.AuditTrail(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"signatureId": id,
		"entries":     trail,
	})
}

func (a *API) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	v, err := a.engine.VerifyChain(r.Context(), chi.URLParam(r, "id"), actorFrom(r), audit.RequestIDFromContext(r.Context()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// respondEnvelope maps a nil envelope (absent) to 404.
func (a *API) respondEnvelope(w http.ResponseWriter, r *http.Request, env *envelope.Envelope, err error) {
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if env == nil {
		respondError(w, r, http.StatusNotFound, envelope.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		perr  *provider.Error
		herr  *provider.HTTPError
		code  int
		extra = map[string]any{}
	)
	switch {
	case errors.Is(err, reconcile.ErrInvalidRequest):
		code = http.StatusBadRequest
	case errors.Is(err, envelope.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, envelope.ErrAlreadyExists):
		code = http.StatusConflict
	case errors.Is(err, provider.ErrNotConfigured):
		code = http.StatusServiceUnavailable
	case errors.As(err, &perr):
		code = http.StatusBadGateway
		extra["provider"] = perr.Provider
		if perr.EnvelopeID != "" {
			extra["envelopeId"] = perr.EnvelopeID
		}
		if errors.As(err, &herr) {
			extra["providerStatus"] = herr.Status
		}
	default:
		code = http.StatusInternalServerError
	}

	msg := err.Error()
	if code == http.StatusInternalServerError {
		obs.LogEvent("error", "request failed", map[string]any{
			"path":       r.URL.Path,
			"request_id": audit.RequestIDFromContext(r.Context()),
			"error":      err.Error(),
		})
		msg = "internal error"
	}
	body := errorBody(r, msg)
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, code, body)
}
