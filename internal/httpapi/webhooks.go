package httpapi

import (
	"io"
	"net/http"

	"qazna.org/esign/internal/audit"
	"qazna.org/esign/internal/obs"
	"qazna.org/esign/internal/signature"
	"qazna.org/esign/internal/webhook"
)

// SignatureWebhook authenticates the raw body before anything is decoded or
// written; a verified event for an unknown envelope is acknowledged and ignored.
func (a *API) SignatureWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, r, http.StatusRequestEntityTooLarge, "unreadable body")
		return
	}
	if err := a.webhooks.Authenticate(body, r.Header.Get(signature.Header)); err != nil {
		respondError(w, r, http.StatusUnauthorized, webhook.ErrInvalidSignature.Error())
		return
	}
	ev, err := webhook.Decode(body)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	rid := audit.RequestIDFromContext(ctx)
	actor := "provider:" + a.engine.Provider()
	env, err := a.engine.IngestSignatureWebhookEvent(ctx, ev, actor, rid)
	if err != nil {
		a.engine.RecordWebhookFailure(ctx, ev.SignatureID, actor, rid, err)
		obs.LogEvent("error", "webhook ingest failed", map[string]any{
			"signature_id": ev.SignatureID,
			"request_id":   rid,
			"error":        err.Error(),
		})
		respondError(w, r, http.StatusInternalServerError, "webhook processing failed")
		return
	}
	if env == nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "ignored", "signatureId": ev.SignatureID})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "envelope": env})
}
