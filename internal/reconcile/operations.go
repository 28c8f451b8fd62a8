package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qazna.org/esign/internal/audit"
	"qazna.org/esign/internal/envelope"
	"qazna.org/esign/internal/obs"
	"qazna.org/esign/internal/provider"
	"qazna.org/esign/internal/webhook"
)

// CreateRequest asks for a new signature envelope.
type CreateRequest struct {
	JobID      string                 `json:"jobId"`
	DocumentID string                 `json:"documentId"`
	Signers    []provider.SignerInput `json:"signers"`
}

func (r CreateRequest) validate() ([]provider.SignerInput, error) {
	if strings.TrimSpace(r.JobID) == "" || strings.TrimSpace(r.DocumentID) == "" {
		return nil, fmt.Errorf("%w: jobId and documentId are required", ErrInvalidRequest)
	}
	seen := make(map[string]bool, len(r.Signers))
	var out []provider.SignerInput
	for _, s := range r.Signers {
		email := envelope.NormalizeEmail(s.Email)
		if email == "" {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, envelope.ErrInvalidSigner)
		}
		if seen[email] {
			continue
		}
		seen[email] = true
		out = append(out, provider.SignerInput{Name: strings.TrimSpace(s.Name), Email: email})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one signer is required", ErrInvalidRequest)
	}
	return out, nil
}

// CreateSignatureEnvelope creates the envelope at the provider and persists it
// with its merged signer list and one envelope_created audit entry. Provider
// errors propagate and leave nothing behind.
func (e *Engine) CreateSignatureEnvelope(ctx context.Context, req CreateRequest, actor, correlationID string) (*envelope.Envelope, error) {
	signers, err := req.validate()
	if err != nil {
		return nil, err
	}

	pctx, cancel := e.providerCtx(ctx)
	remote, err := e.adapter.CreateEnvelope(pctx, req.JobID, req.DocumentID, signers)
	cancel()
	if err != nil {
		return nil, err
	}

	now := envelope.Timestamp(e.now())
	status := remote.Status
	if !status.Known() {
		status = envelope.StatusPending
	}
	env := envelope.Envelope{
		ID:                remote.ID,
		JobID:             req.JobID,
		DocumentID:        req.DocumentID,
		Provider:          e.adapter.Name(),
		Status:            status,
		ProviderReference: remote.Reference,
		CreatedAt:         now,
		Signers:           mergeSigners(signers, remote, now),
	}

	var entry envelope.AuditEntry
	err = e.store.WithEnvelope(ctx, env.ID, func(tx envelope.Tx) error {
		if err := tx.InsertEnvelope(ctx, env); err != nil {
			return err
		}
		emails := make([]string, 0, len(env.Signers))
		for _, s := range env.Signers {
			emails = append(emails, s.Email)
		}
		var err error
		entry, err = e.chain.Append(ctx, tx, ActionEnvelopeCreated, actor, map[string]any{
			"jobId":             env.JobID,
			"documentId":        env.DocumentID,
			"provider":          env.Provider,
			"providerReference": env.ProviderReference,
			"providerStatus":    string(remote.Status),
			"status":            env.Status,
			"signers":           emails,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.chain.Emit(ctx, correlationID, entry)
	created, err := e.store.Get(ctx, env.ID)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// mergeSigners keeps caller order, then appends provider-only signers.
// Provider data wins for name and signing URL when present.
func mergeSigners(requested []provider.SignerInput, remote provider.Envelope, now time.Time) []envelope.Signer {
	byEmail := make(map[string]provider.Signer, len(remote.Signers))
	for _, s := range remote.Signers {
		byEmail[s.Email] = s
	}
	completed := make(map[string]provider.Completion, len(remote.Completed))
	for _, c := range remote.Completed {
		completed[c.Email] = c
	}

	out := make([]envelope.Signer, 0, len(requested)+len(remote.Signers))
	seen := make(map[string]bool)
	add := func(name, email string) {
		s := envelope.Signer{Name: name, Email: email}
		if p, ok := byEmail[email]; ok {
			if p.Name != "" {
				s.Name = p.Name
			}
			s.SigningURL = p.SigningURL
		}
		if c, ok := completed[email]; ok {
			at := now
			if c.CompletedAt != nil {
				at = envelope.Timestamp(*c.CompletedAt)
			}
			s.Completed = true
			s.CompletedAt = &at
		}
		seen[email] = true
		out = append(out, s)
	}
	for _, r := range requested {
		add(r.Name, r.Email)
	}
	for _, p := range remote.Signers {
		if !seen[p.Email] {
			add(p.Name, p.Email)
		}
	}
	return out
}

// CompleteSignatureEnvelope runs a best-effort preflight sync, then forces a
// certificate download and applies it. Certificate errors propagate.
func (e *Engine) CompleteSignatureEnvelope(ctx context.Context, id, actor, correlationID string) (*envelope.Envelope, error) {
	current, err := e.Get(ctx, id)
	if err != nil || current == nil {
		return nil, err
	}
	if _, err := e.SyncSignatureEnvelopeFromProvider(ctx, id, actor, correlationID, SyncOptions{Source: SourcePreflight}); err != nil {
		return nil, err
	}

	pctx, cancel := e.providerCtx(ctx)
	cert, err := e.adapter.DownloadCertificate(pctx, id)
	cancel()
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, id, Update{
		Certificate: cert.Content,
		Completed:   cert.Completed,
	}, actor, correlationID, SourceComplete)
}

// SyncOptions tunes SyncSignatureEnvelopeFromProvider.
type SyncOptions struct {
	IncludeCertificate bool
	// Source defaults to "sync".
	Source string
}

// SyncSignatureEnvelopeFromProvider pulls remote state and merges it. Provider
// failures are recorded as audit entries and never returned; the caller gets
// the best locally merged state. Only store failures are returned.
func (e *Engine) SyncSignatureEnvelopeFromProvider(ctx context.Context, id, actor, correlationID string, opts SyncOptions) (*envelope.Envelope, error) {
	source := opts.Source
	if source == "" {
		source = SourceSync
	}
	current, err := e.Get(ctx, id)
	if err != nil || current == nil {
		return nil, err
	}

	pctx, cancel := e.providerCtx(ctx)
	remote, err := e.adapter.GetEnvelope(pctx, id)
	cancel()
	if err != nil {
		e.logProviderFailure(ActionProviderSyncFailed, id, source, err)
		if _, aerr := e.RecordAudit(ctx, id, ActionProviderSyncFailed, actor, correlationID, failureMetadata(source, err)); aerr != nil {
			return nil, aerr
		}
		return e.Get(ctx, id)
	}

	upd := Update{
		Status:            remote.Status,
		ProviderReference: remote.Reference,
		Completed:         remote.Completed,
	}
	for _, s := range remote.Signers {
		upd.Signers = append(upd.Signers, SignerLink{Email: s.Email, Name: s.Name, SigningURL: s.SigningURL})
	}

	if opts.IncludeCertificate && current.CertificateHash == "" {
		pctx, cancel := e.providerCtx(ctx)
		cert, err := e.adapter.DownloadCertificate(pctx, id)
		cancel()
		if err != nil {
			e.logProviderFailure(ActionCertificateDownloadFailed, id, source, err)
			if _, aerr := e.RecordAudit(ctx, id, ActionCertificateDownloadFailed, actor, correlationID, failureMetadata(source, err)); aerr != nil {
				return nil, aerr
			}
		} else {
			upd.Certificate = cert.Content
			upd.Completed = provider.MergeCompletions(upd.Completed, cert.Completed)
		}
	}
	return e.apply(ctx, id, upd, actor, correlationID, source)
}

// IngestSignatureWebhookEvent merges an authenticated webhook event without
// calling the provider. A signer whose own status reads as signed counts as
// completed even without an explicit completed list.
func (e *Engine) IngestSignatureWebhookEvent(ctx context.Context, ev webhook.Event, actor, correlationID string) (*envelope.Envelope, error) {
	upd := Update{
		Status:            provider.NormalizeStatus(ev.Status),
		ProviderReference: ev.ProviderReference,
	}
	if ev.Certificate != "" {
		upd.Certificate = []byte(ev.Certificate)
	}
	var completed []provider.Completion
	for _, s := range ev.Signers {
		upd.Signers = append(upd.Signers, SignerLink{Email: s.Email, Name: s.Name, SigningURL: s.SigningURL})
		at := provider.ParseTime(s.CompletedAt)
		if provider.NormalizeStatus(s.Status) == envelope.StatusSigned || at != nil {
			completed = append(completed, provider.Completion{Email: s.Email, CompletedAt: at})
		}
	}
	var explicit []provider.Completion
	for _, c := range ev.Completed {
		explicit = append(explicit, provider.Completion{Email: c.Email, CompletedAt: provider.ParseTime(c.CompletedAt)})
	}
	upd.Completed = provider.MergeCompletions(explicit, completed)
	return e.apply(ctx, ev.SignatureID, upd, actor, correlationID, SourceWebhook)
}

// RecordWebhookFailure notes a verified webhook that could not be applied.
func (e *Engine) RecordWebhookFailure(ctx context.Context, id, actor, correlationID string, cause error) {
	if _, err := e.RecordAudit(ctx, id, ActionWebhookFailed, actor, correlationID, map[string]any{"error": cause.Error()}); err != nil {
		obs.LogEvent("error", "webhook failure audit not recorded", map[string]any{
			"signature_id": id,
			"error":        err.Error(),
		})
	}
}

// FlagSignatureEnvelopeForManualReconciliation moves the envelope to
// pending_manual_review unless it is terminal. The audit entry is written
// either way.
func (e *Engine) FlagSignatureEnvelopeForManualReconciliation(ctx context.Context, id, actor, correlationID, reason string) (*envelope.Envelope, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}
	return e.apply(ctx, id, Update{
		Status: envelope.StatusPendingManualReview,
		Action: ActionFlaggedForManualReview,
		Note:   map[string]any{"reason": reason},
	}, actor, correlationID, SourceManual)
}

// Verification reports the outcome of an audit chain check.
type Verification struct {
	EnvelopeID string `json:"envelopeId"`
	Entries    int    `json:"entries"`
	Valid      bool   `json:"valid"`
	Problem    string `json:"problem,omitempty"`
	Flagged    bool   `json:"flagged"`
}

// VerifyChain recomputes the envelope's audit chain. A broken chain is
// counted, logged and flagged for manual review; it is never repaired.
// Returns envelope.ErrNotFound for unknown envelopes.
func (e *Engine) VerifyChain(ctx context.Context, id, actor, correlationID string) (Verification, error) {
	trail, err := e.store.AuditTrail(ctx, id)
	if err != nil {
		return Verification{}, err
	}
	v := Verification{EnvelopeID: id, Entries: len(trail), Valid: true}
	verr := audit.Verify(id, trail)
	if verr == nil {
		return v, nil
	}
	var ce *audit.ChainError
	if !errors.As(verr, &ce) {
		return Verification{}, verr
	}
	v.Valid = false
	v.Problem = ce.Error()
	obs.CountChainBreak()
	obs.LogEvent("error", "audit chain broken", map[string]any{
		"signature_id": id,
		"index":        ce.Index,
		"entry_id":     ce.EntryID,
		"reason":       ce.Reason,
	})
	if _, err := e.FlagSignatureEnvelopeForManualReconciliation(ctx, id, actor, correlationID, ReasonChainBroken); err != nil {
		return v, err
	}
	v.Flagged = true
	return v, nil
}

func (e *Engine) logProviderFailure(action, id, source string, err error) {
	obs.LogEvent("warn", action, map[string]any{
		"signature_id": id,
		"provider":     e.adapter.Name(),
		"source":       source,
		"error":        err.Error(),
	})
}

func failureMetadata(source string, err error) map[string]any {
	meta := map[string]any{"source": source, "error": err.Error()}
	var he *provider.HTTPError
	if errors.As(err, &he) {
		meta["httpStatus"] = he.Status
	}
	return meta
}
