// Package reconcile merges facts about signature envelopes into the store.
//
// Every path that mutates an existing envelope (operator completion, provider
// polling, inbound webhooks, manual-review flags) goes through Engine.apply,
// which enforces terminal-state monotonicity and writes exactly one audit
// entry per call inside the envelope's serialized scope.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"qazna.org/esign/internal/audit"
	"qazna.org/esign/internal/envelope"
	"qazna.org/esign/internal/obs"
	"qazna.org/esign/internal/provider"
)

// Sources name the trigger behind an update; they end up in the audit action.
const (
	SourceComplete  = "complete"
	SourcePoll      = "poll"
	SourcePreflight = "preflight"
	SourceWebhook   = "webhook"
	SourceManual    = "manual"
	SourceSync      = "sync"
)

// Audit actions written by the engine.
const (
	ActionEnvelopeCreated           = "envelope_created"
	ActionProviderUpdatePrefix      = "provider_update."
	ActionProviderSyncFailed        = "provider_sync_failed"
	ActionCertificateDownloadFailed = "provider_certificate_download_failed"
	ActionFlaggedForManualReview    = "flagged_for_manual_review"
	ActionWebhookFailed             = "webhook_failed"
)

// ReasonChainBroken is the flag reason used when audit verification fails.
const ReasonChainBroken = "audit_chain_broken"

var ErrInvalidRequest = errors.New("reconcile: invalid request")

// SignerLink carries provider-side signer details.
type SignerLink struct {
	Email      string
	Name       string
	SigningURL string
}

// Update is a set of facts to merge into one envelope. Zero fields are absent.
type Update struct {
	Status            envelope.Status
	ProviderReference string
	Certificate       []byte
	Signers           []SignerLink
	Completed         []provider.Completion

	// Action overrides the default "provider_update.<source>" audit action.
	Action string
	// Note is merged into the audit metadata.
	Note map[string]any
}

// Engine is the reconciliation state machine.
type Engine struct {
	store   envelope.Store
	adapter provider.Adapter
	chain   *audit.Chain
	now     func() time.Time
	timeout time.Duration
}

// Option configures Engine.
type Option func(*Engine)

// WithClock overrides time.Now for derived timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithProviderTimeout bounds each outbound provider call.
func WithProviderTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// New wires an engine to its store, provider adapter and audit chain.
func New(store envelope.Store, adapter provider.Adapter, chain *audit.Chain, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		adapter: adapter,
		chain:   chain,
		now:     time.Now,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Provider returns the name of the configured adapter.
func (e *Engine) Provider() string { return e.adapter.Name() }

// Get returns the envelope graph, or nil if it does not exist.
func (e *Engine) Get(ctx context.Context, id string) (*envelope.Envelope, error) {
	env, err := e.store.Get(ctx, id)
	if errors.Is(err, envelope.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// AuditTrail returns the envelope's audit entries in append order.
func (e *Engine) AuditTrail(ctx context.Context, id string) ([]envelope.AuditEntry, error) {
	return e.store.AuditTrail(ctx, id)
}

// RecordAudit appends one audit entry to an existing envelope. It returns nil
// when the envelope does not exist.
func (e *Engine) RecordAudit(ctx context.Context, id, action, actor, correlationID string, metadata any) (*envelope.AuditEntry, error) {
	var entry envelope.AuditEntry
	err := e.store.WithEnvelope(ctx, id, func(tx envelope.Tx) error {
		if _, err := tx.Envelope(ctx); err != nil {
			return err
		}
		var err error
		entry, err = e.chain.Append(ctx, tx, action, actor, metadata)
		return err
	})
	if errors.Is(err, envelope.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.chain.Emit(ctx, correlationID, entry)
	return &entry, nil
}

// apply is the single choke point for mutating an existing envelope. It
// returns nil without writing anything when the envelope does not exist.
func (e *Engine) apply(ctx context.Context, id string, upd Update, actor, correlationID, source string) (*envelope.Envelope, error) {
	var (
		result        envelope.Envelope
		entry         envelope.AuditEntry
		statusChanged bool
	)
	err := e.store.WithEnvelope(ctx, id, func(tx envelope.Tx) error {
		current, err := tx.Envelope(ctx)
		if err != nil {
			return err
		}
		now := envelope.Timestamp(e.now())
		meta := map[string]any{"source": source, "previousStatus": current.Status}

		patch, certChanged := e.envelopePatch(current, upd, now, meta)
		if !patch.Empty() {
			if err := tx.UpdateEnvelope(ctx, patch); err != nil {
				return fmt.Errorf("update envelope: %w", err)
			}
		}
		statusChanged = patch.Status != nil

		touched := 0
		for _, link := range upd.Signers {
			sp, ok := linkPatch(link)
			if !ok {
				continue
			}
			if err := tx.UpsertSigner(ctx, sp); err != nil {
				return fmt.Errorf("upsert signer: %w", err)
			}
			touched++
		}
		for _, c := range provider.MergeCompletions(upd.Completed) {
			if err := tx.UpsertSigner(ctx, completionPatch(current, c, now)); err != nil {
				return fmt.Errorf("complete signer: %w", err)
			}
			touched++
		}

		result, err = tx.Envelope(ctx)
		if err != nil {
			return err
		}
		meta["status"] = result.Status
		meta["statusChanged"] = statusChanged
		meta["providerReference"] = result.ProviderReference
		meta["certificateHash"] = result.CertificateHash
		meta["certificateChanged"] = certChanged
		meta["signersTouched"] = touched
		meta["completedSigners"] = completedEmails(result)
		if result.SignedAt != nil {
			meta["signedAt"] = result.SignedAt.Format(audit.TimestampLayout)
		}
		for k, v := range upd.Note {
			meta[k] = v
		}

		action := upd.Action
		if action == "" {
			action = ActionProviderUpdatePrefix + source
		}
		entry, err = e.chain.Append(ctx, tx, action, actor, meta)
		return err
	})
	if errors.Is(err, envelope.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	obs.CountReconcile(source, statusChanged)
	e.chain.Emit(ctx, correlationID, entry)
	return &result, nil
}

// envelopePatch derives the scalar changes. Terminal statuses never move. A
// certificate moves any open envelope to signed whatever status came with it,
// and is only stored on an envelope that ends up signed; signedAt is set once.
func (e *Engine) envelopePatch(current envelope.Envelope, upd Update, now time.Time, meta map[string]any) (envelope.EnvelopePatch, bool) {
	var patch envelope.EnvelopePatch

	target := upd.Status
	if target != "" && !target.Known() {
		meta["providerStatus"] = string(target)
		target = ""
	}
	hasCert := len(upd.Certificate) > 0
	if hasCert && !current.Status.Terminal() {
		target = envelope.StatusSigned
	}
	if target != "" && target != current.Status && !current.Status.Terminal() {
		patch.Status = &target
	}

	if ref := strings.TrimSpace(upd.ProviderReference); ref != "" && ref != current.ProviderReference {
		patch.ProviderReference = &ref
	}

	if !hasCert {
		return patch, false
	}
	hash := CertificateHash(upd.Certificate)
	signed := current.Status == envelope.StatusSigned || (patch.Status != nil && *patch.Status == envelope.StatusSigned)
	if !signed {
		meta["rejectedCertificateHash"] = hash
		return patch, false
	}
	if hash == current.CertificateHash {
		return patch, false
	}
	patch.CertificateHash = &hash
	if current.SignedAt == nil {
		signedAt := latestCompletion(upd.Completed, now)
		patch.SignedAt = &signedAt
	}
	return patch, true
}

// CertificateHash is the hex SHA-256 of the certificate content.
func CertificateHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func latestCompletion(completed []provider.Completion, fallback time.Time) time.Time {
	var latest *time.Time
	for _, c := range completed {
		if c.CompletedAt != nil && (latest == nil || c.CompletedAt.After(*latest)) {
			latest = c.CompletedAt
		}
	}
	if latest == nil {
		return fallback
	}
	return envelope.Timestamp(*latest)
}

func linkPatch(link SignerLink) (envelope.SignerPatch, bool) {
	email := envelope.NormalizeEmail(link.Email)
	if email == "" {
		return envelope.SignerPatch{}, false
	}
	sp := envelope.SignerPatch{Email: email}
	if name := strings.TrimSpace(link.Name); name != "" {
		sp.Name = &name
	}
	if url := strings.TrimSpace(link.SigningURL); url != "" {
		sp.SigningURL = &url
	}
	return sp, sp.Name != nil || sp.SigningURL != nil
}

// completionPatch stamps completedAt with the supplied time, then the stored
// time, then now.
func completionPatch(current envelope.Envelope, c provider.Completion, now time.Time) envelope.SignerPatch {
	done := true
	at := now
	switch {
	case c.CompletedAt != nil:
		at = envelope.Timestamp(*c.CompletedAt)
	default:
		if s, ok := current.Signer(c.Email); ok && s.CompletedAt != nil {
			at = *s.CompletedAt
		}
	}
	return envelope.SignerPatch{Email: c.Email, Completed: &done, CompletedAt: &at}
}

func completedEmails(env envelope.Envelope) []string {
	out := []string{}
	for _, s := range env.Signers {
		if s.Completed {
			out = append(out, s.Email)
		}
	}
	return out
}

func (e *Engine) providerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.timeout)
}
