// Package pg implements envelope.Store on PostgreSQL.
//
// Each WithEnvelope scope runs in one transaction holding a transaction-level
// advisory lock derived from the envelope id, so concurrent writers to the
// same envelope queue up while different envelopes proceed independently.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"qazna.org/esign/internal/envelope"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

var _ envelope.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) WithEnvelope(ctx context.Context, id string, fn func(envelope.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtextextended($1, 0))`, id); err != nil {
		return err
	}
	if err := fn(&pgTx{tx: tx, id: id}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, id string) (envelope.Envelope, error) {
	return loadEnvelope(ctx, s.db, id)
}

func (s *Store) AuditTrail(ctx context.Context, id string) ([]envelope.AuditEntry, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from signature_envelopes where id=$1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, envelope.ErrNotFound
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, signature_id, action, actor, metadata, created_at, previous_hash, entry_hash
		from signature_audit_log
		where signature_id=$1
		order by seq asc
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trail := []envelope.AuditEntry{}
	for rows.Next() {
		var (
			e    envelope.AuditEntry
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.SignatureID, &e.Action, &e.Actor, &meta, &e.CreatedAt, &e.PreviousHash, &e.EntryHash); err != nil {
			return nil, err
		}
		e.Metadata = meta
		e.CreatedAt = e.CreatedAt.UTC()
		trail = append(trail, e)
	}
	return trail, rows.Err()
}

func (s *Store) ListOpen(ctx context.Context, limit int) ([]envelope.Envelope, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id from signature_envelopes
		where status in ($1, $2, $3)
		order by created_at asc, id asc
		limit $4
	`, string(envelope.StatusPending), string(envelope.StatusSent), string(envelope.StatusPendingManualReview), limit)
	if err != nil {
		return nil, err
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}
	res := make([]envelope.Envelope, 0, len(ids))
	for _, id := range ids {
		env, err := loadEnvelope(ctx, s.db, id)
		if errors.Is(err, envelope.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		res = append(res, env)
	}
	return res, nil
}

func (s *Store) ListIDs(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id from signature_envelopes where id > $1 order by id asc limit $2
	`, after, limit)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadEnvelope(ctx context.Context, q queryer, id string) (envelope.Envelope, error) {
	var (
		env      envelope.Envelope
		status   string
		signedAt sql.NullTime
	)
	err := q.QueryRowContext(ctx, `
		select id, job_id, document_id, provider, status, coalesce(provider_reference, ''),
		       certificate_hash, signed_at, created_at
		from signature_envelopes where id=$1
	`, id).Scan(&env.ID, &env.JobID, &env.DocumentID, &env.Provider, &status, &env.ProviderReference,
		&env.CertificateHash, &signedAt, &env.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return envelope.Envelope{}, envelope.ErrNotFound
	}
	if err != nil {
		return envelope.Envelope{}, err
	}
	env.Status = envelope.Status(status)
	env.CreatedAt = env.CreatedAt.UTC()
	env.SignedAt = utcPtr(signedAt)

	rows, err := q.QueryContext(ctx, `
		select email, name, signing_url, completed, completed_at
		from signature_signers where envelope_id=$1
		order by position asc
	`, id)
	if err != nil {
		return envelope.Envelope{}, err
	}
	defer rows.Close()
	env.Signers = []envelope.Signer{}
	for rows.Next() {
		var (
			s           envelope.Signer
			completedAt sql.NullTime
		)
		if err := rows.Scan(&s.Email, &s.Name, &s.SigningURL, &s.Completed, &completedAt); err != nil {
			return envelope.Envelope{}, err
		}
		s.CompletedAt = utcPtr(completedAt)
		env.Signers = append(env.Signers, s)
	}
	return env, rows.Err()
}

// pgTx is the envelope-scoped view of an open transaction.
type pgTx struct {
	tx *sql.Tx
	id string
}

func (t *pgTx) EnvelopeID() string { return t.id }

func (t *pgTx) Envelope(ctx context.Context) (envelope.Envelope, error) {
	return loadEnvelope(ctx, t.tx, t.id)
}

func (t *pgTx) InsertEnvelope(ctx context.Context, env envelope.Envelope) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into signature_envelopes(id, job_id, document_id, provider, status, provider_reference, certificate_hash, signed_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.id, env.JobID, env.DocumentID, env.Provider, string(env.Status), nullString(env.ProviderReference),
		env.CertificateHash, nullTime(env.SignedAt), env.CreatedAt.UTC())
	if err != nil {
		return mapError(err)
	}
	for _, s := range env.Signers {
		s := s
		if err := t.UpsertSigner(ctx, envelope.SignerPatch{
			Email:       s.Email,
			Name:        &s.Name,
			SigningURL:  &s.SigningURL,
			Completed:   &s.Completed,
			CompletedAt: s.CompletedAt,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) UpdateEnvelope(ctx context.Context, patch envelope.EnvelopePatch) error {
	var status any
	if patch.Status != nil {
		status = string(*patch.Status)
	}
	res, err := t.tx.ExecContext(ctx, `
		update signature_envelopes set
			status = coalesce($2::text, status),
			provider_reference = coalesce($3::text, provider_reference),
			certificate_hash = coalesce($4::text, certificate_hash),
			signed_at = coalesce($5::timestamptz, signed_at)
		where id=$1
	`, t.id, status, ptrString(patch.ProviderReference), ptrString(patch.CertificateHash), nullTime(patch.SignedAt))
	if err != nil {
		return mapError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return envelope.ErrNotFound
	}
	return nil
}

func (t *pgTx) UpsertSigner(ctx context.Context, patch envelope.SignerPatch) error {
	email := envelope.NormalizeEmail(patch.Email)
	if email == "" {
		return envelope.ErrInvalidSigner
	}
	var completed any
	if patch.Completed != nil {
		completed = *patch.Completed
	}
	_, err := t.tx.ExecContext(ctx, `
		insert into signature_signers(envelope_id, email, name, signing_url, completed, completed_at)
		values ($1, $2, coalesce($3::text, ''), coalesce($4::text, ''), coalesce($5::boolean, false), $6::timestamptz)
		on conflict (envelope_id, email) do update set
			name = coalesce($3::text, signature_signers.name),
			signing_url = coalesce($4::text, signature_signers.signing_url),
			completed = coalesce($5::boolean, signature_signers.completed),
			completed_at = coalesce($6::timestamptz, signature_signers.completed_at)
	`, t.id, email, ptrString(patch.Name), ptrString(patch.SigningURL), completed, nullTime(patch.CompletedAt))
	return mapError(err)
}

func (t *pgTx) LastAuditHash(ctx context.Context) (string, error) {
	var hash string
	err := t.tx.QueryRowContext(ctx, `
		select entry_hash from signature_audit_log where signature_id=$1 order by seq desc limit 1
	`, t.id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

func (t *pgTx) AppendAudit(ctx context.Context, e envelope.AuditEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into signature_audit_log(id, signature_id, action, actor, metadata, created_at, previous_hash, entry_hash)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, t.id, e.Action, e.Actor, string(e.Metadata), e.CreatedAt.UTC(), e.PreviousHash, e.EntryHash)
	return mapError(err)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return envelope.ErrAlreadyExists
		case foreignKeyViolation:
			return envelope.ErrNotFound
		}
	}
	return err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func ptrString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func utcPtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
