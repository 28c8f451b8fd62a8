package pg

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"qazna.org/esign/internal/envelope"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

var envelopeColumns = []string{"id", "job_id", "document_id", "provider", "status", "provider_reference", "certificate_hash", "signed_at", "created_at"}

func expectLock(mock sqlmock.Sqlmock, id string) {
	mock.ExpectBegin()
	mock.ExpectExec(q("pg_advisory_xact_lock(hashtextextended($1, 0))")).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestWithEnvelopeLoadsGraphAndCommits(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	completed := created.Add(time.Hour)

	expectLock(mock, "env_1")
	mock.ExpectQuery(q("from signature_envelopes where id=$1")).WithArgs("env_1").
		WillReturnRows(sqlmock.NewRows(envelopeColumns).AddRow("env_1", "job", "doc", "mock", "sent", "REF", "", nil, created))
	mock.ExpectQuery(q("from signature_signers where envelope_id=$1")).WithArgs("env_1").
		WillReturnRows(sqlmock.NewRows([]string{"email", "name", "signing_url", "completed", "completed_at"}).
			AddRow("a@x.com", "A", "https://p/1", true, completed).
			AddRow("b@x.com", "B", "", false, nil))
	mock.ExpectCommit()

	err := s.WithEnvelope(context.Background(), "env_1", func(tx envelope.Tx) error {
		env, err := tx.Envelope(context.Background())
		if err != nil {
			return err
		}
		if env.Status != envelope.StatusSent || env.ProviderReference != "REF" || len(env.Signers) != 2 {
			t.Fatalf("unexpected envelope %+v", env)
		}
		if !env.Signers[0].Completed || !env.Signers[0].CompletedAt.Equal(completed) || env.Signers[1].CompletedAt != nil {
			t.Fatalf("unexpected signers %+v", env.Signers)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithEnvelope: %v", err)
	}
}

func TestWithEnvelopeRollsBackOnError(t *testing.T) {
	s, mock := newMock(t)
	expectLock(mock, "env_1")
	mock.ExpectRollback()

	boom := errors.New("boom")
	if err := s.WithEnvelope(context.Background(), "env_1", func(envelope.Tx) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestInsertEnvelopeDuplicate(t *testing.T) {
	s, mock := newMock(t)
	expectLock(mock, "env_1")
	mock.ExpectExec(q("insert into signature_envelopes")).WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err := s.WithEnvelope(context.Background(), "env_1", func(tx envelope.Tx) error {
		return tx.InsertEnvelope(context.Background(), envelope.Envelope{JobID: "j", DocumentID: "d", Status: envelope.StatusSent})
	})
	if !errors.Is(err, envelope.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestInsertEnvelopeWritesSigners(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	expectLock(mock, "env_1")
	mock.ExpectExec(q("insert into signature_envelopes")).
		WithArgs("env_1", "j", "d", "mock", "sent", nil, "", nil, created).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(q("insert into signature_signers")).
		WithArgs("env_1", "a@x.com", "A", "https://p/1", false, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.WithEnvelope(context.Background(), "env_1", func(tx envelope.Tx) error {
		return tx.InsertEnvelope(context.Background(), envelope.Envelope{
			JobID:      "j",
			DocumentID: "d",
			Provider:   "mock",
			Status:     envelope.StatusSent,
			CreatedAt:  created,
			Signers:    []envelope.Signer{{Name: "A", Email: "A@x.com", SigningURL: "https://p/1"}},
		})
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestUpsertSignerPreservesOmittedFields(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	expectLock(mock, "env_1")
	mock.ExpectExec(q("on conflict (envelope_id, email) do update")).
		WithArgs("env_1", "a@x.com", nil, nil, true, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	done := true
	err := s.WithEnvelope(context.Background(), "env_1", func(tx envelope.Tx) error {
		if err := tx.UpsertSigner(context.Background(), envelope.SignerPatch{Email: ""}); !errors.Is(err, envelope.ErrInvalidSigner) {
			t.Fatalf("expected ErrInvalidSigner, got %v", err)
		}
		return tx.UpsertSigner(context.Background(), envelope.SignerPatch{Email: " A@X.com", Completed: &done, CompletedAt: &at})
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func TestUpdateEnvelope(t *testing.T) {
	s, mock := newMock(t)
	signed := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	status := envelope.StatusSigned
	hash := "abc"

	expectLock(mock, "env_1")
	mock.ExpectExec(q("update signature_envelopes set")).
		WithArgs("env_1", "signed", nil, "abc", signed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("update signature_envelopes set")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithEnvelope(context.Background(), "env_1", func(tx envelope.Tx) error {
		if err := tx.UpdateEnvelope(context.Background(), envelope.EnvelopePatch{Status: &status, CertificateHash: &hash, SignedAt: &signed}); err != nil {
			return err
		}
		return tx.UpdateEnvelope(context.Background(), envelope.EnvelopePatch{Status: &status})
	})
	if !errors.Is(err, envelope.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing row, got %v", err)
	}
}

func TestAuditAppendAndLastHash(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	expectLock(mock, "env_1")
	mock.ExpectQuery(q("select entry_hash from signature_audit_log")).WithArgs("env_1").
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}))
	mock.ExpectExec(q("insert into signature_audit_log")).
		WithArgs("aud_1", "env_1", "envelope_created", "ops", `{"a":1}`, created, "", "h1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(q("select entry_hash from signature_audit_log")).WithArgs("env_1").
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}).AddRow("h1"))
	mock.ExpectCommit()

	err := s.WithEnvelope(context.Background(), "env_1", func(tx envelope.Tx) error {
		prev, err := tx.LastAuditHash(context.Background())
		if err != nil || prev != "" {
			t.Fatalf("expected empty previous hash, got %q %v", prev, err)
		}
		if err := tx.AppendAudit(context.Background(), envelope.AuditEntry{
			ID: "aud_1", Action: "envelope_created", Actor: "ops", Metadata: []byte(`{"a":1}`), CreatedAt: created, EntryHash: "h1",
		}); err != nil {
			return err
		}
		prev, err = tx.LastAuditHash(context.Background())
		if err != nil || prev != "h1" {
			t.Fatalf("expected h1, got %q %v", prev, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithEnvelope: %v", err)
	}
}

func TestAuditTrail(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(q("select exists")).WithArgs("missing").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	if _, err := s.AuditTrail(context.Background(), "missing"); !errors.Is(err, envelope.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mock.ExpectQuery(q("select exists")).WithArgs("env_1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(q("order by seq asc")).WithArgs("env_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "signature_id", "action", "actor", "metadata", "created_at", "previous_hash", "entry_hash"}).
			AddRow("a1", "env_1", "envelope_created", "ops", `{"b": 2, "a": 1}`, created, "", "h1").
			AddRow("a2", "env_1", "provider_update.webhook", "hook", `{}`, created, "h1", "h2"))
	trail, err := s.AuditTrail(context.Background(), "env_1")
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(trail) != 2 || trail[1].PreviousHash != "h1" || string(trail[0].Metadata) != `{"b": 2, "a": 1}` {
		t.Fatalf("unexpected trail %+v", trail)
	}
}

func TestGetNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(q("from signature_envelopes where id=$1")).WithArgs("nope").WillReturnRows(sqlmock.NewRows(envelopeColumns))
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, envelope.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListOpenAndIDs(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(q("where status in ($1, $2, $3)")).WithArgs("pending", "sent", "pending_manual_review", 100).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("env_1"))
	mock.ExpectQuery(q("from signature_envelopes where id=$1")).WithArgs("env_1").
		WillReturnRows(sqlmock.NewRows(envelopeColumns).AddRow("env_1", "job", "doc", "mock", "sent", "", "", nil, created))
	mock.ExpectQuery(q("from signature_signers")).WithArgs("env_1").
		WillReturnRows(sqlmock.NewRows([]string{"email", "name", "signing_url", "completed", "completed_at"}))

	open, err := s.ListOpen(context.Background(), 0)
	if err != nil || len(open) != 1 || open[0].ID != "env_1" {
		t.Fatalf("ListOpen: %+v %v", open, err)
	}

	mock.ExpectQuery(q("where id > $1")).WithArgs("env_1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("env_2").AddRow("env_3"))
	ids, err := s.ListIDs(context.Background(), "env_1", 2)
	if err != nil || len(ids) != 2 || ids[0] != "env_2" {
		t.Fatalf("ListIDs: %v %v", ids, err)
	}
}
