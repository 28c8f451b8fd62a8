package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func TestGenerateAndValidate(t *testing.T) {
	issuer := NewIssuer("test-secret")

	token, err := issuer.GenerateToken("ops@x.com", []string{"ESIGN_OPERATOR", "esign_viewer", "esign_operator"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := issuer.ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "ops@x.com" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if len(claims.Roles) != 2 || !slices.Contains(claims.Roles, RoleOperator) {
		t.Fatalf("roles were not normalized: %v", claims.Roles)
	}
}

func TestRejectsForeignSecretAndExpiry(t *testing.T) {
	issuer := NewIssuer("test-secret")
	token, _ := issuer.GenerateToken("ops@x.com", nil, time.Minute)

	if _, err := NewIssuer("other-secret").ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign secret, got %v", err)
	}

	later := NewIssuer("test-secret")
	later.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := later.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestDisabledIssuer(t *testing.T) {
	issuer := NewIssuer("  ")
	if issuer.Enabled() {
		t.Fatal("blank secret must disable the issuer")
	}
	if _, err := issuer.GenerateToken("ops", nil, time.Minute); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestPrincipalPermissions(t *testing.T) {
	viewer := NewPrincipal("v@x.com", []string{"esign_viewer"})
	if !viewer.HasPermission(PermEnvelopeRead) {
		t.Fatalf("viewer must read envelopes")
	}
	if viewer.HasPermission(PermEnvelopeCreate) {
		t.Fatalf("viewer must not create envelopes")
	}
	operator := NewPrincipal("o@x.com", []string{"Esign_Operator"})
	for _, perm := range []string{PermEnvelopeCreate, PermEnvelopeComplete, PermEnvelopeReconcile} {
		if !operator.HasPermission(perm) {
			t.Fatalf("operator missing %s", perm)
		}
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := ContextWithPrincipal(context.Background(), NewPrincipal("ops@x.com", []string{RoleOperator}))
	if id, ok := UserIDFromContext(ctx); !ok || id != "ops@x.com" {
		t.Fatalf("user id not in context: %q", id)
	}
	p, ok := PrincipalFromContext(ctx)
	if !ok || !p.HasPermission(PermEnvelopeCreate) {
		t.Fatalf("principal not in context: %+v", p)
	}
	if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != RoleOperator {
		t.Fatalf("roles not in context: %v", roles)
	}
}
