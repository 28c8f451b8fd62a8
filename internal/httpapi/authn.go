package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"qazna.org/esign/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
	// anonymousActor is recorded when token auth is disabled (development only).
	anonymousActor = "anonymous"
)

// withAuth resolves the bearer token into a principal. With no issuer
// configured every caller is treated as an anonymous operator.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.issuer.Enabled() {
			principal := auth.NewPrincipal(anonymousActor, []string{auth.RoleOperator})
			next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
			return
		}
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			respondError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		principal, err := a.issuer.Authenticate(token)
		if err != nil {
			respondError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
	})
}

// require wraps h with a permission check.
func (a *API) require(perm string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			respondError(w, r, http.StatusUnauthorized, auth.ErrUnauthenticated.Error())
			return
		}
		if !principal.HasPermission(perm) {
			respondError(w, r, http.StatusForbidden, auth.ErrForbidden.Error())
			return
		}
		h(w, r)
	}
}

func actorFrom(r *http.Request) string {
	if id, ok := auth.UserIDFromContext(r.Context()); ok {
		return id
	}
	return anonymousActor
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
