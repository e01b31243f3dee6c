package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/blureserve/seat-engine/identity"
	"github.com/blureserve/seat-engine/logging"
	"github.com/blureserve/seat-engine/reserve"
)

type principalKey struct{}

func withPrincipal(ctx context.Context, p identity.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// principalFrom returns the caller set by Authenticate. Handlers behind
// Authenticate always have one.
func principalFrom(ctx context.Context) identity.Principal {
	p, _ := ctx.Value(principalKey{}).(identity.Principal)
	return p
}

// Authenticate rejects requests without a valid bearer token and stores
// the verified principal in the request context.
func Authenticate(provider identity.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="blureserve"`)
				writeError(w, http.StatusUnauthorized, "Missing bearer token", reserve.ErrUnauthorized)
				return
			}
			p, err := provider.Verify(r.Context(), token)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="blureserve", error="invalid_token"`)
				writeError(w, http.StatusUnauthorized, "Invalid token", reserve.ErrUnauthorized)
				return
			}

			ctx := withPrincipal(r.Context(), p)
			if l := logging.FromContext(ctx); l != nil {
				ctx = logging.WithContext(ctx, l.With().Str("account_id", string(p.AccountID)).Logger())
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole lets through only principals of the given kind.
func RequireRole(kind reserve.AccountKind) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if principalFrom(r.Context()).Role != kind {
				writeError(w, http.StatusForbidden, "Requires role "+string(kind), identity.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the token from an "Authorization: Bearer ..." header.
func bearerToken(r *http.Request) string {
	const prefix = "bearer "
	h := r.Header.Get("Authorization")
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
