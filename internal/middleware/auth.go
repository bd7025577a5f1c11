// Package middleware holds the HTTP middleware chain: credential
// resolution, rate limiting, feature gating, and transport headers.
package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/pathmark/backend/internal/apperr"
	"github.com/pathmark/backend/internal/auth"
)

// apiKeyHeader carries pm_ keys; bearer credentials ride Authorization.
const apiKeyHeader = "X-API-Key"

func writeError(w http.ResponseWriter, err error) {
	ae := apperr.From(err)
	msg := ae.Message
	if ae.Kind == apperr.KindInternal {
		msg = "internal server error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Kind.HTTPStatus())
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Authenticate resolves any of the three credential kinds and attaches
// the principal. Requests without a valid credential get 401.
func Authenticate(resolver *auth.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := resolver.Resolve(r.Context(), r.Header.Get(apiKeyHeader), r.Header.Get("Authorization"))
			if err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}

// OptionalAuthenticate resolves a credential when one is presented but
// lets anonymous requests through. A presented-but-invalid credential
// still fails: silently ignoring a bad key hides client bugs.
func OptionalAuthenticate(resolver *auth.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(apiKeyHeader) == "" && r.Header.Get("Authorization") == "" {
				next.ServeHTTP(w, r)
				return
			}
			p, err := resolver.Resolve(r.Context(), r.Header.Get(apiKeyHeader), r.Header.Get("Authorization"))
			if err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireKind rejects authenticated requests whose credential kind does
// not match. Chain after Authenticate.
func RequireKind(kind auth.Kind) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := auth.PrincipalFrom(r.Context())
			if p == nil || p.Kind != kind {
				writeError(w, apperr.Forbidden("this endpoint requires a "+kind.String()+" credential"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin rejects non-admin API keys and all other credential
// kinds. Chain after Authenticate.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := auth.PrincipalFrom(r.Context())
			if p == nil || (p.Kind == auth.KindAPIKey && !p.IsAdmin) || p.Kind == auth.KindDeviceToken {
				writeError(w, apperr.Forbidden("admin access required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
