// Package auth validates the three credential kinds the API accepts —
// hashed API keys, device bearer tokens, and signed user sessions — and
// produces the request's Principal.
package auth

import (
	"context"

	"github.com/google/uuid"
)

// Kind tags which credential produced a Principal.
type Kind int

const (
	KindAPIKey Kind = iota
	KindDeviceToken
	KindUserSession
)

func (k Kind) String() string {
	switch k {
	case KindAPIKey:
		return "api_key"
	case KindDeviceToken:
		return "device_token"
	case KindUserSession:
		return "user_session"
	default:
		return "unknown"
	}
}

// Principal is the authenticated identity of one request. It is derived
// per request and never persisted.
type Principal struct {
	Kind Kind

	// API key fields
	APIKeyID       int64
	IsAdmin        bool
	OrganizationID *uuid.UUID

	// Device token fields
	DeviceID int64

	// User session fields
	UserID     uuid.UUID
	SessionJTI string
}

type ctxKey struct{}

// WithPrincipal attaches p to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PrincipalFrom returns the request principal, or nil on unauthenticated
// routes.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxKey{}).(*Principal)
	return p
}
