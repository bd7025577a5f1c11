package auth

import (
	"context"
	"log"

	"github.com/pathmark/backend/internal/apperr"
)

// IdentityClaims is the subset of a federated identity token the
// platform consumes.
type IdentityClaims struct {
	Subject       string
	Email         string
	EmailVerified bool
}

// IdentityVerifier validates a provider-issued identity token (Google
// or Apple sign-in) and returns its claims. Implementations own
// signature and audience checks.
type IdentityVerifier interface {
	Verify(ctx context.Context, rawToken string) (*IdentityClaims, error)
}

// DisabledVerifier rejects every token. Providers without a working
// backend resolve to this so unconfigured sign-in fails closed.
type DisabledVerifier struct{}

func (DisabledVerifier) Verify(context.Context, string) (*IdentityClaims, error) {
	return nil, apperr.Unauthorized(unauthorizedMsg)
}

// Identity providers.
const (
	ProviderGoogle = "google"
	ProviderApple  = "apple"
)

// NewIdentityVerifiers maps each provider to its verifier. Only the
// disabled backend exists today; a configured client ID is logged so
// operators can tell why sign-in still rejects.
func NewIdentityVerifiers(googleClientID, appleClientID string) map[string]IdentityVerifier {
	logger := log.New(log.Writer(), "[AUTH] ", log.LstdFlags)
	if googleClientID != "" {
		logger.Printf("⚠️  Google client ID configured but no verifier backend is built in; Google sign-in disabled")
	}
	if appleClientID != "" {
		logger.Printf("⚠️  Apple client ID configured but no verifier backend is built in; Apple sign-in disabled")
	}
	return map[string]IdentityVerifier{
		ProviderGoogle: DisabledVerifier{},
		ProviderApple:  DisabledVerifier{},
	}
}
