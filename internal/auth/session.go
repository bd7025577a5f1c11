package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SessionClaims are the claims embedded in a signed session token.
type SessionClaims struct {
	Subject   string `json:"sub"` // user UUID
	JTI       string `json:"jti"` // session id, used for revocation
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Issuer    string `json:"iss,omitempty"`
}

// errInvalidSession is the single internal failure for every invalid
// session cause. Distinct causes must not be distinguishable by clients.
var errInvalidSession = errors.New("invalid session token")

// SessionVerifier validates session tokens of the form
// base64url(claimsJSON) "." base64url(ed25519 signature) against a
// pre-loaded public key.
type SessionVerifier struct {
	publicKey ed25519.PublicKey
	leeway    time.Duration
	now       func() time.Time
}

// NewSessionVerifier builds a verifier from the raw 32-byte Ed25519 public
// key, base64-encoded. leeway is clock tolerance applied to expiry and
// issued-at checks.
func NewSessionVerifier(publicKeyBase64 string, leeway time.Duration) (*SessionVerifier, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode session public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("session public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return &SessionVerifier{
		publicKey: ed25519.PublicKey(raw),
		leeway:    leeway,
		now:       time.Now,
	}, nil
}

// Verify checks signature and temporal validity. Every failure returns
// errInvalidSession so the caller cannot leak whether the token was
// expired, malformed, or signed by the wrong key.
func (v *SessionVerifier) Verify(token string) (*SessionClaims, error) {
	dot := strings.LastIndexByte(token, '.')
	if dot <= 0 || dot == len(token)-1 {
		return nil, errInvalidSession
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(token[:dot])
	if err != nil {
		return nil, errInvalidSession
	}
	sig, err := base64.RawURLEncoding.DecodeString(token[dot+1:])
	if err != nil {
		return nil, errInvalidSession
	}

	if !ed25519.Verify(v.publicKey, claimsJSON, sig) {
		return nil, errInvalidSession
	}

	var claims SessionClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, errInvalidSession
	}
	if claims.Subject == "" || claims.JTI == "" {
		return nil, errInvalidSession
	}

	now := v.now()
	if claims.ExpiresAt > 0 && now.After(time.Unix(claims.ExpiresAt, 0).Add(v.leeway)) {
		return nil, errInvalidSession
	}
	if claims.IssuedAt > 0 && now.Add(v.leeway).Before(time.Unix(claims.IssuedAt, 0)) {
		return nil, errInvalidSession
	}

	return &claims, nil
}
