package auth

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pathmark/backend/internal/apperr"
	"github.com/pathmark/backend/internal/crypto"
)

// Single client-visible message for every invalid-credential cause, to
// prevent account enumeration.
const unauthorizedMsg = "invalid or expired credentials"

// Resolver validates raw credentials against the store and produces
// Principals. It fails closed: only dependency faults map to Internal;
// "no match" is always Unauthorized.
type Resolver struct {
	db       *sql.DB
	sessions *SessionVerifier
	logger   *log.Logger
}

// NewResolver creates a resolver. sessions may be nil when user auth is
// disabled; ResolveSession then rejects everything.
func NewResolver(db *sql.DB, sessions *SessionVerifier) *Resolver {
	return &Resolver{
		db:       db,
		sessions: sessions,
		logger:   log.New(log.Writer(), "[AUTH] ", log.LstdFlags),
	}
}

// ResolveAPIKey validates an X-API-Key value (pm_…). The raw key is
// SHA-256 hashed and matched against active, unexpired rows.
func (r *Resolver) ResolveAPIKey(ctx context.Context, raw string) (*Principal, error) {
	if !strings.HasPrefix(raw, crypto.PrefixAPIKey) || len(raw) < 11 {
		return nil, apperr.Unauthorized(unauthorizedMsg)
	}

	keyHash := crypto.SHA256Hex(raw)

	var p Principal
	p.Kind = KindAPIKey
	var orgID *uuid.UUID
	err := r.db.QueryRowContext(ctx, `
		SELECT id, is_admin, organization_id
		FROM api_keys
		WHERE key_hash = $1 AND is_active AND (expires_at IS NULL OR expires_at > NOW())`,
		keyHash,
	).Scan(&p.APIKeyID, &p.IsAdmin, &orgID)
	if err == sql.ErrNoRows {
		return nil, apperr.Unauthorized(unauthorizedMsg)
	}
	if err != nil {
		return nil, apperr.Internal("api key lookup failed", err)
	}
	p.OrganizationID = orgID

	r.touchAPIKey(p.APIKeyID)
	return &p, nil
}

// ResolveDeviceToken validates a Bearer dt_… value against the
// device-token table.
func (r *Resolver) ResolveDeviceToken(ctx context.Context, raw string) (*Principal, error) {
	if !strings.HasPrefix(raw, crypto.PrefixDevice) || len(raw) < 11 {
		return nil, apperr.Unauthorized(unauthorizedMsg)
	}

	var p Principal
	p.Kind = KindDeviceToken
	var tokenID uuid.UUID
	var orgID *uuid.UUID
	err := r.db.QueryRowContext(ctx, `
		SELECT dt.id, dt.device_id, dt.organization_id
		FROM device_tokens dt
		WHERE dt.token = $1 AND dt.revoked_at IS NULL AND dt.expires_at > NOW()`,
		raw,
	).Scan(&tokenID, &p.DeviceID, &orgID)
	if err == sql.ErrNoRows {
		return nil, apperr.Unauthorized(unauthorizedMsg)
	}
	if err != nil {
		return nil, apperr.Internal("device token lookup failed", err)
	}
	p.OrganizationID = orgID

	r.touchDeviceToken(tokenID, p.DeviceID)
	return &p, nil
}

// ResolveSession validates a Bearer session token. All validation
// failures share one Unauthorized message.
func (r *Resolver) ResolveSession(raw string) (*Principal, error) {
	if r.sessions == nil {
		return nil, apperr.Unauthorized(unauthorizedMsg)
	}

	claims, err := r.sessions.Verify(raw)
	if err != nil {
		return nil, apperr.Unauthorized(unauthorizedMsg)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, apperr.Unauthorized(unauthorizedMsg)
	}

	return &Principal{
		Kind:       KindUserSession,
		UserID:     userID,
		SessionJTI: claims.JTI,
	}, nil
}

// Resolve picks the credential kind from the headers: X-API-Key first,
// then Bearer dt_… or a session token. Returns Unauthorized when no
// credential is present.
func (r *Resolver) Resolve(ctx context.Context, apiKeyHeader, authorizationHeader string) (*Principal, error) {
	if apiKeyHeader != "" {
		return r.ResolveAPIKey(ctx, apiKeyHeader)
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authorizationHeader, bearerPrefix) {
		return nil, apperr.Unauthorized(unauthorizedMsg)
	}
	bearer := authorizationHeader[len(bearerPrefix):]
	if bearer == "" {
		return nil, apperr.Unauthorized(unauthorizedMsg)
	}

	if strings.HasPrefix(bearer, crypto.PrefixDevice) {
		return r.ResolveDeviceToken(ctx, bearer)
	}
	return r.ResolveSession(bearer)
}

// touchAPIKey updates last_used_at best-effort: it must not block the
// request and its failure is logged at warn, never surfaced.
func (r *Resolver) touchAPIKey(id int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := r.db.ExecContext(ctx,
			`UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id); err != nil {
			r.logger.Printf("⚠️  Failed to update api key last_used_at (id=%d): %v", id, err)
		}
	}()
}

func (r *Resolver) touchDeviceToken(tokenID uuid.UUID, deviceID int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := r.db.ExecContext(ctx,
			`UPDATE device_tokens SET last_used_at = NOW() WHERE id = $1`, tokenID); err != nil {
			r.logger.Printf("⚠️  Failed to update device token last_used_at: %v", err)
		}
		if _, err := r.db.ExecContext(ctx,
			`UPDATE devices SET last_seen_at = NOW() WHERE id = $1`, deviceID); err != nil {
			r.logger.Printf("⚠️  Failed to update device last_seen_at: %v", err)
		}
	}()
}
