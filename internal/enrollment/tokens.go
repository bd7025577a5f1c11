// Package enrollment implements the device enrollment protocol: a
// single-use or multi-use enrollment token is exchanged atomically for a
// device record, a device bearer token, and the bound policy snapshot.
package enrollment

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pathmark/backend/internal/crypto"
	"github.com/pathmark/backend/internal/database"
)

// Token is an admin-issued enrollment token.
type Token struct {
	ID                    uuid.UUID  `json:"id"`
	OrganizationID        uuid.UUID  `json:"organization_id"`
	Token                 string     `json:"-"`
	TokenPrefix           string     `json:"token_prefix"`
	GroupID               *string    `json:"group_id,omitempty"`
	PolicyID              *uuid.UUID `json:"policy_id,omitempty"`
	MaxUses               *int       `json:"max_uses,omitempty"` // nil = unlimited
	CurrentUses           int        `json:"current_uses"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
	AutoAssignUserByEmail bool       `json:"auto_assign_user_by_email"`
	CreatedAt             time.Time  `json:"created_at"`
	RevokedAt             *time.Time `json:"revoked_at,omitempty"`
}

// Invalidity reasons, used to pick the Gone message.
const (
	reasonRevoked   = "enrollment token has been revoked"
	reasonExpired   = "enrollment token has expired"
	reasonExhausted = "enrollment token has reached maximum uses"
)

// invalidReason returns "" for a valid token.
func (t *Token) invalidReason(now time.Time) string {
	if t.RevokedAt != nil {
		return reasonRevoked
	}
	if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
		return reasonExpired
	}
	if t.MaxUses != nil && t.CurrentUses >= *t.MaxUses {
		return reasonExhausted
	}
	return ""
}

const tokenColumns = `id, organization_id, token, token_prefix, group_id, policy_id,
	max_uses, current_uses, expires_at, auto_assign_user_by_email, created_at, revoked_at`

// getTokenByPlain loads a token by its plain value.
func getTokenByPlain(ctx context.Context, q database.Querier, plain string) (*Token, error) {
	var t Token
	err := q.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM enrollment_tokens WHERE token = $1`, plain,
	).Scan(
		&t.ID, &t.OrganizationID, &t.Token, &t.TokenPrefix, &t.GroupID, &t.PolicyID,
		&t.MaxUses, &t.CurrentUses, &t.ExpiresAt, &t.AutoAssignUserByEmail, &t.CreatedAt, &t.RevokedAt,
	)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollment token: %w", err)
	}
	return &t, nil
}

// consumeUse increments current_uses under the max-uses guard. Returns
// false when the token is already exhausted — the concurrent loser of a
// last-use race lands here.
func consumeUse(ctx context.Context, q database.Querier, id uuid.UUID) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE enrollment_tokens
		SET current_uses = current_uses + 1
		WHERE id = $1 AND (max_uses IS NULL OR current_uses < max_uses)`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to consume enrollment token use: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read consume result: %w", err)
	}
	return n == 1, nil
}

// CreateTokenParams configures a new enrollment token.
type CreateTokenParams struct {
	OrganizationID        uuid.UUID
	GroupID               *string
	PolicyID              *uuid.UUID
	MaxUses               *int
	ExpiresInDays         *int
	AutoAssignUserByEmail bool
}

// CreateToken mints and stores an enroll_ token for an organization.
func CreateToken(ctx context.Context, q database.Querier, params CreateTokenParams) (*Token, error) {
	plain, err := crypto.GenerateToken(crypto.PrefixEnrollment, crypto.MinTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate enrollment token: %w", err)
	}

	t := &Token{
		ID:                    uuid.New(),
		OrganizationID:        params.OrganizationID,
		Token:                 plain,
		TokenPrefix:           crypto.TokenPrefix(plain, crypto.PrefixEnrollment),
		GroupID:               params.GroupID,
		PolicyID:              params.PolicyID,
		MaxUses:               params.MaxUses,
		AutoAssignUserByEmail: params.AutoAssignUserByEmail,
	}
	if params.ExpiresInDays != nil {
		exp := time.Now().UTC().AddDate(0, 0, *params.ExpiresInDays)
		t.ExpiresAt = &exp
	}

	err = q.QueryRowContext(ctx, `
		INSERT INTO enrollment_tokens (id, organization_id, token, token_prefix, group_id, policy_id,
			max_uses, current_uses, expires_at, auto_assign_user_by_email, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, NOW())
		RETURNING created_at`,
		t.ID, t.OrganizationID, t.Token, t.TokenPrefix, t.GroupID, t.PolicyID,
		t.MaxUses, t.ExpiresAt, t.AutoAssignUserByEmail,
	).Scan(&t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to store enrollment token: %w", err)
	}
	return t, nil
}

// RevokeToken permanently invalidates a token. Idempotent.
func RevokeToken(ctx context.Context, q database.Querier, id uuid.UUID) error {
	_, err := q.ExecContext(ctx,
		`UPDATE enrollment_tokens SET revoked_at = COALESCE(revoked_at, NOW()) WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke enrollment token %s: %w", id, err)
	}
	return nil
}
