// Package orgs holds organization-level settings: the unlock PIN,
// notification defaults, and unlock-request policy.
package orgs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pathmark/backend/internal/apperr"
	"github.com/pathmark/backend/internal/crypto"
)

// Settings is one organization's settings row. The unlock PIN is stored
// as an Argon2id hash and never leaves the server; HasUnlockPin is the
// derived flag clients see.
type Settings struct {
	OrganizationID           uuid.UUID `json:"organization_id"`
	HasUnlockPin             bool      `json:"has_unlock_pin"`
	DefaultDailyLimitMinutes int       `json:"default_daily_limit_minutes"`
	NotificationsEnabled     bool      `json:"notifications_enabled"`
	AutoApproveUnlocks       bool      `json:"auto_approve_unlocks"`
	UpdatedAt                time.Time `json:"updated_at"`

	unlockPinHash *string
}

// SettingsStore reads and writes organization settings.
type SettingsStore struct {
	db *sql.DB
}

func NewSettingsStore(db *sql.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// Get loads settings for an organization, falling back to defaults when
// no row exists yet.
func (s *SettingsStore) Get(ctx context.Context, orgID uuid.UUID) (*Settings, error) {
	set := Settings{
		OrganizationID:           orgID,
		DefaultDailyLimitMinutes: 120,
		NotificationsEnabled:     true,
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT unlock_pin_hash, default_daily_limit_minutes, notifications_enabled, auto_approve_unlocks, updated_at
		FROM organization_settings WHERE organization_id = $1`,
		orgID,
	).Scan(&set.unlockPinHash, &set.DefaultDailyLimitMinutes, &set.NotificationsEnabled, &set.AutoApproveUnlocks, &set.UpdatedAt)
	if err == sql.ErrNoRows {
		return &set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings for org %s: %w", orgID, err)
	}
	set.HasUnlockPin = set.unlockPinHash != nil && *set.unlockPinHash != ""
	return &set, nil
}

// UpdateParams carries a partial settings update. Nil fields are left
// unchanged; UnlockPin "" clears the PIN.
type UpdateParams struct {
	UnlockPin                *string
	DefaultDailyLimitMinutes *int
	NotificationsEnabled     *bool
	AutoApproveUnlocks       *bool
}

// Update upserts the settings row, hashing a new unlock PIN with
// Argon2id before it is stored.
func (s *SettingsStore) Update(ctx context.Context, orgID uuid.UUID, params UpdateParams) (*Settings, error) {
	var pinHash *string
	clearPin := false
	if params.UnlockPin != nil {
		if *params.UnlockPin == "" {
			clearPin = true
		} else {
			if len(*params.UnlockPin) < 4 {
				return nil, apperr.Validation("unlock PIN must be at least 4 characters")
			}
			hashed, err := crypto.HashPassword(*params.UnlockPin)
			if err != nil {
				return nil, fmt.Errorf("failed to hash unlock PIN: %w", err)
			}
			pinHash = &hashed
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organization_settings (organization_id, unlock_pin_hash, default_daily_limit_minutes, notifications_enabled, auto_approve_unlocks, updated_at)
		VALUES ($1, $2, COALESCE($3, 120), COALESCE($4, TRUE), COALESCE($5, FALSE), NOW())
		ON CONFLICT (organization_id) DO UPDATE SET
			unlock_pin_hash = CASE WHEN $6 THEN NULL WHEN $2 IS NOT NULL THEN $2 ELSE organization_settings.unlock_pin_hash END,
			default_daily_limit_minutes = COALESCE($3, organization_settings.default_daily_limit_minutes),
			notifications_enabled = COALESCE($4, organization_settings.notifications_enabled),
			auto_approve_unlocks = COALESCE($5, organization_settings.auto_approve_unlocks),
			updated_at = NOW()`,
		orgID, pinHash, params.DefaultDailyLimitMinutes, params.NotificationsEnabled, params.AutoApproveUnlocks, clearPin,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update settings for org %s: %w", orgID, err)
	}

	return s.Get(ctx, orgID)
}

// VerifyUnlockPin checks a candidate PIN against the stored hash.
// Returns Unauthorized when no PIN is set or the candidate mismatches.
func (s *SettingsStore) VerifyUnlockPin(ctx context.Context, orgID uuid.UUID, pin string) error {
	var hash *string
	err := s.db.QueryRowContext(ctx,
		`SELECT unlock_pin_hash FROM organization_settings WHERE organization_id = $1`, orgID,
	).Scan(&hash)
	if err == sql.ErrNoRows || (err == nil && (hash == nil || *hash == "")) {
		return apperr.Unauthorized("no unlock PIN is set for this organization")
	}
	if err != nil {
		return fmt.Errorf("failed to load unlock PIN for org %s: %w", orgID, err)
	}

	ok, err := crypto.VerifyPassword(pin, *hash)
	if err != nil {
		return fmt.Errorf("failed to verify unlock PIN: %w", err)
	}
	if !ok {
		return apperr.Unauthorized("incorrect unlock PIN")
	}
	return nil
}
