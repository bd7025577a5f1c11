// Package devices holds the device and device-token records plus the
// query helpers the enrollment and auth paths share. Helpers accept a
// database.Querier so the enrollment transaction can reuse them.
package devices

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pathmark/backend/internal/apperr"
	"github.com/pathmark/backend/internal/crypto"
	"github.com/pathmark/backend/internal/database"
)

// Enrollment statuses — a closed vocabulary stored as text.
const (
	StatusPending   = "pending"
	StatusEnrolled  = "enrolled"
	StatusSuspended = "suspended"
	StatusRetired   = "retired"
)

// ParseEnrollmentStatus rejects anything outside the closed vocabulary.
func ParseEnrollmentStatus(s string) (string, error) {
	switch s {
	case StatusPending, StatusEnrolled, StatusSuspended, StatusRetired:
		return s, nil
	}
	return "", fmt.Errorf("unknown enrollment status %q", s)
}

// DeviceTokenTTL is the lifetime of a minted device token.
const DeviceTokenTTL = 90 * 24 * time.Hour

// deviceTokenBytes is the entropy of a minted device token.
const deviceTokenBytes = 45

// Device is one managed device row.
type Device struct {
	ID               int64      `json:"id"`
	DeviceUUID       uuid.UUID  `json:"device_uuid"`
	DisplayName      string     `json:"display_name"`
	GroupID          string     `json:"group_id"`
	Platform         string     `json:"platform"`
	FCMToken         *string    `json:"fcm_token,omitempty"`
	Active           bool       `json:"active"`
	OrganizationID   *uuid.UUID `json:"organization_id,omitempty"`
	PolicyID         *uuid.UUID `json:"policy_id,omitempty"`
	EnrollmentStatus string     `json:"enrollment_status"`
	OwnerUserID      *uuid.UUID `json:"owner_user_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastSeenAt       *time.Time `json:"last_seen_at,omitempty"`
}

const deviceColumns = `id, device_uuid, display_name, group_id, platform, fcm_token, active,
	organization_id, policy_id, enrollment_status, owner_user_id, created_at, updated_at, last_seen_at`

// GetByUUID loads a device by its client-supplied UUID.
func GetByUUID(ctx context.Context, q database.Querier, deviceUUID uuid.UUID) (*Device, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE device_uuid = $1`, deviceUUID)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("device not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device %s: %w", deviceUUID, err)
	}
	return d, nil
}

// GetByID loads a device by its numeric id.
func GetByID(ctx context.Context, q database.Querier, id int64) (*Device, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("device not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device %d: %w", id, err)
	}
	return d, nil
}

// Insert creates a managed device row with status enrolled.
func Insert(ctx context.Context, q database.Querier, d *Device) (*Device, error) {
	row := q.QueryRowContext(ctx, `
		INSERT INTO devices (device_uuid, display_name, group_id, platform, fcm_token, active,
			organization_id, policy_id, enrollment_status, owner_user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7, $8, $9, NOW(), NOW())
		RETURNING `+deviceColumns,
		d.DeviceUUID, d.DisplayName, d.GroupID, d.Platform, d.FCMToken,
		d.OrganizationID, d.PolicyID, d.EnrollmentStatus, d.OwnerUserID,
	)
	out, err := scanDevice(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert device: %w", err)
	}
	return out, nil
}

// AdoptForEnrollment rebinds an existing device to the enrolling
// organization, group, and policy.
func AdoptForEnrollment(ctx context.Context, q database.Querier, id int64, orgID uuid.UUID, groupID string, policyID *uuid.UUID, displayName string, fcmToken *string) (*Device, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE devices
		SET organization_id = $2, group_id = $3, policy_id = $4,
		    display_name = $5, fcm_token = COALESCE($6, fcm_token),
		    enrollment_status = $7, active = TRUE, updated_at = NOW()
		WHERE id = $1
		RETURNING `+deviceColumns,
		id, orgID, groupID, policyID, displayName, fcmToken, StatusEnrolled,
	)
	out, err := scanDevice(row)
	if err != nil {
		return nil, fmt.Errorf("failed to adopt device %d: %w", id, err)
	}
	return out, nil
}

// CountByGroup supports the usage guardrails: group quota checks use
// this, not an org-wide count.
func CountByGroup(ctx context.Context, q database.Querier, groupID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM devices WHERE group_id = $1`, groupID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count devices for group %s: %w", groupID, err)
	}
	return n, nil
}

// MintedToken is a freshly minted device token. Raw is shown to the
// device exactly once and stored as the lookup key.
type MintedToken struct {
	ID        uuid.UUID
	Raw       string
	Prefix    string
	ExpiresAt time.Time
}

// MintToken creates a dt_ token valid for DeviceTokenTTL.
func MintToken(ctx context.Context, q database.Querier, deviceID int64, orgID uuid.UUID) (*MintedToken, error) {
	raw, err := crypto.GenerateToken(crypto.PrefixDevice, deviceTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate device token: %w", err)
	}

	tok := &MintedToken{
		ID:        uuid.New(),
		Raw:       raw,
		Prefix:    crypto.TokenPrefix(raw, crypto.PrefixDevice),
		ExpiresAt: time.Now().UTC().Add(DeviceTokenTTL),
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO device_tokens (id, device_id, organization_id, token, token_prefix, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		tok.ID, deviceID, orgID, tok.Raw, tok.Prefix, tok.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store device token: %w", err)
	}
	return tok, nil
}

// RevokeTokensForDevice invalidates all live tokens of a device, e.g. on
// retirement.
func RevokeTokensForDevice(ctx context.Context, q database.Querier, deviceID int64) (int64, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE device_tokens SET revoked_at = NOW() WHERE device_id = $1 AND revoked_at IS NULL`,
		deviceID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens for device %d: %w", deviceID, err)
	}
	return res.RowsAffected()
}

func scanDevice(row *sql.Row) (*Device, error) {
	var d Device
	err := row.Scan(
		&d.ID, &d.DeviceUUID, &d.DisplayName, &d.GroupID, &d.Platform, &d.FCMToken, &d.Active,
		&d.OrganizationID, &d.PolicyID, &d.EnrollmentStatus, &d.OwnerUserID,
		&d.CreatedAt, &d.UpdatedAt, &d.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
