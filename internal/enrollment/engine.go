package enrollment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pathmark/backend/internal/apperr"
	"github.com/pathmark/backend/internal/database"
	"github.com/pathmark/backend/internal/devices"
	"github.com/pathmark/backend/internal/metrics"
	"github.com/pathmark/backend/internal/notify"
	"github.com/pathmark/backend/internal/webhooks"
)

// Request is the unauthenticated enrollment exchange input.
type Request struct {
	EnrollmentToken string            `json:"enrollment_token"`
	DeviceUUID      string            `json:"device_uuid"`
	DisplayName     string            `json:"display_name"`
	Platform        string            `json:"platform"`
	DeviceInfo      map[string]string `json:"device_info,omitempty"`
	FCMToken        *string           `json:"fcm_token,omitempty"`
}

// PolicySnapshot is the policy state handed to the device at enrollment.
type PolicySnapshot struct {
	ID             uuid.UUID              `json:"id"`
	Name           string                 `json:"name"`
	Settings       map[string]interface{} `json:"settings"`
	LockedSettings []string               `json:"locked_settings"`
}

// Response is the 201 body. DeviceToken is the raw secret, shown exactly
// once.
type Response struct {
	Device               *devices.Device `json:"device"`
	DeviceToken          string          `json:"device_token"`
	DeviceTokenExpiresAt time.Time       `json:"device_token_expires_at"`
	Policy               *PolicySnapshot `json:"policy,omitempty"`
	Group                *string         `json:"group,omitempty"`
}

// Engine runs the enrollment exchange as one transaction.
type Engine struct {
	db        *sql.DB
	publisher *webhooks.Publisher
	mets      *metrics.Metrics
	notifier  notify.Client
	logger    *log.Logger
}

// NewEngine creates the engine. publisher, mets, and notifier may be
// nil in tests.
func NewEngine(db *sql.DB, publisher *webhooks.Publisher, mets *metrics.Metrics, notifier notify.Client) *Engine {
	return &Engine{
		db:        db,
		publisher: publisher,
		mets:      mets,
		notifier:  notifier,
		logger:    log.New(log.Writer(), "[ENROLL] ", log.LstdFlags),
	}
}

// Enroll validates the token, binds (or creates) the device, consumes one
// token use under the max-uses guard, and mints a device token — all in
// one transaction. Exactly one of N concurrent enrollments against a
// token with one remaining use succeeds; the rest get Gone.
func (e *Engine) Enroll(ctx context.Context, req *Request) (*Response, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	deviceUUID, err := uuid.Parse(req.DeviceUUID)
	if err != nil {
		return nil, apperr.Validation("device_uuid must be a valid UUID")
	}

	var resp *Response
	txErr := database.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		token, err := getTokenByPlain(ctx, tx, req.EnrollmentToken)
		if err == sql.ErrNoRows {
			return apperr.NotFound("enrollment token not found")
		}
		if err != nil {
			return apperr.Internal("enrollment token lookup failed", err)
		}
		if reason := token.invalidReason(time.Now()); reason != "" {
			return apperr.Gone(reason)
		}

		existing, err := devices.GetByUUID(ctx, tx, deviceUUID)
		if err != nil && apperr.From(err).Kind != apperr.KindNotFound {
			return apperr.Internal("device lookup failed", err)
		}
		if existing != nil && existing.OrganizationID != nil && *existing.OrganizationID != token.OrganizationID {
			return apperr.Conflict("device is already enrolled in a different organization")
		}

		groupID := fmt.Sprintf("org_%s", token.OrganizationID)
		if token.GroupID != nil && *token.GroupID != "" {
			groupID = *token.GroupID
		}

		var device *devices.Device
		if existing != nil {
			device, err = devices.AdoptForEnrollment(ctx, tx, existing.ID, token.OrganizationID, groupID, token.PolicyID, req.DisplayName, req.FCMToken)
		} else {
			device, err = devices.Insert(ctx, tx, &devices.Device{
				DeviceUUID:       deviceUUID,
				DisplayName:      req.DisplayName,
				GroupID:          groupID,
				Platform:         req.Platform,
				FCMToken:         req.FCMToken,
				OrganizationID:   &token.OrganizationID,
				PolicyID:         token.PolicyID,
				EnrollmentStatus: devices.StatusEnrolled,
			})
		}
		if err != nil {
			return apperr.Internal("failed to persist device", err)
		}

		// The guarded increment is the race arbiter: when two enrollments
		// fight over the last use, the loser's update affects zero rows
		// and the whole transaction rolls back.
		consumed, err := consumeUse(ctx, tx, token.ID)
		if err != nil {
			return apperr.Internal("failed to consume enrollment token", err)
		}
		if !consumed {
			return apperr.Gone(reasonExhausted)
		}

		minted, err := devices.MintToken(ctx, tx, device.ID, token.OrganizationID)
		if err != nil {
			return apperr.Internal("failed to mint device token", err)
		}

		var policy *PolicySnapshot
		if token.PolicyID != nil {
			policy, err = loadPolicySnapshot(ctx, tx, *token.PolicyID)
			if err != nil {
				return apperr.Internal("failed to load policy snapshot", err)
			}
		}

		resp = &Response{
			Device:               device,
			DeviceToken:          minted.Raw,
			DeviceTokenExpiresAt: minted.ExpiresAt,
			Policy:               policy,
			Group:                &groupID,
		}
		return nil
	})
	if txErr != nil {
		if e.mets != nil {
			e.mets.Enrollments.WithLabelValues("rejected").Inc()
		}
		return nil, txErr
	}

	outcome := "created"
	if resp.Device.CreatedAt.Before(resp.Device.UpdatedAt) {
		outcome = "updated"
	}
	if e.mets != nil {
		e.mets.Enrollments.WithLabelValues(outcome).Inc()
	}
	e.logger.Printf("✅ Device %s enrolled into org %s (group %s)", resp.Device.DeviceUUID, *resp.Device.OrganizationID, resp.Device.GroupID)

	if e.publisher != nil {
		if _, err := e.publisher.Publish(ctx, resp.Device.OrganizationID, &resp.Device.ID, webhooks.EventDeviceEnrolled, map[string]interface{}{
			"device_id":   resp.Device.ID,
			"device_uuid": resp.Device.DeviceUUID,
			"group_id":    resp.Device.GroupID,
			"platform":    resp.Device.Platform,
		}); err != nil {
			e.logger.Printf("⚠️  Failed to publish %s: %v", webhooks.EventDeviceEnrolled, err)
		}
	}

	// Welcome push is best-effort; enrollment already committed.
	if e.notifier != nil && req.FCMToken != nil && *req.FCMToken != "" {
		if err := e.notifier.Send(ctx, &notify.Message{
			Token: *req.FCMToken,
			Title: "Device enrolled",
			Body:  fmt.Sprintf("%s is now managed", resp.Device.DisplayName),
			Data:  map[string]string{"device_uuid": resp.Device.DeviceUUID.String()},
		}); err != nil {
			e.logger.Printf("⚠️  Failed to send enrollment push: %v", err)
		}
	}

	return resp, nil
}

func (r *Request) validate() error {
	switch {
	case r.EnrollmentToken == "":
		return apperr.Validation("enrollment_token is required")
	case r.DeviceUUID == "":
		return apperr.Validation("device_uuid is required")
	case r.DisplayName == "":
		return apperr.Validation("display_name is required")
	case r.Platform == "":
		return apperr.Validation("platform is required")
	}
	return nil
}

func loadPolicySnapshot(ctx context.Context, q database.Querier, id uuid.UUID) (*PolicySnapshot, error) {
	var snap PolicySnapshot
	var settings []byte
	err := q.QueryRowContext(ctx,
		`SELECT id, name, settings, locked_settings FROM policies WHERE id = $1`, id,
	).Scan(&snap.ID, &snap.Name, &settings, pq.Array(&snap.LockedSettings))
	if err == sql.ErrNoRows {
		// Token references a deleted policy; enroll without one.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load policy %s: %w", id, err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &snap.Settings); err != nil {
			return nil, fmt.Errorf("failed to decode policy settings: %w", err)
		}
	}
	return &snap, nil
}
