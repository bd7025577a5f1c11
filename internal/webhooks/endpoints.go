// Package webhooks delivers asynchronous events to external HTTP
// consumers. Endpoints are owned by an organization (with an event-type
// filter) or by a device (receiving every event its owner produces).
// Circuit-breaker state lives on the endpoint row itself so it survives
// restarts and works with horizontally scaled workers.
package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pathmark/backend/internal/apperr"
)

// Endpoint is a registered webhook target.
type Endpoint struct {
	WebhookID           uuid.UUID  `json:"webhook_id"`
	OrganizationID      *uuid.UUID `json:"organization_id,omitempty"`
	DeviceID            *int64     `json:"device_id,omitempty"`
	Name                string     `json:"name"`
	TargetURL           string     `json:"target_url"`
	Secret              string     `json:"-"`
	Enabled             bool       `json:"enabled"`
	EventTypes          []string   `json:"event_types,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CircuitOpenUntil    *time.Time `json:"circuit_open_until,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// CircuitOpen reports whether deliveries to the endpoint are currently
// blocked.
func (e *Endpoint) CircuitOpen(now time.Time) bool {
	return e.CircuitOpenUntil != nil && e.CircuitOpenUntil.After(now)
}

// EndpointStore persists webhook endpoints.
type EndpointStore struct {
	db *sql.DB
}

func NewEndpointStore(db *sql.DB) *EndpointStore {
	return &EndpointStore{db: db}
}

const endpointColumns = `webhook_id, organization_id, device_id, name, target_url, secret,
	enabled, event_types, consecutive_failures, circuit_open_until, created_at, updated_at`

// Create inserts a new endpoint. Names are unique per owner,
// case-insensitively; a collision maps to Conflict.
func (s *EndpointStore) Create(ctx context.Context, ep *Endpoint) (*Endpoint, error) {
	if ep.WebhookID == uuid.Nil {
		ep.WebhookID = uuid.New()
	}
	ep.Enabled = true

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO webhook_endpoints (webhook_id, organization_id, device_id, name, target_url, secret, enabled, event_types, consecutive_failures, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, NOW(), NOW())
		RETURNING created_at, updated_at`,
		ep.WebhookID, ep.OrganizationID, ep.DeviceID, ep.Name, ep.TargetURL, ep.Secret, ep.Enabled, pq.Array(ep.EventTypes),
	)
	if err := row.Scan(&ep.CreatedAt, &ep.UpdatedAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, apperr.Conflict(fmt.Sprintf("webhook named %q already exists for this owner", ep.Name))
		}
		return nil, fmt.Errorf("failed to create webhook endpoint: %w", err)
	}
	return ep, nil
}

// GetByID loads one endpoint.
func (s *EndpointStore) GetByID(ctx context.Context, id uuid.UUID) (*Endpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE webhook_id = $1`, id)
	ep, err := scanEndpoint(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("webhook endpoint not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook endpoint %s: %w", id, err)
	}
	return ep, nil
}

// FindSubscribers returns the enabled endpoints that should receive an
// event: org endpoints whose filter contains the event type (or is empty)
// and device endpoints belonging to the producing device (all events).
func (s *EndpointStore) FindSubscribers(ctx context.Context, orgID *uuid.UUID, deviceID *int64, eventType string) ([]*Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+endpointColumns+`
		FROM webhook_endpoints
		WHERE enabled
		  AND (
		        (organization_id IS NOT NULL AND organization_id = $1
		         AND (event_types IS NULL OR cardinality(event_types) = 0 OR $3 = ANY(event_types)))
		     OR (device_id IS NOT NULL AND device_id = $2)
		  )`,
		orgID, deviceID, eventType,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find webhook subscribers: %w", err)
	}
	defer rows.Close()

	var eps []*Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

// RecordSuccess resets the endpoint's failure counter and closes its
// circuit.
func (s *EndpointStore) RecordSuccess(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_endpoints
		SET consecutive_failures = 0, circuit_open_until = NULL, updated_at = NOW()
		WHERE webhook_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to record webhook success: %w", err)
	}
	return nil
}

// RecordFailure increments the failure counter; when it reaches threshold
// the circuit opens for cooloff and the counter resets to 0. Returns
// whether this call opened the circuit. The update is a single statement
// so parallel workers cannot double-open.
func (s *EndpointStore) RecordFailure(ctx context.Context, id uuid.UUID, threshold int, cooloff time.Duration) (bool, error) {
	var opened bool
	err := s.db.QueryRowContext(ctx, `
		UPDATE webhook_endpoints
		SET consecutive_failures = CASE WHEN consecutive_failures + 1 >= $2 THEN 0 ELSE consecutive_failures + 1 END,
		    circuit_open_until   = CASE WHEN consecutive_failures + 1 >= $2 THEN NOW() + make_interval(secs => $3) ELSE circuit_open_until END,
		    updated_at = NOW()
		WHERE webhook_id = $1
		RETURNING (consecutive_failures = 0)`,
		id, threshold, int(cooloff.Seconds()),
	).Scan(&opened)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook failure: %w", err)
	}
	return opened, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEndpoint(row rowScanner) (*Endpoint, error) {
	var ep Endpoint
	err := row.Scan(
		&ep.WebhookID, &ep.OrganizationID, &ep.DeviceID, &ep.Name, &ep.TargetURL, &ep.Secret,
		&ep.Enabled, pq.Array(&ep.EventTypes), &ep.ConsecutiveFailures, &ep.CircuitOpenUntil,
		&ep.CreatedAt, &ep.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ep, nil
}
