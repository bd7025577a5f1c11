// Package outbox is the durable record of pending webhook deliveries.
// It exclusively owns the webhook_deliveries table; the delivery worker
// reads and mutates rows through this contract only.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Delivery statuses. success and failed are terminal.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// MaxAttempts is the total number of tries before a delivery is terminal.
const MaxAttempts = 4

// backoffSeconds maps attempt index to the delay before the next retry.
// Index 0 is unused (the first try is immediate on enqueue).
var backoffSeconds = [MaxAttempts]int64{0, 60, 300, 900}

// BackoffDelay returns the retry delay recorded after the n-th failed
// attempt (1-based). Attempts at or past MaxAttempts have no next retry.
func BackoffDelay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt >= MaxAttempts {
		return 0, false
	}
	return time.Duration(backoffSeconds[attempt]) * time.Second, true
}

// Delivery is one outbox row.
type Delivery struct {
	DeliveryID    uuid.UUID       `json:"delivery_id"`
	WebhookID     uuid.UUID       `json:"webhook_id"`
	EventID       *uuid.UUID      `json:"event_id,omitempty"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	ResponseCode  *int            `json:"response_code,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Terminal reports whether the row can never transition again.
func (d *Delivery) Terminal() bool {
	return d.Status == StatusSuccess || d.Status == StatusFailed
}

// Store persists deliveries in Postgres.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const deliveryColumns = `delivery_id, webhook_id, event_id, event_type, payload,
	status, attempts, last_attempt_at, next_retry_at, response_code, error_message, created_at`

// Enqueue inserts a fresh pending delivery eligible for immediate dispatch
// (next_retry_at null).
func (s *Store) Enqueue(ctx context.Context, webhookID uuid.UUID, eventType string, eventID *uuid.UUID, payload json.RawMessage) (*Delivery, error) {
	d := &Delivery{
		DeliveryID: uuid.New(),
		WebhookID:  webhookID,
		EventID:    eventID,
		EventType:  eventType,
		Payload:    payload,
		Status:     StatusPending,
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO webhook_deliveries (delivery_id, webhook_id, event_id, event_type, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, NOW())
		RETURNING created_at`,
		d.DeliveryID, d.WebhookID, d.EventID, d.EventType, []byte(d.Payload), d.Status,
	)
	if err := row.Scan(&d.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to enqueue delivery: %w", err)
	}
	return d, nil
}

// claimLeaseSeconds is how long a claimed row stays invisible to other
// workers before it becomes due again. RecordAttempt overwrites the lease
// with the real backoff, so a crashed worker just delays the row by one
// lease.
const claimLeaseSeconds = 60

// ClaimDue returns up to limit pending deliveries that are due now, oldest
// first, skipping endpoints whose circuit is open or that are disabled.
// FOR UPDATE SKIP LOCKED plus the claim lease keep horizontally scaled
// workers from double-claiming a row.
func (s *Store) ClaimDue(ctx context.Context, limit int) ([]*Delivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT d.`+deliveryColumns+`
		FROM webhook_deliveries d
		JOIN webhook_endpoints e ON e.webhook_id = d.webhook_id
		WHERE d.status = 'pending'
		  AND (d.next_retry_at IS NULL OR d.next_retry_at <= NOW())
		  AND e.enabled
		  AND (e.circuit_open_until IS NULL OR e.circuit_open_until <= NOW())
		ORDER BY COALESCE(d.next_retry_at, d.created_at) ASC
		LIMIT $1
		FOR UPDATE OF d SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due deliveries: %w", err)
	}

	var claimed []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(claimed) > 0 {
		ids := make([]uuid.UUID, len(claimed))
		for i, d := range claimed {
			ids[i] = d.DeliveryID
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE webhook_deliveries
			SET next_retry_at = NOW() + make_interval(secs => $2)
			WHERE delivery_id = ANY($1)`,
			pq.Array(ids), claimLeaseSeconds,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to lease claimed deliveries: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return claimed, nil
}

// errorMessageLimit truncates stored error text.
const errorMessageLimit = 500

// RecordAttempt increments the attempt counter and derives the new status
// and next retry time from the backoff table. Terminal rows are never
// touched again.
func (s *Store) RecordAttempt(ctx context.Context, deliveryID uuid.UUID, success bool, httpStatus *int, errMsg string) (*Delivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin attempt transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT attempts, status FROM webhook_deliveries WHERE delivery_id = $1 FOR UPDATE`,
		deliveryID,
	).Scan(&attempts, &status)
	if err != nil {
		return nil, fmt.Errorf("failed to load delivery %s: %w", deliveryID, err)
	}
	if status != StatusPending {
		return nil, fmt.Errorf("delivery %s is terminal (%s)", deliveryID, status)
	}

	attempts++
	newStatus := StatusPending
	var nextRetryAt *time.Time

	now := time.Now().UTC()
	switch {
	case success:
		newStatus = StatusSuccess
	case attempts >= MaxAttempts:
		newStatus = StatusFailed
	default:
		delay, _ := BackoffDelay(attempts)
		t := now.Add(delay)
		nextRetryAt = &t
	}

	var storedErr *string
	if !success && errMsg != "" {
		if len(errMsg) > errorMessageLimit {
			errMsg = errMsg[:errorMessageLimit]
		}
		storedErr = &errMsg
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE webhook_deliveries
		SET attempts = $2, status = $3, last_attempt_at = $4, next_retry_at = $5,
		    response_code = $6, error_message = $7
		WHERE delivery_id = $1
		RETURNING `+deliveryColumns,
		deliveryID, attempts, newStatus, now, nextRetryAt, httpStatus, storedErr,
	)
	d, err := scanDelivery(row)
	if err != nil {
		return nil, fmt.Errorf("failed to record attempt for %s: %w", deliveryID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit attempt: %w", err)
	}
	return d, nil
}

// DeleteOlderThan removes deliveries created more than the given number of
// days ago, regardless of status.
func (s *Store) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_deliveries WHERE created_at < NOW() - make_interval(days => $1)`,
		days,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old deliveries: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDelivery(row rowScanner) (*Delivery, error) {
	var d Delivery
	var payload []byte
	err := row.Scan(
		&d.DeliveryID, &d.WebhookID, &d.EventID, &d.EventType, &payload,
		&d.Status, &d.Attempts, &d.LastAttemptAt, &d.NextRetryAt,
		&d.ResponseCode, &d.ErrorMessage, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Payload = json.RawMessage(payload)
	return &d, nil
}
