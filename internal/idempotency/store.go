// Package idempotency makes write endpoints retry-safe. Client keys are
// SHA-256 hashed, mapped to the first stored response, and replayed
// byte-identically until the record expires (24h).
package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TTL is how long a cached response stays replayable.
const TTL = 24 * time.Hour

// Record is one cached response.
type Record struct {
	KeyHash      string    `json:"key_hash"`
	DeviceID     *int64    `json:"device_id,omitempty"`
	ResponseBody []byte    `json:"response_body"`
	StatusCode   int       `json:"response_status_code"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Store persists idempotency records in Postgres.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Lookup returns the cached record for keyHash, or nil when absent or
// expired.
func (s *Store) Lookup(ctx context.Context, keyHash string) (*Record, error) {
	var rec Record
	err := s.db.QueryRowContext(ctx, `
		SELECT key_hash, device_id, response_body, response_status_code, created_at, expires_at
		FROM idempotency_records
		WHERE key_hash = $1 AND expires_at > NOW()`,
		keyHash,
	).Scan(&rec.KeyHash, &rec.DeviceID, &rec.ResponseBody, &rec.StatusCode, &rec.CreatedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency record: %w", err)
	}
	return &rec, nil
}

// Store inserts the record unless one already exists for keyHash; on
// collision the existing row wins and is returned. This is how two
// concurrent duplicate requests converge on one response.
func (s *Store) Store(ctx context.Context, keyHash string, deviceID *int64, body []byte, status int) (*Record, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (key_hash, device_id, response_body, response_status_code, created_at, expires_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW() + make_interval(secs => $5))
		ON CONFLICT (key_hash) DO NOTHING`,
		keyHash, deviceID, body, status, int64(TTL.Seconds()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store idempotency record: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read insert result: %w", err)
	}

	if inserted == 0 {
		// Lost the race: re-read so the caller replays the winner's
		// response instead of its own.
		existing, err := s.Lookup(ctx, keyHash)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		// Collided with an expired row; treat our response as canonical.
	}

	return &Record{
		KeyHash:      keyHash,
		DeviceID:     deviceID,
		ResponseBody: body,
		StatusCode:   status,
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    time.Now().UTC().Add(TTL),
	}, nil
}

// SweepExpired deletes rows past their expiry; run hourly by the cleanup
// job.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep idempotency records: %w", err)
	}
	return res.RowsAffected()
}
