// Package locations ingests device location points and prunes old rows.
package locations

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pathmark/backend/internal/apperr"
	"github.com/pathmark/backend/internal/database"
	"github.com/pathmark/backend/internal/limits"
)

// cleanupBatchSize bounds each DELETE so the cleanup job never holds a
// long lock. The job yields between batches.
const cleanupBatchSize = 10_000

// Point is one reported device position. Timestamp is epoch millis as
// sent by the device.
type Point struct {
	DeviceID  int64    `json:"device_id"`
	Timestamp int64    `json:"timestamp"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Bearing   *float64 `json:"bearing,omitempty"`
	Battery   *float64 `json:"battery,omitempty"`
}

// Validate rejects coordinates outside WGS84 bounds and missing fields.
func (p *Point) Validate() error {
	switch {
	case p.DeviceID == 0:
		return apperr.Validation("device_id is required")
	case p.Timestamp <= 0:
		return apperr.Validation("timestamp must be a positive epoch millisecond value")
	case p.Latitude < -90 || p.Latitude > 90:
		return apperr.Validation(fmt.Sprintf("latitude %f out of range [-90, 90]", p.Latitude))
	case p.Longitude < -180 || p.Longitude > 180:
		return apperr.Validation(fmt.Sprintf("longitude %f out of range [-180, 180]", p.Longitude))
	}
	return nil
}

// Store persists location points.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert stores a single point. Returns the number of rows written (1).
func (s *Store) Insert(ctx context.Context, p *Point) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return insertOne(ctx, s.db, p)
}

// InsertBatch stores up to limits.MaxBatchLocations points in one
// transaction. All points must belong to deviceID.
func (s *Store) InsertBatch(ctx context.Context, deviceID int64, points []Point) (int, error) {
	if len(points) == 0 {
		return 0, apperr.Validation("locations must contain at least one point")
	}
	if err := limits.CheckBatchSize("locations", len(points), limits.MaxBatchLocations); err != nil {
		return 0, err
	}
	for i := range points {
		points[i].DeviceID = deviceID
		if err := points[i].Validate(); err != nil {
			return 0, err
		}
	}

	n := 0
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for i := range points {
			written, err := insertOne(ctx, tx, &points[i])
			if err != nil {
				return err
			}
			n += written
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func insertOne(ctx context.Context, q database.Querier, p *Point) (int, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO locations (device_id, recorded_at, latitude, longitude, accuracy, altitude, speed, bearing, battery, created_at)
		VALUES ($1, to_timestamp($2::double precision / 1000), $3, $4, $5, $6, $7, $8, $9, NOW())`,
		p.DeviceID, p.Timestamp, p.Latitude, p.Longitude, p.Accuracy, p.Altitude, p.Speed, p.Bearing, p.Battery,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert location for device %d: %w", p.DeviceID, err)
	}
	return 1, nil
}

// DeleteOlderThan prunes rows older than retentionDays in batches,
// yielding between batches so sibling tasks get the pool. Stops early
// when ctx is cancelled; the current batch always completes.
func (s *Store) DeleteOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	var total int64
	for {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM locations
			WHERE id IN (
				SELECT id FROM locations
				WHERE recorded_at < NOW() - make_interval(days => $1)
				LIMIT $2
			)`,
			retentionDays, cleanupBatchSize,
		)
		if err != nil {
			return total, fmt.Errorf("failed to delete old locations: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to read delete result: %w", err)
		}
		total += n
		if n < cleanupBatchSize {
			return total, nil
		}

		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
