// Package reports implements the asynchronous report pipeline: admins
// queue a report request, the generation job renders it to a JSON file
// in the spool directory, and a daily job removes expired reports.
package reports

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pathmark/backend/internal/database"
)

// Report statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// reportTTLDays is how long a rendered report stays downloadable.
const reportTTLDays = 30

// generatingLease bounds how long a claimed report may sit in the
// generating state. If the generator crashes mid-render, the next claim
// pass past the lease picks the row up again.
const generatingLease = 5 * time.Minute

// Report is one queued or rendered report.
type Report struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	ReportType     string     `json:"report_type"`
	Parameters     []byte     `json:"-"`
	Status         string     `json:"status"`
	FilePath       *string    `json:"-"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

const reportColumns = `id, organization_id, report_type, parameters, status, file_path, error_message, created_at, completed_at, expires_at`

// Store persists report jobs in Postgres.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Enqueue creates a pending report job.
func (s *Store) Enqueue(ctx context.Context, orgID uuid.UUID, reportType string, params map[string]interface{}) (*Report, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report parameters: %w", err)
	}

	r := &Report{
		ID:             uuid.New(),
		OrganizationID: orgID,
		ReportType:     reportType,
		Parameters:     raw,
		Status:         StatusPending,
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO reports (id, organization_id, report_type, parameters, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING created_at`,
		r.ID, r.OrganizationID, r.ReportType, r.Parameters, r.Status,
	).Scan(&r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue report: %w", err)
	}
	return r, nil
}

// ClaimPending pops up to limit pending reports with skip-locked
// semantics so parallel generators never render the same report twice.
// Claimed rows are flipped out of pending inside the claim transaction
// and stamped with a claim time; generating rows whose lease has lapsed
// are reclaimed, so a crashed generator never strands its batch.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]*Report, error) {
	var claimed []*Report
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+reportColumns+`
			FROM reports
			WHERE status = $1
			   OR (status = 'generating' AND claimed_at < NOW() - make_interval(secs => $2))
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED`,
			StatusPending, int64(generatingLease.Seconds()), limit,
		)
		if err != nil {
			return fmt.Errorf("failed to claim pending reports: %w", err)
		}
		defer rows.Close()

		var ids []string
		for rows.Next() {
			var r Report
			if err := rows.Scan(
				&r.ID, &r.OrganizationID, &r.ReportType, &r.Parameters, &r.Status,
				&r.FilePath, &r.ErrorMessage, &r.CreatedAt, &r.CompletedAt, &r.ExpiresAt,
			); err != nil {
				return fmt.Errorf("failed to scan report row: %w", err)
			}
			claimed = append(claimed, &r)
			ids = append(ids, r.ID.String())
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate report rows: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE reports SET status = 'generating', claimed_at = NOW() WHERE id = ANY($1)`, pq.Array(ids))
		if err != nil {
			return fmt.Errorf("failed to mark reports generating: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkCompleted records the rendered file and stamps the expiry.
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID, filePath string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reports
		SET status = $2, file_path = $3, completed_at = NOW(),
		    expires_at = NOW() + make_interval(days => $4)
		WHERE id = $1`,
		id, StatusCompleted, filePath, reportTTLDays,
	)
	if err != nil {
		return fmt.Errorf("failed to mark report %s completed: %w", id, err)
	}
	return nil
}

// MarkFailed records the failure reason.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	if len(reason) > 500 {
		reason = reason[:500]
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE reports SET status = $2, error_message = $3, completed_at = NOW() WHERE id = $1`,
		id, StatusFailed, reason,
	)
	if err != nil {
		return fmt.Errorf("failed to mark report %s failed: %w", id, err)
	}
	return nil
}

// DeleteExpired removes expired report rows and their spool files.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM reports WHERE expires_at IS NOT NULL AND expires_at < NOW() RETURNING file_path`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired reports: %w", err)
	}
	defer rows.Close()

	var n int64
	for rows.Next() {
		var path *string
		if err := rows.Scan(&path); err != nil {
			return n, fmt.Errorf("failed to scan deleted report: %w", err)
		}
		n++
		if path != nil && *path != "" {
			// Missing files are fine; the row is the source of truth.
			os.Remove(*path)
		}
	}
	return n, rows.Err()
}

// Renderer turns a claimed report into a JSON summary file.
type Renderer struct {
	db       *sql.DB
	spoolDir string
}

func NewRenderer(db *sql.DB, spoolDir string) *Renderer {
	return &Renderer{db: db, spoolDir: spoolDir}
}

// Render writes the report summary to the spool directory and returns
// the file path.
func (r *Renderer) Render(ctx context.Context, rep *Report) (string, error) {
	summary, err := r.buildSummary(ctx, rep)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(r.spoolDir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create spool dir: %w", err)
	}

	path := filepath.Join(r.spoolDir, fmt.Sprintf("%s-%s.json", rep.ReportType, rep.ID))
	raw, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report %s: %w", rep.ID, err)
	}
	if err := os.WriteFile(path, raw, 0o640); err != nil {
		return "", fmt.Errorf("failed to write report file: %w", err)
	}
	return path, nil
}

// buildSummary assembles the fleet summary for the organization. Every
// report type currently shares the same shape; type-specific sections
// can hang off the parameters later.
func (r *Renderer) buildSummary(ctx context.Context, rep *Report) (map[string]interface{}, error) {
	var deviceCount, activeCount int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE active)
		FROM devices WHERE organization_id = $1`,
		rep.OrganizationID,
	).Scan(&deviceCount, &activeCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count devices for report %s: %w", rep.ID, err)
	}

	var locationCount int64
	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM locations l
		JOIN devices d ON d.id = l.device_id
		WHERE d.organization_id = $1 AND l.recorded_at > NOW() - INTERVAL '30 days'`,
		rep.OrganizationID,
	).Scan(&locationCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count locations for report %s: %w", rep.ID, err)
	}

	var params map[string]interface{}
	if len(rep.Parameters) > 0 {
		if err := json.Unmarshal(rep.Parameters, &params); err != nil {
			return nil, fmt.Errorf("failed to decode parameters for report %s: %w", rep.ID, err)
		}
	}

	return map[string]interface{}{
		"report_id":       rep.ID,
		"report_type":     rep.ReportType,
		"organization_id": rep.OrganizationID,
		"generated_at":    time.Now().UTC().Format(time.RFC3339),
		"parameters":      params,
		"summary": map[string]interface{}{
			"total_devices":     deviceCount,
			"active_devices":    activeCount,
			"locations_30_days": locationCount,
		},
	}, nil
}
