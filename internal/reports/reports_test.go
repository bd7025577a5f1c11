package reports

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reportCols = []string{
	"id", "organization_id", "report_type", "parameters", "status",
	"file_path", "error_message", "created_at", "completed_at", "expires_at",
}

func TestStore_Enqueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO reports`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

	store := NewStore(db)
	rep, err := store.Enqueue(context.Background(), uuid.New(), "fleet_summary", map[string]interface{}{"days": 30})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rep.Status)
	assert.Equal(t, "fleet_summary", rep.ReportType)
}

func TestStore_ClaimPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	orgID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(StatusPending, int64(300), 10).
		WillReturnRows(sqlmock.NewRows(reportCols).AddRow(
			id.String(), orgID.String(), "fleet_summary", []byte(`{}`), StatusPending,
			nil, nil, time.Now(), nil, nil,
		))
	mock.ExpectExec(`UPDATE reports SET status = 'generating', claimed_at = NOW\(\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewStore(db)
	claimed, err := store.ClaimPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ClaimPendingReclaimsStaleGenerating(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	orgID := uuid.New()
	mock.ExpectBegin()
	// The claim query must also pick up generating rows whose lease has
	// lapsed, so a crashed generator's batch is not stranded.
	mock.ExpectQuery(`status = 'generating' AND claimed_at <`).
		WithArgs(StatusPending, int64(300), 10).
		WillReturnRows(sqlmock.NewRows(reportCols).AddRow(
			id.String(), orgID.String(), "fleet_summary", []byte(`{}`), "generating",
			nil, nil, time.Now().Add(-time.Hour), nil, nil,
		))
	mock.ExpectExec(`UPDATE reports SET status = 'generating', claimed_at = NOW\(\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewStore(db)
	claimed, err := store.ClaimPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ClaimPendingEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(StatusPending, int64(300), 10).
		WillReturnRows(sqlmock.NewRows(reportCols))
	mock.ExpectCommit()

	store := NewStore(db)
	claimed, err := store.ClaimPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRenderer_RenderWritesFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	orgID := uuid.New()
	mock.ExpectQuery(`FROM devices WHERE organization_id`).
		WithArgs(orgID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"count", "active"}).AddRow(12, 9))
	mock.ExpectQuery(`FROM locations l`).
		WithArgs(orgID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(4500)))

	dir := t.TempDir()
	renderer := NewRenderer(db, dir)

	rep := &Report{
		ID:             uuid.New(),
		OrganizationID: orgID,
		ReportType:     "fleet_summary",
		Parameters:     []byte(`{"days":30}`),
	}
	path, err := renderer.Render(context.Background(), rep)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "fleet_summary-"+rep.ID.String()+".json"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	summary := out["summary"].(map[string]interface{})
	assert.Equal(t, float64(12), summary["total_devices"])
	assert.Equal(t, float64(9), summary["active_devices"])
	assert.Equal(t, float64(4500), summary["locations_30_days"])
}

func TestStore_DeleteExpiredRemovesFiles(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	dir := t.TempDir()
	stale := filepath.Join(dir, "old.json")
	require.NoError(t, os.WriteFile(stale, []byte("{}"), 0o640))

	mock.ExpectQuery(`DELETE FROM reports`).
		WillReturnRows(sqlmock.NewRows([]string{"file_path"}).AddRow(stale).AddRow(nil))

	store := NewStore(db)
	n, err := store.DeleteExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	_, statErr := os.Stat(stale)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStore_MarkFailedTruncatesReason(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}

	mock.ExpectExec(`UPDATE reports SET status`).
		WithArgs(sqlmock.AnyArg(), StatusFailed, string(long[:500])).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewStore(db)
	require.NoError(t, store.MarkFailed(context.Background(), uuid.New(), string(long)))
	assert.NoError(t, mock.ExpectationsWereMet())
}
