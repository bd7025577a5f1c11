package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var deliveryCols = []string{
	"delivery_id", "webhook_id", "event_id", "event_type", "payload",
	"status", "attempts", "last_attempt_at", "next_retry_at",
	"response_code", "error_message", "created_at",
}

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
		ok      bool
	}{
		{0, 0, false},
		{1, 60 * time.Second, true},
		{2, 300 * time.Second, true},
		{3, 900 * time.Second, true},
		{4, 0, false},
		{5, 0, false},
	}
	for _, c := range cases {
		got, ok := BackoffDelay(c.attempt)
		assert.Equal(t, c.ok, ok, "attempt %d", c.attempt)
		assert.Equal(t, c.want, got, "attempt %d", c.attempt)
	}
}

func TestEnqueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	webhookID := uuid.New()
	mock.ExpectQuery(`INSERT INTO webhook_deliveries`).
		WithArgs(sqlmock.AnyArg(), webhookID, nil, "device.enrolled", []byte(`{"k":1}`), StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

	store := NewStore(db)
	d, err := store.Enqueue(context.Background(), webhookID, "device.enrolled", nil, []byte(`{"k":1}`))
	require.NoError(t, err)

	assert.Equal(t, StatusPending, d.Status)
	assert.Equal(t, 0, d.Attempts)
	assert.Nil(t, d.NextRetryAt, "fresh deliveries are immediately due")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAttempt_FailureSchedulesBackoff(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	webhookID := uuid.New()
	now := time.Now().UTC()
	next := now.Add(60 * time.Second)
	code := 500
	msg := "upstream returned 500"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT attempts, status FROM webhook_deliveries`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"attempts", "status"}).AddRow(0, StatusPending))
	mock.ExpectQuery(`UPDATE webhook_deliveries`).
		WithArgs(id, 1, StatusPending, sqlmock.AnyArg(), sqlmock.AnyArg(), &code, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(deliveryCols).AddRow(
			id, webhookID, nil, "device.enrolled", []byte(`{}`),
			StatusPending, 1, now, next, code, msg, now.Add(-time.Minute),
		))
	mock.ExpectCommit()

	store := NewStore(db)
	d, err := store.RecordAttempt(context.Background(), id, false, &code, msg)
	require.NoError(t, err)

	assert.Equal(t, StatusPending, d.Status)
	assert.Equal(t, 1, d.Attempts)
	require.NotNil(t, d.NextRetryAt)
	require.NotNil(t, d.LastAttemptAt)
	assert.Equal(t, 60*time.Second, d.NextRetryAt.Sub(*d.LastAttemptAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAttempt_SuccessIsTerminal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	webhookID := uuid.New()
	now := time.Now().UTC()
	code := 200

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT attempts, status FROM webhook_deliveries`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"attempts", "status"}).AddRow(2, StatusPending))
	mock.ExpectQuery(`UPDATE webhook_deliveries`).
		WithArgs(id, 3, StatusSuccess, sqlmock.AnyArg(), nil, &code, nil).
		WillReturnRows(sqlmock.NewRows(deliveryCols).AddRow(
			id, webhookID, nil, "device.enrolled", []byte(`{}`),
			StatusSuccess, 3, now, nil, code, nil, now.Add(-time.Hour),
		))
	mock.ExpectCommit()

	store := NewStore(db)
	d, err := store.RecordAttempt(context.Background(), id, true, &code, "")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, d.Status)
	assert.True(t, d.Terminal())
	assert.Nil(t, d.NextRetryAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAttempt_MaxAttemptsFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	webhookID := uuid.New()
	now := time.Now().UTC()
	code := 503

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT attempts, status FROM webhook_deliveries`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"attempts", "status"}).AddRow(3, StatusPending))
	mock.ExpectQuery(`UPDATE webhook_deliveries`).
		WithArgs(id, 4, StatusFailed, sqlmock.AnyArg(), nil, &code, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(deliveryCols).AddRow(
			id, webhookID, nil, "device.enrolled", []byte(`{}`),
			StatusFailed, 4, now, nil, code, "service unavailable", now.Add(-time.Hour),
		))
	mock.ExpectCommit()

	store := NewStore(db)
	d, err := store.RecordAttempt(context.Background(), id, false, &code, "service unavailable")
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, d.Status)
	assert.Equal(t, MaxAttempts, d.Attempts)
	assert.Nil(t, d.NextRetryAt, "terminal failed rows have no next retry")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAttempt_TerminalRowRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT attempts, status FROM webhook_deliveries`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"attempts", "status"}).AddRow(4, StatusFailed))
	mock.ExpectRollback()

	store := NewStore(db)
	_, err = store.RecordAttempt(context.Background(), id, false, nil, "late response")
	assert.Error(t, err, "transitions out of terminal states never occur")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimDue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	webhookID := uuid.New()
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(`JOIN webhook_endpoints e`).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows(deliveryCols).AddRow(
			id, webhookID, nil, "location.updated", []byte(`{"lat":1}`),
			StatusPending, 1, now, now, nil, nil, now.Add(-time.Minute),
		))
	mock.ExpectExec(`SET next_retry_at = NOW\(\) \+ make_interval`).
		WithArgs(sqlmock.AnyArg(), claimLeaseSeconds).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewStore(db)
	claimed, err := store.ClaimDue(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].DeliveryID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteOlderThan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM webhook_deliveries`).
		WithArgs(7).
		WillReturnResult(sqlmock.NewResult(0, 42))

	store := NewStore(db)
	n, err := store.DeleteOlderThan(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
