package idempotency

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathmark/backend/internal/crypto"
)

func countingHandler(calls *int, status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(status)
		w.Write([]byte(body))
	})
}

func TestMiddleware_NoKeyPassesThrough(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	calls := 0
	h := Middleware(NewStore(db), nil)(countingHandler(&calls, http.StatusCreated, `{"ok":true}`))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/locations", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet()) // no queries at all
}

func TestMiddleware_ReplaysCachedResponse(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	keyHash := crypto.SHA256Hex("key-1")
	now := time.Now()
	mock.ExpectQuery(`FROM idempotency_records`).
		WithArgs(keyHash).
		WillReturnRows(sqlmock.NewRows(recordCols).AddRow(
			keyHash, nil, []byte(`{"cached":true}`), 201, now, now.Add(TTL),
		))

	calls := 0
	h := Middleware(NewStore(db), nil)(countingHandler(&calls, http.StatusCreated, `{"fresh":true}`))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/locations", strings.NewReader("{}"))
	req.Header.Set(Header, "key-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 0, calls, "handler must not run on replay")
	assert.Equal(t, 201, rec.Code)
	assert.Equal(t, `{"cached":true}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestMiddleware_CachesFirstResponse(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	keyHash := crypto.SHA256Hex("key-2")
	mock.ExpectQuery(`FROM idempotency_records`).
		WithArgs(keyHash).
		WillReturnRows(sqlmock.NewRows(recordCols))
	mock.ExpectExec(`INSERT INTO idempotency_records`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	calls := 0
	h := Middleware(NewStore(db), nil)(countingHandler(&calls, http.StatusCreated, `{"fresh":true}`))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/locations", strings.NewReader("{}"))
	req.Header.Set(Header, "key-2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 1, calls)
	assert.Equal(t, `{"fresh":true}`, rec.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMiddleware_LostRaceReturnsStoredResponse(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	keyHash := crypto.SHA256Hex("key-4")
	now := time.Now()
	// First lookup misses, so the handler runs.
	mock.ExpectQuery(`FROM idempotency_records`).
		WithArgs(keyHash).
		WillReturnRows(sqlmock.NewRows(recordCols))
	// A concurrent duplicate inserted first: our insert affects 0 rows.
	mock.ExpectExec(`INSERT INTO idempotency_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// The re-read returns the winner's record.
	mock.ExpectQuery(`FROM idempotency_records`).
		WithArgs(keyHash).
		WillReturnRows(sqlmock.NewRows(recordCols).AddRow(
			keyHash, nil, []byte(`{"winner":true}`), 200, now, now.Add(TTL),
		))

	calls := 0
	h := Middleware(NewStore(db), nil)(countingHandler(&calls, http.StatusCreated, `{"loser":true}`))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/locations", strings.NewReader("{}"))
	req.Header.Set(Header, "key-4")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 200, rec.Code, "client must see the stored status, not its own")
	assert.Equal(t, `{"winner":true}`, rec.Body.String(), "client must see the stored body, not its own")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMiddleware_ServerErrorNotCached(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	keyHash := crypto.SHA256Hex("key-3")
	mock.ExpectQuery(`FROM idempotency_records`).
		WithArgs(keyHash).
		WillReturnRows(sqlmock.NewRows(recordCols))
	// No INSERT expectation: a 500 must not be stored.

	calls := 0
	h := Middleware(NewStore(db), nil)(countingHandler(&calls, http.StatusInternalServerError, `{"error":"boom"}`))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/locations", strings.NewReader("{}"))
	req.Header.Set(Header, "key-3")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
