package bootstrap

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathmark/backend/internal/config"
)

func TestEnsureAdmin_SkipsWhenUnconfigured(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, EnsureAdmin(context.Background(), db, config.AdminConfig{}))
	assert.NoError(t, mock.ExpectationsWereMet()) // no queries at all
}

func TestEnsureAdmin_SkipsWhenAdminExists(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users WHERE is_admin`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	cfg := config.AdminConfig{BootstrapEmail: "admin@example.com", BootstrapPassword: "correct-horse-battery"}
	require.NoError(t, EnsureAdmin(context.Background(), db, cfg))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureAdmin_CreatesUserAndKeyInOneTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users WHERE is_admin`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO api_keys`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	cfg := config.AdminConfig{BootstrapEmail: "admin@example.com", BootstrapPassword: "correct-horse-battery"}
	require.NoError(t, EnsureAdmin(context.Background(), db, cfg))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureAdmin_RejectsShortPassword(t *testing.T) {
	cfg := config.AdminConfig{BootstrapEmail: "admin@example.com", BootstrapPassword: "short"}
	err := EnsureAdmin(context.Background(), nil, cfg)
	assert.Error(t, err)
}

func TestEnsureAdmin_RollsBackOnKeyFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users WHERE is_admin`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO api_keys`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	cfg := config.AdminConfig{BootstrapEmail: "admin@example.com", BootstrapPassword: "correct-horse-battery"}
	assert.Error(t, EnsureAdmin(context.Background(), db, cfg))
	assert.NoError(t, mock.ExpectationsWereMet())
}
