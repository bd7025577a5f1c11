// Package bootstrap seeds the first admin identity on a fresh install:
// one admin user and one admin API key, created atomically when the
// bootstrap credentials are configured and no admin exists yet.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/pathmark/backend/internal/config"
	"github.com/pathmark/backend/internal/crypto"
	"github.com/pathmark/backend/internal/database"
)

// EnsureAdmin creates the bootstrap admin when configured and absent.
// The raw API key is logged exactly once; only its hash is stored.
func EnsureAdmin(ctx context.Context, db *sql.DB, cfg config.AdminConfig) error {
	logger := log.New(log.Writer(), "[BOOTSTRAP] ", log.LstdFlags)

	if cfg.BootstrapEmail == "" || cfg.BootstrapPassword == "" {
		return nil
	}
	if len(cfg.BootstrapPassword) < 12 {
		return fmt.Errorf("bootstrap password must be at least 12 characters")
	}

	var adminCount int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE is_admin = TRUE`).Scan(&adminCount)
	if err != nil {
		return fmt.Errorf("failed to check for existing admins: %w", err)
	}
	if adminCount > 0 {
		return nil
	}

	passwordHash, err := crypto.HashPassword(cfg.BootstrapPassword)
	if err != nil {
		return fmt.Errorf("failed to hash bootstrap password: %w", err)
	}

	rawKey, err := crypto.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("failed to generate bootstrap API key: %w", err)
	}

	userID := uuid.New()
	err = database.WithTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, email, password_hash, is_admin, created_at, updated_at)
			VALUES ($1, $2, $3, TRUE, NOW(), NOW())`,
			userID, cfg.BootstrapEmail, passwordHash,
		)
		if err != nil {
			return fmt.Errorf("failed to create bootstrap admin user: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO api_keys (key_hash, key_prefix, name, user_id, is_admin, is_active, created_at)
			VALUES ($1, $2, 'bootstrap-admin', $3, TRUE, TRUE, NOW())`,
			crypto.SHA256Hex(rawKey), crypto.TokenPrefix(rawKey, crypto.PrefixAPIKey), userID,
		)
		if err != nil {
			return fmt.Errorf("failed to create bootstrap API key: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Printf("✅ Bootstrap admin %s created", cfg.BootstrapEmail)
	logger.Printf("🔑 Admin API key (shown once, store it now): %s", rawKey)
	return nil
}
