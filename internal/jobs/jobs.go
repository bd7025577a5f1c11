// Package jobs holds the concrete background jobs the server registers
// with the scheduler. Every job is idempotent: operators running more
// than one instance get parallel executions of the same job.
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/pathmark/backend/internal/idempotency"
	"github.com/pathmark/backend/internal/locations"
	"github.com/pathmark/backend/internal/reports"
	"github.com/pathmark/backend/internal/scheduler"
	"github.com/pathmark/backend/internal/webhooks"
)

// reportClaimBatch bounds how many reports one generation tick renders.
const reportClaimBatch = 10

// CleanupLocations prunes location rows past retention and piggybacks
// the idempotency-record sweep on the same hourly tick.
type CleanupLocations struct {
	Locations     *locations.Store
	Idempotency   *idempotency.Store
	RetentionDays int
	Logger        *log.Logger
}

func (j *CleanupLocations) Name() string                   { return "cleanup-locations" }
func (j *CleanupLocations) Frequency() scheduler.Frequency { return scheduler.Hourly() }

func (j *CleanupLocations) Execute(ctx context.Context) error {
	deleted, err := j.Locations.DeleteOlderThan(ctx, j.RetentionDays)
	if err != nil {
		return fmt.Errorf("location cleanup: %w", err)
	}
	if deleted > 0 {
		j.Logger.Printf("Deleted %d location rows older than %d days", deleted, j.RetentionDays)
	}

	swept, err := j.Idempotency.SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("idempotency sweep: %w", err)
	}
	if swept > 0 {
		j.Logger.Printf("Swept %d expired idempotency records", swept)
	}
	return nil
}

// RefreshViews refreshes the materialized view behind group member
// counts. CONCURRENTLY requires a unique index on the view; a missing
// index surfaces as the job error for the operator to fix.
type RefreshViews struct {
	DB *sql.DB
}

func (j *RefreshViews) Name() string                   { return "refresh-views" }
func (j *RefreshViews) Frequency() scheduler.Frequency { return scheduler.Hourly() }

func (j *RefreshViews) Execute(ctx context.Context) error {
	_, err := j.DB.ExecContext(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY group_member_counts`)
	if err != nil {
		return fmt.Errorf("refresh group_member_counts: %w", err)
	}
	return nil
}

// WebhookRetry claims due deliveries and pushes them through the worker.
type WebhookRetry struct {
	Worker    *webhooks.Worker
	BatchSize int
	Logger    *log.Logger
}

func (j *WebhookRetry) Name() string                   { return "webhook-retry" }
func (j *WebhookRetry) Frequency() scheduler.Frequency { return scheduler.Minutes(1) }

func (j *WebhookRetry) Execute(ctx context.Context) error {
	delivered, err := j.Worker.ProcessPendingRetries(ctx, j.BatchSize)
	if err != nil {
		return err
	}
	if delivered > 0 {
		j.Logger.Printf("Delivered %d webhook(s)", delivered)
	}
	return nil
}

// WebhookCleanup drops delivery rows past retention.
type WebhookCleanup struct {
	Outbox        webhookOutbox
	RetentionDays int
	Logger        *log.Logger
}

type webhookOutbox interface {
	DeleteOlderThan(ctx context.Context, days int) (int64, error)
}

func (j *WebhookCleanup) Name() string                   { return "webhook-cleanup" }
func (j *WebhookCleanup) Frequency() scheduler.Frequency { return scheduler.Daily() }

func (j *WebhookCleanup) Execute(ctx context.Context) error {
	deleted, err := j.Outbox.DeleteOlderThan(ctx, j.RetentionDays)
	if err != nil {
		return err
	}
	if deleted > 0 {
		j.Logger.Printf("Deleted %d webhook deliveries older than %d days", deleted, j.RetentionDays)
	}
	return nil
}

// ReportGeneration pops pending reports and renders them to the spool
// directory.
type ReportGeneration struct {
	Store    *reports.Store
	Renderer *reports.Renderer
	Logger   *log.Logger
}

func (j *ReportGeneration) Name() string                   { return "report-generation" }
func (j *ReportGeneration) Frequency() scheduler.Frequency { return scheduler.Seconds(30) }

func (j *ReportGeneration) Execute(ctx context.Context) error {
	claimed, err := j.Store.ClaimPending(ctx, reportClaimBatch)
	if err != nil {
		return err
	}

	for _, rep := range claimed {
		path, err := j.Renderer.Render(ctx, rep)
		if err != nil {
			j.Logger.Printf("❌ Report %s (%s) failed: %v", rep.ID, rep.ReportType, err)
			if mfErr := j.Store.MarkFailed(ctx, rep.ID, err.Error()); mfErr != nil {
				j.Logger.Printf("⚠️  Failed to record report failure %s: %v", rep.ID, mfErr)
			}
			continue
		}
		if err := j.Store.MarkCompleted(ctx, rep.ID, path); err != nil {
			j.Logger.Printf("⚠️  Failed to mark report %s completed: %v", rep.ID, err)
			continue
		}
		j.Logger.Printf("✅ Report %s (%s) rendered to %s", rep.ID, rep.ReportType, path)
	}
	return nil
}

// ReportCleanup removes expired reports and their spool files.
type ReportCleanup struct {
	Store  *reports.Store
	Logger *log.Logger
}

func (j *ReportCleanup) Name() string                   { return "report-cleanup" }
func (j *ReportCleanup) Frequency() scheduler.Frequency { return scheduler.Daily() }

func (j *ReportCleanup) Execute(ctx context.Context) error {
	deleted, err := j.Store.DeleteExpired(ctx)
	if err != nil {
		return err
	}
	if deleted > 0 {
		j.Logger.Printf("Deleted %d expired reports", deleted)
	}
	return nil
}
