package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/pathmark/backend/internal/metrics"
	"github.com/pathmark/backend/internal/outbox"
)

// WorkerConfig tunes the delivery worker.
type WorkerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens an
	// endpoint's circuit.
	FailureThreshold int
	// Cooloff is how long an opened circuit blocks deliveries.
	Cooloff time.Duration
	// RequestTimeout bounds each outbound POST.
	RequestTimeout time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		FailureThreshold: 5,
		Cooloff:          60 * time.Second,
		RequestTimeout:   10 * time.Second,
	}
}

// Worker claims due outbox rows, signs and POSTs them, and feeds results
// back into the outbox and the per-endpoint circuit breaker. It finishes
// in-flight HTTP calls during shutdown; cancellation only stops the claim
// loop between deliveries.
type Worker struct {
	endpoints  *EndpointStore
	box        *outbox.Store
	httpClient *http.Client
	cfg        WorkerConfig
	logger     *log.Logger
	mets       *metrics.Metrics
}

func NewWorker(endpoints *EndpointStore, box *outbox.Store, cfg WorkerConfig, mets *metrics.Metrics) *Worker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooloff <= 0 {
		cfg.Cooloff = 60 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Worker{
		endpoints: endpoints,
		box:       box,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		cfg:    cfg,
		logger: log.New(log.Writer(), "[DELIVERY] ", log.LstdFlags),
		mets:   mets,
	}
}

// ProcessPendingRetries runs one delivery cycle: claim up to batchSize due
// rows and deliver each. Returns the number of deliveries attempted.
func (w *Worker) ProcessPendingRetries(ctx context.Context, batchSize int) (int, error) {
	claimed, err := w.box.ClaimDue(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim deliveries: %w", err)
	}
	if w.mets != nil {
		w.mets.OutboxPending.Set(float64(len(claimed)))
	}

	processed := 0
	for _, d := range claimed {
		select {
		case <-ctx.Done():
			return processed, ctx.Err()
		default:
		}
		if w.deliver(ctx, d) {
			processed++
		}
	}
	return processed, nil
}

// deliver attempts one delivery. Returns false when the delivery was
// skipped without recording an attempt (disabled endpoint or open
// circuit); the claim lease leaves the row for a later cycle.
func (w *Worker) deliver(ctx context.Context, d *outbox.Delivery) bool {
	ep, err := w.endpoints.GetByID(ctx, d.WebhookID)
	if err != nil {
		w.logger.Printf("⚠️  Delivery %s references unknown endpoint %s: %v", d.DeliveryID, d.WebhookID, err)
		return false
	}

	now := time.Now()
	if !ep.Enabled {
		w.observe("skipped_disabled", 0)
		return false
	}
	if ep.CircuitOpen(now) {
		w.observe("skipped_circuit", 0)
		return false
	}

	start := time.Now()
	status, postErr := w.post(ctx, ep, d)
	elapsed := time.Since(start)

	success := postErr == nil && status >= 200 && status < 300

	var httpStatus *int
	if status > 0 {
		httpStatus = &status
	}
	errMsg := ""
	if !success {
		if postErr != nil {
			errMsg = postErr.Error()
		} else {
			errMsg = fmt.Sprintf("endpoint returned HTTP %d", status)
		}
	}

	updated, err := w.box.RecordAttempt(ctx, d.DeliveryID, success, httpStatus, errMsg)
	if err != nil {
		w.logger.Printf("❌ Failed to record attempt for %s: %v", d.DeliveryID, err)
		return true
	}

	if success {
		w.observe("success", elapsed.Seconds())
		if err := w.endpoints.RecordSuccess(ctx, ep.WebhookID); err != nil {
			w.logger.Printf("⚠️  Failed to reset breaker for %s: %v", ep.WebhookID, err)
		}
		w.logger.Printf("✅ Delivered %s → %s (%s, attempt %d)", d.EventType, ep.TargetURL, d.DeliveryID, updated.Attempts)
		return true
	}

	w.observe("failure", elapsed.Seconds())
	opened, err := w.endpoints.RecordFailure(ctx, ep.WebhookID, w.cfg.FailureThreshold, w.cfg.Cooloff)
	if err != nil {
		w.logger.Printf("⚠️  Failed to record breaker failure for %s: %v", ep.WebhookID, err)
	} else if opened {
		w.logger.Printf("⚠️  Circuit opened for webhook %s (cooloff %s)", ep.WebhookID, w.cfg.Cooloff)
		if w.mets != nil {
			w.mets.CircuitOpened.WithLabelValues(ep.WebhookID.String()).Inc()
		}
	}

	w.logger.Printf("❌ Delivery %s failed (attempt %d/%d): %s", d.DeliveryID, updated.Attempts, outbox.MaxAttempts, errMsg)
	return true
}

// post sends the signed payload. Returns the HTTP status (0 on transport
// error) and any transport error. The in-flight request is not cancelled
// on shutdown; the client timeout bounds it.
func (w *Worker) post(_ context.Context, ep *Endpoint, d *outbox.Delivery) (int, error) {
	req, err := http.NewRequest(http.MethodPost, ep.TargetURL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, SignPayload(d.Payload, ep.Secret))
	req.Header.Set(HeaderEvent, d.EventType)
	req.Header.Set(HeaderDeliveryID, d.DeliveryID.String())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

func (w *Worker) observe(outcome string, seconds float64) {
	if w.mets == nil {
		return
	}
	w.mets.DeliveryAttempts.WithLabelValues(outcome).Inc()
	if outcome == "success" || outcome == "failure" {
		w.mets.DeliveryDuration.WithLabelValues(outcome).Observe(seconds)
	}
}
