package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pathmark/backend/internal/outbox"
)

// Event types produced by the fleet core.
const (
	EventDeviceEnrolled  = "device.enrolled"
	EventDeviceRetired   = "device.retired"
	EventDeviceSuspended = "device.suspended"
	EventLocationUpdated = "location.updated"
	EventGeofenceEnter   = "geofence.enter"
	EventGeofenceExit    = "geofence.exit"
	EventPolicyChanged   = "policy.changed"
	EventReportReady     = "report.ready"
)

// KnownEventType reports whether a subscription filter entry names a
// real event type.
func KnownEventType(eventType string) bool {
	switch eventType {
	case EventDeviceEnrolled, EventDeviceRetired, EventDeviceSuspended,
		EventLocationUpdated, EventGeofenceEnter, EventGeofenceExit,
		EventPolicyChanged, EventReportReady:
		return true
	}
	return false
}

// eventEnvelope is the canonical wire payload. It is serialized once at
// enqueue time so every retry POSTs (and signs) the exact same bytes.
type eventEnvelope struct {
	EventID    uuid.UUID   `json:"event_id"`
	EventType  string      `json:"event_type"`
	OccurredAt string      `json:"occurred_at"`
	Data       interface{} `json:"data"`
}

// Publisher fans events out to subscriber endpoints by writing one outbox
// row per subscriber. Delivery happens later on the worker's cadence;
// publishing never blocks on the network.
type Publisher struct {
	endpoints *EndpointStore
	box       *outbox.Store
	logger    *log.Logger
}

func NewPublisher(endpoints *EndpointStore, box *outbox.Store) *Publisher {
	return &Publisher{
		endpoints: endpoints,
		box:       box,
		logger:    log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
	}
}

// Publish enqueues the event for every matching subscriber. Returns the
// number of deliveries enqueued. A missing subscriber set is not an
// error — most events have no listeners.
func (p *Publisher) Publish(ctx context.Context, orgID *uuid.UUID, deviceID *int64, eventType string, data interface{}) (int, error) {
	subs, err := p.endpoints.FindSubscribers(ctx, orgID, deviceID, eventType)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve subscribers for %s: %w", eventType, err)
	}
	if len(subs) == 0 {
		return 0, nil
	}

	eventID := uuid.New()
	payload, err := json.Marshal(eventEnvelope{
		EventID:    eventID,
		EventType:  eventType,
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
		Data:       data,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	enqueued := 0
	for _, sub := range subs {
		if _, err := p.box.Enqueue(ctx, sub.WebhookID, eventType, &eventID, payload); err != nil {
			p.logger.Printf("⚠️  Failed to enqueue %s for webhook %s: %v", eventType, sub.WebhookID, err)
			continue
		}
		enqueued++
	}

	return enqueued, nil
}
