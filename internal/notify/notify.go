// Package notify delivers push notifications to enrolled devices. The
// Client interface keeps the delivery backend swappable; deployments
// without push credentials run the logging no-op.
package notify

import (
	"context"
	"log"

	"github.com/pathmark/backend/internal/config"
)

// Message is one push notification addressed by FCM registration token.
type Message struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

// Client sends push notifications. Implementations must be safe for
// concurrent use.
type Client interface {
	Send(ctx context.Context, msg *Message) error
}

// NoopClient logs and drops every message. Used when push delivery is
// not configured.
type NoopClient struct {
	logger *log.Logger
}

func NewNoopClient() *NoopClient {
	return &NoopClient{logger: log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags)}
}

func (c *NoopClient) Send(_ context.Context, msg *Message) error {
	c.logger.Printf("Push delivery disabled; dropping %q for token %.8s…", msg.Title, msg.Token)
	return nil
}

// FromConfig builds the push client for the deployment. Only the no-op
// backend exists today; enabling FCM without a real backend still gets
// the no-op so enrollment never depends on push delivery.
func FromConfig(cfg config.FCMConfig) Client {
	if cfg.Enabled && cfg.CredentialsFile != "" {
		log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags).
			Printf("⚠️  FCM credentials configured but no delivery backend is built in; using no-op client")
	}
	return NewNoopClient()
}
