package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pathmark/backend/internal/config"
)

func TestNoopClient_SendNeverFails(t *testing.T) {
	c := NewNoopClient()
	err := c.Send(context.Background(), &Message{
		Token: "fcm-registration-token",
		Title: "Device enrolled",
		Body:  "Welcome aboard",
		Data:  map[string]string{"device_id": "42"},
	})
	assert.NoError(t, err)
}

func TestFromConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.FCMConfig
	}{
		{"disabled", config.FCMConfig{}},
		{"enabled without credentials", config.FCMConfig{Enabled: true}},
		{"enabled with credentials", config.FCMConfig{Enabled: true, CredentialsFile: "/etc/fcm.json"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := FromConfig(tc.cfg)
			assert.NotNil(t, c)
			assert.NoError(t, c.Send(context.Background(), &Message{Token: "tok", Title: "t"}))
		})
	}
}
