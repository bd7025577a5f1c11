package webhooks

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pathmark/backend/internal/crypto"
)

func TestSignPayload(t *testing.T) {
	body := []byte(`{"event_id":"abc","event_type":"device.enrolled","data":{}}`)

	sig := SignPayload(body, "whsec_test")
	assert.Len(t, sig, 64)

	// Must agree with the shared crypto primitive receivers are documented
	// against.
	assert.Equal(t, crypto.HMACSHA256Hex("whsec_test", body), sig)

	// Any byte change in the body changes the signature.
	mutated := append([]byte{}, body...)
	mutated[0] = '['
	assert.NotEqual(t, sig, SignPayload(mutated, "whsec_test"))
}
