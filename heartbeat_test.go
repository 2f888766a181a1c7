package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureTransport struct {
	mu       chan struct{}
	received []HeartbeatMsg
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{mu: make(chan struct{}, 16)}
}

func (c *captureTransport) Publish(topic string, payload any) {
	if topic != TopicHeartbeat {
		return
	}
	msg, ok := payload.(HeartbeatMsg)
	if !ok {
		return
	}
	c.received = append(c.received, msg)
	c.mu <- struct{}{}
}

func (c *captureTransport) Subscriber(string) int { return 0 }

func TestStartHeartbeat_PublishesLatestVersionPeriodically(t *testing.T) {
	db := NewDatabase()
	_, _, err := db.Register(ParticipantDescription{Name: "truck-1"})
	require.NoError(t, err)

	transport := newCaptureTransport()
	stop := make(chan struct{})
	StartHeartbeat(transport, db, 10*time.Millisecond, stop)
	defer close(stop)

	select {
	case <-transport.mu:
	case <-time.After(time.Second):
		t.Fatal("heartbeat never published")
	}

	require.NotEmpty(t, transport.received)
	assert.Equal(t, db.LatestVersion(), transport.received[0].LatestVersion)
}
