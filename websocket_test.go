package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSTransport_PublishFansOutOnlyToSubscribedTopic(t *testing.T) {
	m := NewWSTransport()
	go m.Run()
	defer m.Stop()

	a := &WSClient{manager: m, send: make(chan []byte, 4), topics: map[string]bool{"schedule/heartbeat": true}}
	b := &WSClient{manager: m, send: make(chan []byte, 4), topics: map[string]bool{"itinerary/set": true}}
	m.register <- a
	m.register <- b
	defer func() {
		// a and b have no websocket connection; remove them before Stop,
		// whose shutdown closes the connection of every registered client.
		m.unregister <- a
		m.unregister <- b
	}()

	require.Eventually(t, func() bool { return m.Subscriber("schedule/heartbeat") == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return m.Subscriber("itinerary/set") == 1 }, time.Second, time.Millisecond)

	m.Publish("schedule/heartbeat", HeartbeatMsg{})

	select {
	case <-a.send:
	case <-time.After(time.Second):
		t.Fatal("subscriber to schedule/heartbeat never received the publish")
	}
	select {
	case <-b.send:
		t.Fatal("subscriber to a different topic should not receive the publish")
	default:
	}
}

func TestWSTransport_UnregisterStopsFanOutAndClosesSend(t *testing.T) {
	m := NewWSTransport()
	go m.Run()
	defer m.Stop()

	a := &WSClient{manager: m, send: make(chan []byte, 4), topics: map[string]bool{"x": true}}
	m.register <- a
	require.Eventually(t, func() bool { return m.Subscriber("x") == 1 }, time.Second, time.Millisecond)

	m.unregister <- a
	require.Eventually(t, func() bool { return m.Subscriber("x") == 0 }, time.Second, time.Millisecond)

	_, ok := <-a.send
	assert.False(t, ok, "send channel should be closed on unregister")
}
