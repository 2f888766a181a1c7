// websocket.go
package schedule

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSClient is one active websocket connection, subscribed to a fixed
// set of topics chosen at connect time.
type WSClient struct {
	manager *WSTransport
	conn    *websocket.Conn
	send    chan []byte
	topics  map[string]bool
}

// WSTransport is the concrete Transport (spec §6): every topic fans out
// to whichever connected clients subscribed to it. Grounded on the
// teacher's WSManager/WSClient, re-keyed from per-user to per-topic.
type WSTransport struct {
	conns      map[string]map[*WSClient]bool
	mux        sync.RWMutex
	register   chan *WSClient
	unregister chan *WSClient
	closed     chan struct{}
}

var _ Transport = (*WSTransport)(nil)

// NewWSTransport constructs an idle transport; call Run in a goroutine
// to start servicing (un)registrations.
func NewWSTransport() *WSTransport {
	return &WSTransport{
		conns:      make(map[string]map[*WSClient]bool),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		closed:     make(chan struct{}),
	}
}

// Run services the transport's register/unregister/shutdown channels
// until Stop is called. It must run in its own goroutine.
func (m *WSTransport) Run() {
	for {
		select {
		case c := <-m.register:
			m.mux.Lock()
			for topic := range c.topics {
				if _, ok := m.conns[topic]; !ok {
					m.conns[topic] = make(map[*WSClient]bool)
				}
				m.conns[topic][c] = true
			}
			m.mux.Unlock()
			Logger().Debug("ws_client_connected", "topics", topicList(c.topics))
		case c := <-m.unregister:
			m.mux.Lock()
			for topic := range c.topics {
				if set, ok := m.conns[topic]; ok {
					delete(set, c)
					if len(set) == 0 {
						delete(m.conns, topic)
					}
				}
			}
			m.mux.Unlock()
			close(c.send)
			Logger().Debug("ws_client_disconnected", "topics", topicList(c.topics))
		case <-m.closed:
			m.mux.Lock()
			for _, set := range m.conns {
				for cl := range set {
					cl.conn.Close()
				}
			}
			m.conns = make(map[string]map[*WSClient]bool)
			m.mux.Unlock()
			return
		}
	}
}

// Stop shuts the transport down, closing every connection.
func (m *WSTransport) Stop() { close(m.closed) }

// Publish marshals payload to JSON and fans it out to every client
// subscribed to topic. Marshal failures are logged and dropped.
func (m *WSTransport) Publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		Logger().Warn("ws_publish_marshal_failed", "topic", topic, "err", err)
		return
	}

	m.mux.RLock()
	set := m.conns[topic]
	clients := make([]*WSClient, 0, len(set))
	for c := range set {
		clients = append(clients, c)
	}
	m.mux.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			go func(cl *WSClient) { m.unregister <- cl }(c)
		}
	}
}

// Subscriber returns the number of clients currently subscribed to
// topic.
func (m *WSTransport) Subscriber(topic string) int {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return len(m.conns[topic])
}

func (c *WSClient) readPump() {
	defer func() {
		c.manager.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades the connection and subscribes it to the topics named
// by the ?topics= comma-separated query parameter.
func ServeWS(manager *WSTransport) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topics := make(map[string]bool)
		for _, t := range strings.Split(r.URL.Query().Get("topics"), ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				topics[t] = true
			}
		}
		if len(topics) == 0 {
			http.Error(w, "at least one topic required", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			Logger().Warn("ws_upgrade_failed", "err", err)
			return
		}

		client := &WSClient{
			manager: manager,
			conn:    conn,
			send:    make(chan []byte, 256),
			topics:  topics,
		}
		manager.register <- client

		go client.writePump()
		go client.readPump()
	}
}

func topicList(topics map[string]bool) []string {
	out := make([]string, 0, len(topics))
	for t := range topics {
		out = append(out, t)
	}
	return out
}
