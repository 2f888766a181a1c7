// interfaces.go
package schedule

// Transport is the pub/sub + request/response surface described in
// spec §6. WSTransport (websocket.go) is the concrete gorilla/websocket
// implementation; tests substitute an in-memory fake.
type Transport interface {
	Publish(topic string, payload any)
	Subscriber(topic string) int
}
