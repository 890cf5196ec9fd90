package quic

import "github.com/qcore/quic/transport"

// Embedder-level event types, carried in the same transport.Event
// stream the core emits so a Handler can range over one slice without
// a second type. They live past the core's own EventType values
// (transport/events.go) rather than inside package transport itself:
// "a new remote peer showed up" and "its connection finished draining"
// are facts about the socket layer, not the sans-I/O state machine.
const (
	EventConnAccept transport.EventType = 1000 + iota
	EventConnClose
)

func newConnAcceptEvent() transport.Event {
	return transport.Event{Type: EventConnAccept}
}

func newConnCloseEvent() transport.Event {
	return transport.Event{Type: EventConnClose}
}
