package transport

// EventType identifies the kind of Event a Conn has queued for the
// embedder to drain via Events(). A flat tagged struct is used instead
// of one concrete type per variant so callers can range over a single
// slice without a type switch.
type EventType int

const (
	EventStreamDataReceived EventType = iota
	EventStreamReset
	EventStreamStopSending
	EventStreamComplete
	EventConnectionIDIssued
	EventConnectionIDRetired
	EventHandshakeCompleted
	EventConnectionTerminated
	EventProtocolNegotiated
	EventPingAcknowledged
	EventDatagramReceived
)

// Event is a single state-change notification drained from a Conn by
// the embedder after a call to Write, Read, or OnTimeout. Only the
// fields relevant to Type are meaningful.
type Event struct {
	Type EventType

	StreamID  uint64
	ErrorCode uint64
	FinalSize uint64

	ConnectionID []byte
	SequenceNumber uint64

	Error *TransportError

	NegotiatedProtocol string

	Data []byte
}

func newStreamRecvEvent(streamID uint64) Event {
	return Event{Type: EventStreamDataReceived, StreamID: streamID}
}

func newStreamResetEvent(streamID, errorCode, finalSize uint64) Event {
	return Event{Type: EventStreamReset, StreamID: streamID, ErrorCode: errorCode, FinalSize: finalSize}
}

func newStreamStopEvent(streamID, errorCode uint64) Event {
	return Event{Type: EventStreamStopSending, StreamID: streamID, ErrorCode: errorCode}
}

func newStreamCompleteEvent(streamID uint64) Event {
	return Event{Type: EventStreamComplete, StreamID: streamID}
}

func newConnectionIDIssuedEvent(cid []byte, seq uint64) Event {
	return Event{Type: EventConnectionIDIssued, ConnectionID: cid, SequenceNumber: seq}
}

func newConnectionIDRetiredEvent(cid []byte, seq uint64) Event {
	return Event{Type: EventConnectionIDRetired, ConnectionID: cid, SequenceNumber: seq}
}

func newHandshakeCompletedEvent() Event {
	return Event{Type: EventHandshakeCompleted}
}

func newConnectionTerminatedEvent(err *TransportError) Event {
	return Event{Type: EventConnectionTerminated, Error: err}
}

func newProtocolNegotiatedEvent(proto string) Event {
	return Event{Type: EventProtocolNegotiated, NegotiatedProtocol: proto}
}

func newPingAcknowledgedEvent() Event {
	return Event{Type: EventPingAcknowledged}
}

func newDatagramReceivedEvent(data []byte) Event {
	return Event{Type: EventDatagramReceived, Data: data}
}
