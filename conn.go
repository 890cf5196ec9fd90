package quic

import (
	"net"
	"time"

	"github.com/qcore/quic/transport"
)

// Conn is the embedder-facing handle to one QUIC connection: enough to
// open/read streams, send datagrams, and learn the peer's address,
// without exposing the sans-I/O plumbing (*transport.Conn) that the
// socket loop drives underneath.
type Conn interface {
	// Stream returns the stream with the given id, creating it locally
	// if it does not already exist.
	Stream(id uint64) *transport.Stream
	// SendDatagram queues an unreliable DATAGRAM frame (RFC 9221).
	SendDatagram(data []byte) error
	// LocalAddr and RemoteAddr identify the UDP 4-tuple this
	// connection is bound to.
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// Close starts a locally-initiated shutdown.
	Close(appErr uint64, reason string) error
}

// remoteConn pairs a *transport.Conn with the socket-layer state
// needed to drive it: the peer's address, the connection id it is
// keyed by in the endpoint's table, and the last time a datagram from
// it was dispatched (recorded only; drained connections are pruned by
// IsClosed).
type remoteConn struct {
	conn *transport.Conn
	addr net.Addr

	scid []byte // local source connection id, the endpoint's map key
	dcid []byte // peer's source connection id, once known

	local net.Addr

	lastActive time.Time
}

func newRemoteConn(c *transport.Conn, scid []byte, local, remote net.Addr) *remoteConn {
	return &remoteConn{
		conn:  c,
		addr:  remote,
		local: local,
		scid:  append([]byte(nil), scid...),
	}
}

func (c *remoteConn) Stream(id uint64) *transport.Stream {
	st, err := c.conn.Stream(id)
	if err != nil {
		return nil
	}
	return st
}

func (c *remoteConn) SendDatagram(data []byte) error {
	return c.conn.SendDatagram(data)
}

func (c *remoteConn) LocalAddr() net.Addr { return c.local }

func (c *remoteConn) RemoteAddr() net.Addr { return c.addr }

func (c *remoteConn) Close(appErr uint64, reason string) error {
	c.conn.Close(true, appErr, reason)
	return nil
}

// Handler is the application hook invoked with every batch of events a
// remoteConn produced, mirroring net/http's Handler: one method,
// called repeatedly for the lifetime of the connection.
type Handler interface {
	Serve(c Conn, events []transport.Event)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(c Conn, events []transport.Event)

func (f HandlerFunc) Serve(c Conn, events []transport.Event) { f(c, events) }
