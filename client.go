package quic

import (
	"crypto/rand"
	"io"
	"net"

	"github.com/qcore/quic/transport"
)

// Client dials outbound QUIC connections over a single UDP socket.
// Connect and ListenAndServe are the only entry points that touch the
// network; everything else is delegated to transport.Conn.
type Client struct {
	endpoint *endpoint
}

// NewClient returns a Client that will use config for every connection
// it dials.
func NewClient(config *Config) *Client {
	if config == nil {
		config = NewConfig()
	}
	return &Client{endpoint: newEndpoint(config)}
}

// SetHandler installs the callback invoked with each connection's
// drained events.
func (c *Client) SetHandler(h Handler) { c.endpoint.SetHandler(h) }

// SetLogger attaches a per-transaction logger at the given verbosity
// (see logLevel).
func (c *Client) SetLogger(level int, w io.Writer) {
	c.endpoint.SetLogger(level, w)
}

// ListenAndServe binds the local UDP socket connections will be dialed
// from. addr may be "0.0.0.0:0" to let the kernel pick an ephemeral
// port, matching a typical outbound client.
func (c *Client) ListenAndServe(addr string) error {
	return c.endpoint.listen(addr)
}

// Connect dials a new QUIC connection to addr, sending the first
// Initial packet before returning. The handler receives EventConnAccept
// once the connection is registered, mirroring the server's accept
// notification so application code can write the first stream data
// from a single Serve method regardless of role.
func (c *Client) Connect(addr string) error {
	if c.endpoint.socket == nil {
		return errNotListening
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	scid := make([]byte, c.endpoint.config.ConnectionIDLength)
	if _, err := rand.Read(scid); err != nil {
		return err
	}
	conn, err := transport.Connect(scid, c.endpoint.config.Config)
	if err != nil {
		return err
	}
	rc := newRemoteConn(conn, scid, c.endpoint.socket.LocalAddr(), udpAddr)
	c.endpoint.register(rc)
	c.endpoint.drainEvents(rc)
	if c.endpoint.handler != nil {
		c.endpoint.handler.Serve(rc, []transport.Event{newConnAcceptEvent()})
	}
	c.endpoint.flush(rc)
	return nil
}

// Close shuts down every connection this client dialed and releases the
// socket.
func (c *Client) Close() error {
	return c.endpoint.close()
}
