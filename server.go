package quic

import (
	"crypto/rand"
	"io"
	"net"

	"github.com/qcore/quic/transport"
)

// Server accepts inbound QUIC connections on a single UDP socket,
// handing each newly observed client an Accept-rooted transport.Conn.
// Retry handling lives inside transport.Conn once the Initial packet
// reaches it; the server only decides the original destination
// connection id a first packet introduces.
type Server struct {
	endpoint *endpoint
}

// NewServer returns a Server that will use config for every accepted
// connection. config.TLS must carry at least one certificate.
func NewServer(config *Config) *Server {
	if config == nil {
		config = NewConfig()
	}
	s := &Server{endpoint: newEndpoint(config)}
	s.endpoint.accept = s.acceptConn
	return s
}

// SetHandler installs the callback invoked with each connection's
// drained events, including a synthetic EventConnAccept the first time
// a connection is registered.
func (s *Server) SetHandler(h Handler) { s.endpoint.SetHandler(h) }

// SetLogger attaches a per-transaction logger at the given verbosity.
func (s *Server) SetLogger(level int, w io.Writer) {
	s.endpoint.SetLogger(level, w)
}

// ListenAndServe binds addr and begins accepting connections. It
// returns once the socket is bound; datagram processing happens on
// background goroutines until Close.
func (s *Server) ListenAndServe(addr string) error {
	return s.endpoint.listen(addr)
}

// Close shuts down every accepted connection and releases the socket.
func (s *Server) Close() error {
	return s.endpoint.close()
}

// acceptConn is the endpoint's accept hook: given a datagram that
// matched no known connection id, decide whether it looks like a fresh
// client Initial and, if so, construct the server-side transport.Conn.
// No Retry token is issued or checked, here or in transport.Conn, and
// config.Retry is not read.
func (s *Server) acceptConn(b []byte, addr *net.UDPAddr) *remoteConn {
	cidLen := s.endpoint.config.ConnectionIDLength
	odcid, ok := transport.PeekDestinationCID(b, cidLen)
	if !ok || len(odcid) == 0 {
		return nil
	}
	scid := make([]byte, cidLen)
	if _, err := rand.Read(scid); err != nil {
		return nil
	}
	conn, err := transport.Accept(scid, odcid, s.endpoint.config.Config)
	if err != nil {
		return nil
	}
	return newRemoteConn(conn, scid, s.endpoint.socket.LocalAddr(), addr)
}
