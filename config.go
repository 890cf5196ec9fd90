package quic

import "github.com/qcore/quic/transport"

// Config is the embedder-facing configuration: a *transport.Config plus
// the handful of socket-layer knobs (listen buffer sizes, retry) that
// have no meaning to the sans-I/O core. Application code constructs one
// via NewConfig and mutates the embedded transport.Config directly
// (config.Params.InitialMaxData = ..., config.TLS.ServerName = ...).
type Config struct {
	*transport.Config

	// Retry is stored for the embedder but not read by Server: no
	// Retry packet is issued and connections are admitted without
	// Retry token validation.
	Retry bool

	// RecvQueueLen is not read by the endpoint: ListenAndServe reads
	// the UDP socket itself and dispatches each datagram synchronously,
	// so no per-connection receive queue exists.
	RecvQueueLen int
}

// NewConfig returns a Config with the transport core's own defaults
// (transport.DefaultParameters) plus an empty TLSConfig for the caller
// to populate with certificates/ALPN/server name.
func NewConfig() *Config {
	return &Config{
		Config: &transport.Config{
			Params: transport.DefaultParameters(),
			TLS:    &transport.TLSConfig{},
		},
		RecvQueueLen: 64,
	}
}
