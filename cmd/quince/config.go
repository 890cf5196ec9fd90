package main

import "github.com/qcore/quic"

// newConfig returns the shared baseline Config both the client and
// server subcommands start from: package defaults plus the echo
// protocol's ALPN token, overridden per-flag by the caller.
func newConfig() *quic.Config {
	c := quic.NewConfig()
	c.TLS.NextProtos = []string{"quince"}
	return c
}
