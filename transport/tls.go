package transport

import (
	"crypto/tls"
	"crypto/x509"
)

// TLSConfig is the subset of *tls.Config an embedder supplies: the
// certificate chain (server) or root trust store (client), ALPN
// protocol list, and server name for SNI. It is kept distinct from
// *tls.Config so application code never has to reason about QUIC's
// insistence on TLS 1.3 only or about setting MinVersion itself.
type TLSConfig struct {
	Certificates []tls.Certificate
	RootCAs      *x509.CertPool
	ServerName   string
	NextProtos   []string
	ClientAuth   tls.ClientAuthType

	InsecureSkipVerify bool
}

func (c *TLSConfig) toStdlib() *tls.Config {
	return &tls.Config{
		Certificates:       c.Certificates,
		RootCAs:            c.RootCAs,
		ServerName:         c.ServerName,
		NextProtos:         c.NextProtos,
		MinVersion:         tls.VersionTLS13,
		MaxVersion:         tls.VersionTLS13,
		ClientAuth:         c.ClientAuth,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}

// tlsHandshake drives the TLS 1.3 handshake via the standard library's
// QUIC transport extension (tls.QUICConn), feeding it CRYPTO frame
// bytes per epoch and draining the secrets/data it produces. The
// record-layer handshake itself stays external to this package; this
// type is only the collaborator boundary.
type tlsHandshake struct {
	conn     *tls.QUICConn
	isClient bool

	complete    bool
	alpn        string
	peerParams  []byte
	localParams []byte

	// pending holds events drained from conn.NextEvent until the
	// caller (Conn.doHandshake) has consumed them all.
	pendingWriteData [packetSpaceCount][]byte

	readSecret  [packetSpaceCount][]byte
	writeSecret [packetSpaceCount][]byte
	haveReadSecret  [packetSpaceCount]bool
	haveWriteSecret [packetSpaceCount]bool
}

func newTLSHandshake(isClient bool, cfg *TLSConfig, localParams []byte) *tlsHandshake {
	stdCfg := cfg.toStdlib()
	h := &tlsHandshake{isClient: isClient, localParams: localParams}
	if isClient {
		h.conn = tls.QUICClient(&tls.QUICConfig{TLSConfig: stdCfg})
	} else {
		h.conn = tls.QUICServer(&tls.QUICConfig{TLSConfig: stdCfg})
	}
	h.conn.SetTransportParameters(localParams)
	return h
}

// start kicks off the handshake (client sends ClientHello, server
// waits for one), matching tls.QUICConn's Start contract.
func (h *tlsHandshake) start() error {
	return h.conn.Start(nil)
}

// handleCryptoData feeds received CRYPTO frame payload at the given
// epoch into the TLS state machine and drains resulting events,
// appending any produced CRYPTO data to pendingWriteData and
// capturing the peer's transport parameters and handshake completion.
func (h *tlsHandshake) handleCryptoData(space packetSpace, data []byte) error {
	level := quicEncryptionLevel(space)
	if err := h.conn.HandleData(level, data); err != nil {
		return err
	}
	return h.drainEvents()
}

func (h *tlsHandshake) drainEvents() error {
	for {
		ev := h.conn.NextEvent()
		switch ev.Kind {
		case tls.QUICNoEvent:
			return nil
		case tls.QUICWriteData:
			space := packetSpaceFromLevel(ev.Level)
			h.pendingWriteData[space] = append(h.pendingWriteData[space], ev.Data...)
		case tls.QUICTransportParameters:
			h.peerParams = ev.Data
		case tls.QUICSetReadSecret:
			space := packetSpaceFromLevel(ev.Level)
			h.readSecret[space] = ev.Data
			h.haveReadSecret[space] = true
		case tls.QUICSetWriteSecret:
			space := packetSpaceFromLevel(ev.Level)
			h.writeSecret[space] = ev.Data
			h.haveWriteSecret[space] = true
		case tls.QUICHandshakeDone:
			h.complete = true
		}
	}
}

// takeWriteData returns and clears any pending outbound CRYPTO data
// for space, for the connection to frame and send.
func (h *tlsHandshake) takeWriteData(space packetSpace) []byte {
	d := h.pendingWriteData[space]
	h.pendingWriteData[space] = nil
	return d
}

func (h *tlsHandshake) handshakeComplete() bool { return h.complete }

func (h *tlsHandshake) connectionState() tls.ConnectionState {
	return h.conn.ConnectionState()
}

func (h *tlsHandshake) negotiatedProtocol() string {
	return h.connectionState().NegotiatedProtocol
}

func (h *tlsHandshake) cipherSuite() uint16 {
	return h.connectionState().CipherSuite
}

func (h *tlsHandshake) peerTransportParams() []byte { return h.peerParams }

// takeReadSecret/takeWriteSecret return the epoch's exported secret the
// first time it becomes available (QUICSetReadSecret/QUICSetWriteSecret
// events), for the connection to hand to deriveSuiteForCipherSuite when
// installing that epoch's packetNumberSpace keys.
func (h *tlsHandshake) takeReadSecret(space packetSpace) ([]byte, bool) {
	if !h.haveReadSecret[space] {
		return nil, false
	}
	h.haveReadSecret[space] = false
	return h.readSecret[space], true
}

func (h *tlsHandshake) takeWriteSecret(space packetSpace) ([]byte, bool) {
	if !h.haveWriteSecret[space] {
		return nil, false
	}
	h.haveWriteSecret[space] = false
	return h.writeSecret[space], true
}

func quicEncryptionLevel(space packetSpace) tls.QUICEncryptionLevel {
	switch space {
	case packetSpaceInitial:
		return tls.QUICEncryptionLevelInitial
	case packetSpaceHandshake:
		return tls.QUICEncryptionLevelHandshake
	default:
		return tls.QUICEncryptionLevelApplication
	}
}

func packetSpaceFromLevel(level tls.QUICEncryptionLevel) packetSpace {
	switch level {
	case tls.QUICEncryptionLevelInitial:
		return packetSpaceInitial
	case tls.QUICEncryptionLevelHandshake:
		return packetSpaceHandshake
	default:
		return packetSpaceApplication
	}
}
