package transport

import "time"

// Parameters holds the QUIC transport parameters exchanged via the TLS
// quic_transport_parameters extension (RFC 9000 section 18). Fields
// named *CID hold raw connection ID bytes, not hex strings, matching
// the wire representation.
type Parameters struct {
	OriginalDestinationCID []byte
	InitialSourceCID       []byte
	RetrySourceCID         []byte
	StatelessResetToken    []byte

	InitialMaxData                 uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamsUni           uint64

	MaxIdleTimeout    time.Duration
	MaxUDPPayloadSize uint64
	AckDelayExponent  uint64
	MaxAckDelay       time.Duration

	DisableActiveMigration bool
	ActiveConnectionIDLimit uint64

	MaxDatagramFrameSize uint64 // 0 means DATAGRAM frames are not supported (RFC 9221)
}

// DefaultParameters returns the transport parameters this core
// advertises absent explicit configuration, chosen to match common
// QUIC server deployments.
func DefaultParameters() Parameters {
	return Parameters{
		InitialMaxData:                  1 << 20,
		InitialMaxStreamDataBidiLocal:   1 << 18,
		InitialMaxStreamDataBidiRemote:  1 << 18,
		InitialMaxStreamDataUni:         1 << 18,
		InitialMaxStreamsBidi:           128,
		InitialMaxStreamsUni:            128,
		MaxIdleTimeout:                  60 * time.Second,
		MaxUDPPayloadSize:               MaxPacketSize,
		AckDelayExponent:                3,
		MaxAckDelay:                     25 * time.Millisecond,
		ActiveConnectionIDLimit:         4,
		MaxDatagramFrameSize:            1 << 16,
	}
}

// Config carries everything a Conn needs at construction: the QUIC
// version to speak, the local transport parameters to advertise, and
// the TLS configuration wrapping the application's certificate/ALPN
// policy (handed to tlsHandshake, which builds the tls.QUICConn).
type Config struct {
	Version uint32
	Params  Parameters
	TLS     *TLSConfig

	MaxDatagramSize int

	// ConnectionIDLength is the length in bytes of connection ids this
	// endpoint generates, both its own source ids and any it issues via
	// NEW_CONNECTION_ID.
	ConnectionIDLength int
}

func (c *Config) setDefaults() {
	if c.Version == 0 {
		c.Version = Version1
	}
	if c.MaxDatagramSize == 0 {
		c.MaxDatagramSize = MaxPacketSize
	}
	if c.ConnectionIDLength == 0 {
		c.ConnectionIDLength = DefaultConnectionIDLength
	}
}

// DefaultConnectionIDLength is the connection id length an endpoint
// uses absent explicit configuration.
const DefaultConnectionIDLength = 8
