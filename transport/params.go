package transport

import "time"

// Transport parameter ids (RFC 9000 section 18.2).
const (
	paramOriginalDestinationCID     = 0x00
	paramMaxIdleTimeout             = 0x01
	paramStatelessResetToken        = 0x02
	paramMaxUDPPayloadSize          = 0x03
	paramInitialMaxData             = 0x04
	paramInitialMaxStreamDataBidiLocal  = 0x05
	paramInitialMaxStreamDataBidiRemote = 0x06
	paramInitialMaxStreamDataUni     = 0x07
	paramInitialMaxStreamsBidi       = 0x08
	paramInitialMaxStreamsUni        = 0x09
	paramAckDelayExponent            = 0x0a
	paramMaxAckDelay                 = 0x0b
	paramDisableActiveMigration      = 0x0c
	paramActiveConnectionIDLimit     = 0x0e
	paramInitialSourceCID            = 0x0f
	paramRetrySourceCID              = 0x10
	paramMaxDatagramFrameSize        = 0x20
)

// encodeTransportParameters serializes p in the RFC 9000 section 18.2
// varint-id/varint-length/value TLV encoding used by the TLS
// quic_transport_parameters extension.
func encodeTransportParameters(p *Parameters) []byte {
	out := make([]byte, 0, 256)
	out = appendBytesParam(out, paramOriginalDestinationCID, p.OriginalDestinationCID)
	out = appendVarintParam(out, paramMaxIdleTimeout, uint64(p.MaxIdleTimeout/time.Millisecond))
	out = appendBytesParam(out, paramStatelessResetToken, p.StatelessResetToken)
	out = appendVarintParam(out, paramMaxUDPPayloadSize, p.MaxUDPPayloadSize)
	out = appendVarintParam(out, paramInitialMaxData, p.InitialMaxData)
	out = appendVarintParam(out, paramInitialMaxStreamDataBidiLocal, p.InitialMaxStreamDataBidiLocal)
	out = appendVarintParam(out, paramInitialMaxStreamDataBidiRemote, p.InitialMaxStreamDataBidiRemote)
	out = appendVarintParam(out, paramInitialMaxStreamDataUni, p.InitialMaxStreamDataUni)
	out = appendVarintParam(out, paramInitialMaxStreamsBidi, p.InitialMaxStreamsBidi)
	out = appendVarintParam(out, paramInitialMaxStreamsUni, p.InitialMaxStreamsUni)
	out = appendVarintParam(out, paramAckDelayExponent, p.AckDelayExponent)
	out = appendVarintParam(out, paramMaxAckDelay, uint64(p.MaxAckDelay/time.Millisecond))
	if p.DisableActiveMigration {
		out = appendFlagParam(out, paramDisableActiveMigration)
	}
	out = appendVarintParam(out, paramActiveConnectionIDLimit, p.ActiveConnectionIDLimit)
	out = appendBytesParam(out, paramInitialSourceCID, p.InitialSourceCID)
	out = appendBytesParam(out, paramRetrySourceCID, p.RetrySourceCID)
	if p.MaxDatagramFrameSize > 0 {
		out = appendVarintParam(out, paramMaxDatagramFrameSize, p.MaxDatagramFrameSize)
	}
	return out
}

func appendVarintParam(out []byte, id uint64, v uint64) []byte {
	buf := newBuffer(make([]byte, sizeVarint(v)))
	_ = buf.writeVarint(v)
	return appendBytesParam(out, id, buf.data())
}

func appendFlagParam(out []byte, id uint64) []byte {
	return appendBytesParam(out, id, nil)
}

func appendBytesParam(out []byte, id uint64, value []byte) []byte {
	head := newBuffer(make([]byte, sizeVarint(id)+sizeVarint(uint64(len(value)))))
	_ = head.writeVarint(id)
	_ = head.writeVarint(uint64(len(value)))
	out = append(out, head.data()...)
	out = append(out, value...)
	return out
}

// decodeTransportParameters parses the peer's quic_transport_parameters
// extension payload.
func decodeTransportParameters(b []byte) (*Parameters, error) {
	p := &Parameters{}
	buf := newBuffer(b)
	for buf.len() > 0 {
		id, err := buf.readVarint()
		if err != nil {
			return nil, newError(TransportParameterError, "truncated parameter id")
		}
		value, err := buf.readVarintBytes()
		if err != nil {
			return nil, newError(TransportParameterError, "truncated parameter value")
		}
		switch id {
		case paramOriginalDestinationCID:
			p.OriginalDestinationCID = value
		case paramMaxIdleTimeout:
			v, err := decodeVarintBytes(value)
			if err != nil {
				return nil, err
			}
			p.MaxIdleTimeout = time.Duration(v) * time.Millisecond
		case paramStatelessResetToken:
			p.StatelessResetToken = value
		case paramMaxUDPPayloadSize:
			if p.MaxUDPPayloadSize, err = decodeVarintBytes(value); err != nil {
				return nil, err
			}
		case paramInitialMaxData:
			if p.InitialMaxData, err = decodeVarintBytes(value); err != nil {
				return nil, err
			}
		case paramInitialMaxStreamDataBidiLocal:
			if p.InitialMaxStreamDataBidiLocal, err = decodeVarintBytes(value); err != nil {
				return nil, err
			}
		case paramInitialMaxStreamDataBidiRemote:
			if p.InitialMaxStreamDataBidiRemote, err = decodeVarintBytes(value); err != nil {
				return nil, err
			}
		case paramInitialMaxStreamDataUni:
			if p.InitialMaxStreamDataUni, err = decodeVarintBytes(value); err != nil {
				return nil, err
			}
		case paramInitialMaxStreamsBidi:
			if p.InitialMaxStreamsBidi, err = decodeVarintBytes(value); err != nil {
				return nil, err
			}
		case paramInitialMaxStreamsUni:
			if p.InitialMaxStreamsUni, err = decodeVarintBytes(value); err != nil {
				return nil, err
			}
		case paramAckDelayExponent:
			if p.AckDelayExponent, err = decodeVarintBytes(value); err != nil {
				return nil, err
			}
		case paramMaxAckDelay:
			v, err := decodeVarintBytes(value)
			if err != nil {
				return nil, err
			}
			p.MaxAckDelay = time.Duration(v) * time.Millisecond
		case paramDisableActiveMigration:
			p.DisableActiveMigration = true
		case paramActiveConnectionIDLimit:
			if p.ActiveConnectionIDLimit, err = decodeVarintBytes(value); err != nil {
				return nil, err
			}
		case paramInitialSourceCID:
			p.InitialSourceCID = value
		case paramRetrySourceCID:
			p.RetrySourceCID = value
		case paramMaxDatagramFrameSize:
			if p.MaxDatagramFrameSize, err = decodeVarintBytes(value); err != nil {
				return nil, err
			}
		default:
			// Unknown parameters are ignored (RFC 9000 section 18).
		}
	}
	return p, nil
}

func decodeVarintBytes(b []byte) (uint64, error) {
	buf := newBuffer(b)
	v, err := buf.readVarint()
	if err != nil {
		return 0, newError(TransportParameterError, "malformed varint parameter")
	}
	return v, nil
}
