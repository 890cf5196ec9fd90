package transport

import "errors"

// Buffer errors are local and never surfaced to the peer: a truncated
// datagram or frame is dropped by the caller.
var (
	errBufferUnderrun = errors.New("quic: buffer underrun")
	errBufferOverrun  = errors.New("quic: buffer overrun")
	errShortBuffer    = errors.New("quic: short buffer")
	errInvalidToken   = errors.New("quic: invalid retry token")
	errFlowControl    = errors.New("quic: flow control violation")
)

// ErrorCode is a QUIC transport or application error code (RFC 9000
// section 20).
type ErrorCode uint64

// Transport error codes.
const (
	NoError ErrorCode = iota
	InternalError
	ConnectionRefused
	FlowControlError
	StreamLimitError
	StreamStateError
	FinalSizeError
	FrameEncodingError
	TransportParameterError
	ConnectionIDLimitError
	ProtocolViolation
	InvalidToken
	ApplicationError
	CryptoBufferExceeded
	KeyUpdateError
	AEADLimitReached
	NoViablePath
)

// VersionNegotiationError and RetryFailure are synthesized local errors:
// they never cross the wire, they are raised by the core before the
// handshake completes so the embedder observes connection failure.
const (
	VersionNegotiationError ErrorCode = 0x1000 + iota
	RetryFailure
)

const cryptoErrorBase = 0x0100 // CRYPTO_ERROR + TLS alert number

// TransportError is returned by Conn methods and carried in
// ConnectionTerminated events.
type TransportError struct {
	Code      ErrorCode
	FrameType uint64
	Message   string
}

func (e *TransportError) Error() string {
	if e.Message == "" {
		return errorCodeString(e.Code)
	}
	return errorCodeString(e.Code) + ": " + e.Message
}

func newError(code ErrorCode, msg string) error {
	return &TransportError{Code: code, Message: msg}
}

func newErrorWithFrame(code ErrorCode, frameType uint64, msg string) error {
	return &TransportError{Code: code, FrameType: frameType, Message: msg}
}

func errorCodeString(code ErrorCode) string {
	if code >= cryptoErrorBase && code < cryptoErrorBase+256 {
		return sprint("crypto_error_", uint64(code-cryptoErrorBase))
	}
	switch code {
	case NoError:
		return "no_error"
	case InternalError:
		return "internal_error"
	case ConnectionRefused:
		return "connection_refused"
	case FlowControlError:
		return "flow_control_error"
	case StreamLimitError:
		return "stream_limit_error"
	case StreamStateError:
		return "stream_state_error"
	case FinalSizeError:
		return "final_size_error"
	case FrameEncodingError:
		return "frame_encoding_error"
	case TransportParameterError:
		return "transport_parameter_error"
	case ConnectionIDLimitError:
		return "connection_id_limit_error"
	case ProtocolViolation:
		return "protocol_violation"
	case InvalidToken:
		return "invalid_token"
	case ApplicationError:
		return "application_error"
	case CryptoBufferExceeded:
		return "crypto_buffer_exceeded"
	case KeyUpdateError:
		return "key_update_error"
	case AEADLimitReached:
		return "aead_limit_reached"
	case NoViablePath:
		return "no_viable_path"
	case VersionNegotiationError:
		return "version_negotiation_error"
	case RetryFailure:
		return "retry_failure"
	default:
		return sprint("error_", uint64(code))
	}
}

// isTransportError reports whether err is a *TransportError with the
// given code, used by tests and by the embedder to branch on failure
// kind without a type switch at every call site.
func isTransportError(err error, code ErrorCode) bool {
	te, ok := err.(*TransportError)
	return ok && te.Code == code
}
