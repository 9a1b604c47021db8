package frpg2

import "errors"

// Stream error taxonomy. Every failure a stream can hit wraps one of these
// sentinels, so callers can classify with errors.Is. All of them are fatal
// to the stream that reports them: the error flag is sticky and the next
// Pump returns terminal. Transient conditions (duplicate packets,
// out-of-order arrival) are handled inside the stream and never surface.
var (
	// ErrCryptoFailure is an encrypt or decrypt failure: tag mismatch,
	// truncated frame, key misuse.
	ErrCryptoFailure = errors.New("crypto failure")

	// ErrFramingFailure is a malformed reliable packet: short payload,
	// magic mismatch, malformed initial-data block.
	ErrFramingFailure = errors.New("framing failure")

	// ErrProtocolViolation is a well-formed packet the state machine
	// cannot accept: a sequenced opcode outside Established, an unknown
	// opcode.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTransportFailure is a failure of the underlying datagram
	// endpoint, or a send-queue overflow.
	ErrTransportFailure = errors.New("transport failure")
)
