package frpg2

import (
	"fmt"
	"time"
)

// Opcode identifies a reliable packet type. The numeric values are the ones
// the retail Frpg2 peer puts on the wire, captured from live traffic; they
// are not negotiable.
type Opcode uint8

const (
	// OpcodeUnset marks a packet whose opcode has not been resolved yet.
	// The send path replaces it with DAT or DAT_ACK; it never appears on
	// the wire.
	OpcodeUnset Opcode = 0x00
	// OpcodeSYN initiates the handshake.
	OpcodeSYN Opcode = 0x02
	// OpcodeHBT is the keepalive heartbeat.
	OpcodeHBT Opcode = 0x03
	// OpcodeFIN begins a graceful close.
	OpcodeFIN Opcode = 0x04
	// OpcodeRST aborts the stream back to Listening.
	OpcodeRST Opcode = 0x08
	// OpcodeSYNACK answers a SYN.
	OpcodeSYNACK Opcode = 0x22
	// OpcodeDAT carries application payload.
	OpcodeDAT Opcode = 0x25
	// OpcodeDATACK carries application payload with a piggy-backed ack.
	OpcodeDATACK Opcode = 0x26
	// OpcodeACK acknowledges a remote sequence number.
	OpcodeACK Opcode = 0x31
	// OpcodeRACK is sent by the retail peer to reject an ack. Ignored.
	OpcodeRACK Opcode = 0x32
	// OpcodeFINACK answers a FIN.
	OpcodeFINACK Opcode = 0x35
)

// String returns the wire name of the opcode.
func (o Opcode) String() string {
	switch o {
	case OpcodeUnset:
		return "UNSET"
	case OpcodeSYN:
		return "SYN"
	case OpcodeHBT:
		return "HBT"
	case OpcodeFIN:
		return "FIN"
	case OpcodeRST:
		return "RST"
	case OpcodeSYNACK:
		return "SYN_ACK"
	case OpcodeDAT:
		return "DAT"
	case OpcodeDATACK:
		return "DAT_ACK"
	case OpcodeACK:
		return "ACK"
	case OpcodeRACK:
		return "RACK"
	case OpcodeFINACK:
		return "FIN_ACK"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(o))
	}
}

// IsKnown reports whether the opcode is one the protocol defines. An
// unknown opcode on the wire is a protocol violation.
func (o Opcode) IsKnown() bool {
	switch o {
	case OpcodeUnset, OpcodeSYN, OpcodeHBT, OpcodeFIN, OpcodeRST,
		OpcodeSYNACK, OpcodeDAT, OpcodeDATACK, OpcodeACK, OpcodeRACK,
		OpcodeFINACK:
		return true
	}
	return false
}

// IsSequenced reports whether the opcode occupies a slot in the local
// sequence space and travels through the send queue and retransmit buffer.
// Everything else is sent raw, fire-and-forget. SYN and SYN_ACK are a
// special case handled in the stream: they bump the sequence index once but
// are resent by the handshake timer, not the retransmit path.
func (o Opcode) IsSequenced() bool {
	return o == OpcodeDAT || o == OpcodeDATACK || o == OpcodeFINACK
}

// Wire framing constants for the reliable header.
const (
	// reliableMagic0 and reliableMagic1 are the two magic bytes that open
	// every reliable packet after decryption.
	reliableMagic0 = 0xF5
	reliableMagic1 = 0x02

	// ReliableHeaderSize is the fixed size of the reliable header on the
	// wire: 2 magic bytes, 6 bytes of packed ack counters, the opcode and
	// one reserved byte.
	ReliableHeaderSize = 10
)

// Fixed opcode payload blobs. SYN and SYN_ACK carry small constant blocks
// whose meaning is unknown; the bytes below are the ones the retail peer
// sends, captured verbatim, and the remote end rejects the handshake if
// they differ.
var (
	synPayloadBlob = []byte{
		0x12, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	synAckPayloadBlob = []byte{
		0x12, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x12, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
)

// ReliableHeader is the 10-byte header that opens every reliable packet.
// The two 24-bit ack counters are packed into fixed byte positions; use
// AckCounters and SetAckCounters rather than touching the packed bytes.
type ReliableHeader struct {
	// ackBytes holds the packed counters: local in the first three bytes,
	// remote in the last three, big-endian each.
	ackBytes [6]byte

	// Opcode selects the packet type.
	Opcode Opcode

	// Unknown1 is a byte the retail peer sets but whose meaning is
	// unresolved. It is preserved on forward and return paths and
	// otherwise ignored.
	Unknown1 uint8
}

// AckCounters unpacks the local and remote ack counters.
func (h *ReliableHeader) AckCounters() (local, remote uint32) {
	local = uint32(h.ackBytes[0])<<16 | uint32(h.ackBytes[1])<<8 | uint32(h.ackBytes[2])
	remote = uint32(h.ackBytes[3])<<16 | uint32(h.ackBytes[4])<<8 | uint32(h.ackBytes[5])
	return local, remote
}

// SetAckCounters packs the local and remote ack counters. Values are masked
// to 24 bits.
func (h *ReliableHeader) SetAckCounters(local, remote uint32) {
	h.ackBytes[0] = byte(local >> 16)
	h.ackBytes[1] = byte(local >> 8)
	h.ackBytes[2] = byte(local)
	h.ackBytes[3] = byte(remote >> 16)
	h.ackBytes[4] = byte(remote >> 8)
	h.ackBytes[5] = byte(remote)
}

// ReliablePacket is one packet of the reliable stream: header plus opaque
// payload, with bookkeeping for the retransmit path.
type ReliablePacket struct {
	Header  ReliableHeader
	Payload []byte

	// SendTime is when the packet was enqueued, used to age in-flight
	// packets for retransmission.
	SendTime time.Time

	// Disassembly holds the human-readable dump when diagnostics are
	// enabled. Cosmetic only.
	Disassembly string
}

// Marshal serializes the packet to its wire form: magic, packed counters,
// opcode, reserved byte, payload.
func (p *ReliablePacket) Marshal() []byte {
	buf := make([]byte, ReliableHeaderSize+len(p.Payload))
	buf[0] = reliableMagic0
	buf[1] = reliableMagic1
	copy(buf[2:8], p.Header.ackBytes[:])
	buf[8] = byte(p.Header.Opcode)
	buf[9] = p.Header.Unknown1
	copy(buf[ReliableHeaderSize:], p.Payload)
	return buf
}

// Unmarshal parses the wire form produced by Marshal. The payload slice is
// copied out of data.
//
// Returns ErrFramingFailure-wrapped errors for short input or bad magic;
// the caller treats either as fatal to the stream.
func (p *ReliablePacket) Unmarshal(data []byte) error {
	if len(data) < ReliableHeaderSize {
		return fmt.Errorf("%w: packet is %d bytes, reliable header needs %d", ErrFramingFailure, len(data), ReliableHeaderSize)
	}
	if data[0] != reliableMagic0 || data[1] != reliableMagic1 {
		return fmt.Errorf("%w: bad magic %02X %02X", ErrFramingFailure, data[0], data[1])
	}

	copy(p.Header.ackBytes[:], data[2:8])
	p.Header.Opcode = Opcode(data[8])
	p.Header.Unknown1 = data[9]

	p.Payload = make([]byte, len(data)-ReliableHeaderSize)
	copy(p.Payload, data[ReliableHeaderSize:])

	return nil
}
