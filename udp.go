package frpg2

import (
	"bytes"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"
)

// PacketConn is the datagram endpoint a stream sends and receives on. The
// endpoint is typically one remote-address view of a shared UDP socket; the
// multiplexer in manager.go provides that view. Recv must be non-blocking:
// it returns (nil, nil) when no datagram is waiting so Pump completes
// promptly.
type PacketConn interface {
	Addr() net.Addr
	Send(data []byte) error
	Recv() ([]byte, error)
}

// Initial-data block constants. The block is 25 bytes carrying the peer
// identity twice, null-terminated, in fixed-width fields of 17 and 8
// bytes. It precedes the reliable framing inside the first datagram a new
// stream sends with its SYN.
const (
	// InitialDataSize is the wire size of the initial-data block.
	InitialDataSize = 25

	initialIdentityFieldSize     = 17
	initialIdentityCopyFieldSize = 8
)

// InitialData is the connection prefix block.
type InitialData struct {
	// PeerID is the peer identity string carried in both fields.
	PeerID string
}

// Marshal writes the identity into both fixed-width fields, truncating to
// leave room for the terminating null.
func (d *InitialData) Marshal() []byte {
	buf := make([]byte, InitialDataSize)
	putCString(buf[:initialIdentityFieldSize], d.PeerID)
	putCString(buf[initialIdentityFieldSize:], d.PeerID)
	return buf
}

// Unmarshal reads the identity from the first field. The copy field is
// carried on the wire but nothing consumes it.
func (d *InitialData) Unmarshal(data []byte) error {
	if len(data) < InitialDataSize {
		return fmt.Errorf("%w: initial data block is %d bytes, need %d", ErrFramingFailure, len(data), InitialDataSize)
	}
	d.PeerID = cString(data[:initialIdentityFieldSize])
	return nil
}

// putCString copies s into dst null-terminated, truncating to fit.
func putCString(dst []byte, s string) {
	n := copy(dst[:len(dst)-1], s)
	dst[n] = 0
}

// cString reads a null-terminated string from a fixed-width field.
func cString(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

// UDPPacket is one authenticated datagram payload. Prefix, when set, is
// the initial-data block that precedes the reliable framing inside the
// encrypted envelope.
type UDPPacket struct {
	Payload []byte
	Prefix  *InitialData
}

// HasConnectionPrefix reports whether the packet carries the initial-data
// block.
func (p *UDPPacket) HasConnectionPrefix() bool {
	return p.Prefix != nil
}

// UDPStream is the authenticated packet layer: it translates between raw
// datagrams on a PacketConn and authenticated packet payloads, encrypting
// each datagram with the stream's own CWC cipher. Datagram boundaries are
// preserved; nothing is reassembled or coalesced.
//
// Prefix detection happens on the decrypted payload: a payload longer than
// the initial-data block whose first byte is neither the reliable magic
// nor a DAT opcode byte opens with the prefix. The decrypted view is the
// only place the rule is deterministic — a reliable payload always starts
// 0xF5, an identity character never does.
type UDPStream struct {
	conn   PacketConn
	cipher *CWCCipher

	// authToken identifies the session that negotiated the cipher key.
	// The transport only carries it for logging and lookup by the layer
	// above.
	authToken uint64

	inError bool
}

// NewUDPStream creates the authenticated packet layer over the given
// endpoint. The cipher is created with the stream and dies with it.
func NewUDPStream(conn PacketConn, cwcKey []byte, authToken uint64) (*UDPStream, error) {
	cwc, err := NewCWCCipher(cwcKey)
	if err != nil {
		return nil, err
	}
	return &UDPStream{
		conn:      conn,
		cipher:    cwc,
		authToken: authToken,
	}, nil
}

// Addr returns the remote address of the underlying endpoint.
func (s *UDPStream) Addr() net.Addr {
	return s.conn.Addr()
}

// AuthToken returns the session token this stream was created with.
func (s *UDPStream) AuthToken() uint64 {
	return s.authToken
}

// InError reports whether the layer has hit a fatal error. The flag is
// sticky.
func (s *UDPStream) InError() bool {
	return s.inError
}

// Send encrypts the packet and sends it as a single datagram. When the
// packet carries the connection prefix, the initial-data block goes in
// front of the payload inside the encrypted envelope.
func (s *UDPStream) Send(pkt *UDPPacket) error {
	plaintext := pkt.Payload
	if pkt.HasConnectionPrefix() {
		prefix := pkt.Prefix.Marshal()
		plaintext = make([]byte, 0, len(prefix)+len(pkt.Payload))
		plaintext = append(plaintext, prefix...)
		plaintext = append(plaintext, pkt.Payload...)
	}

	frame, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		s.inError = true
		return fmt.Errorf("encrypt datagram: %w", err)
	}

	if err := s.conn.Send(frame); err != nil {
		s.inError = true
		return fmt.Errorf("%w: send datagram: %v", ErrTransportFailure, err)
	}
	return nil
}

// Receive reads and decrypts one datagram. Returns (nil, nil) when the
// endpoint has nothing waiting. A decrypted payload that opens with the
// initial-data block has it parsed, logged and stripped; the packet
// carries it for the layer above.
func (s *UDPStream) Receive() (*UDPPacket, error) {
	data, err := s.conn.Recv()
	if err != nil {
		s.inError = true
		return nil, fmt.Errorf("%w: recv datagram: %v", ErrTransportFailure, err)
	}
	if data == nil {
		return nil, nil
	}

	payload, err := s.cipher.Decrypt(data)
	if err != nil {
		s.inError = true
		return nil, fmt.Errorf("decrypt datagram: %w", err)
	}

	pkt := &UDPPacket{Payload: payload}

	if len(payload) > InitialDataSize && payload[0] != 0xF5 && payload[0] != 0x25 {
		var initial InitialData
		if err := initial.Unmarshal(payload); err != nil {
			s.inError = true
			return nil, err
		}
		log.Debug().
			Str("remote", s.conn.Addr().String()).
			Str("peerID", initial.PeerID).
			Msg("received initial connection data")
		pkt.Prefix = &initial
		pkt.Payload = payload[InitialDataSize:]
	}

	return pkt, nil
}

// Pump reports the layer's health; the datagram work happens in Send and
// Receive. Returns true when the stream is dead.
func (s *UDPStream) Pump() bool {
	return s.inError
}
