package frpg2

import (
	"encoding/binary"
	"fmt"

	"github.com/armon/circbuf"
	"github.com/rs/zerolog/log"
)

// Message framing constants. A message is a 12-byte header followed by its
// body: payload length, message type, message index, all big-endian 32-bit.
const (
	messageHeaderSize = 12

	// maxMessageSize bounds a single message body. The transport assumes
	// a payload that fits one datagram after framing, so anything larger
	// is a framing error, not a fragmentation request.
	maxMessageSize = 32 * 1024

	// messageBufferSize is the reassembly buffer capacity.
	messageBufferSize = 256 * 1024
)

// Message is one framed message above the reliable stream.
type Message struct {
	// Type identifies the message to the layer above; the transport does
	// not interpret it.
	Type uint32

	// Index is the sender's running message counter, used by the layer
	// above to pair responses with requests.
	Index uint32

	Payload []byte
}

// MessageStream adapts framed messages to and from the reliable stream's
// packet payloads. Sends go out one message per packet; receives tolerate
// several messages batched into one packet, so inbound payloads pass
// through a reassembly buffer before framing.
type MessageStream struct {
	stream *ReliableStream

	recvBuf  *circbuf.Buffer
	buffered int64

	messages  []*Message
	nextIndex uint32
	inError   bool
}

// NewMessageStream wraps a reliable stream in message framing.
func NewMessageStream(stream *ReliableStream) (*MessageStream, error) {
	recvBuf, err := circbuf.NewBuffer(messageBufferSize)
	if err != nil {
		return nil, fmt.Errorf("create receive buffer: %w", err)
	}
	return &MessageStream{
		stream:  stream,
		recvBuf: recvBuf,
	}, nil
}

// Stream returns the reliable stream underneath.
func (ms *MessageStream) Stream() *ReliableStream {
	return ms.stream
}

// SendMessage frames and queues one message. The message index is assigned
// here and returned so the caller can match a later response.
func (ms *MessageStream) SendMessage(msgType uint32, payload []byte) (uint32, error) {
	if len(payload) > maxMessageSize {
		return 0, fmt.Errorf("%w: message body is %d bytes, limit %d", ErrFramingFailure, len(payload), maxMessageSize)
	}

	index := ms.nextIndex
	ms.nextIndex++

	frame := make([]byte, messageHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:], uint32(len(payload)))
	binary.BigEndian.PutUint32(frame[4:], msgType)
	binary.BigEndian.PutUint32(frame[8:], index)
	copy(frame[messageHeaderSize:], payload)

	if err := ms.stream.Send(&ReliablePacket{Payload: frame}); err != nil {
		return 0, err
	}
	return index, nil
}

// Receive pops the next complete message, if any.
func (ms *MessageStream) Receive(out *Message) bool {
	if len(ms.messages) == 0 {
		return false
	}
	*out = *ms.messages[0]
	ms.messages = ms.messages[1:]
	return true
}

// Pump advances the reliable stream, then reassembles delivered payloads
// into complete messages. Returns true when the stream is dead.
func (ms *MessageStream) Pump() bool {
	if ms.inError {
		return true
	}
	if ms.stream.Pump() {
		return true
	}

	var pkt ReliablePacket
	for ms.stream.Receive(&pkt) {
		if err := ms.absorb(pkt.Payload); err != nil {
			log.Warn().Err(err).Msg("message reassembly failed")
			ms.inError = true
			return true
		}
	}
	return false
}

// absorb appends one reliable payload to the reassembly buffer and parses
// out every complete message.
func (ms *MessageStream) absorb(payload []byte) error {
	if ms.buffered+int64(len(payload)) > ms.recvBuf.Size() {
		return fmt.Errorf("%w: reassembly buffer overflow", ErrFramingFailure)
	}
	if _, err := ms.recvBuf.Write(payload); err != nil {
		return fmt.Errorf("buffer payload: %w", err)
	}
	ms.buffered += int64(len(payload))

	return ms.parseBuffered()
}

// parseBuffered frames as many complete messages as the buffer holds and
// carries any partial tail over.
func (ms *MessageStream) parseBuffered() error {
	data := ms.recvBuf.Bytes()
	offset := 0

	for len(data)-offset >= messageHeaderSize {
		length := binary.BigEndian.Uint32(data[offset:])
		if length > maxMessageSize {
			return fmt.Errorf("%w: message header declares %d byte body, limit %d", ErrFramingFailure, length, maxMessageSize)
		}
		if len(data)-offset < messageHeaderSize+int(length) {
			break
		}

		msg := &Message{
			Type:    binary.BigEndian.Uint32(data[offset+4:]),
			Index:   binary.BigEndian.Uint32(data[offset+8:]),
			Payload: make([]byte, length),
		}
		copy(msg.Payload, data[offset+messageHeaderSize:offset+messageHeaderSize+int(length)])
		ms.messages = append(ms.messages, msg)

		offset += messageHeaderSize + int(length)
	}

	if offset > 0 {
		remaining := make([]byte, len(data)-offset)
		copy(remaining, data[offset:])
		ms.recvBuf.Reset()
		if len(remaining) > 0 {
			if _, err := ms.recvBuf.Write(remaining); err != nil {
				return fmt.Errorf("carry partial message: %w", err)
			}
		}
		ms.buffered = int64(len(remaining))
	}
	return nil
}
