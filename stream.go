// Package frpg2 implements the Frpg2 reliable-over-UDP transport: an
// authenticated, encrypted, ordered, retransmitting packet stream layered
// on a lossy datagram substrate, as spoken by a certain third-person action
// game.
//
// The stack is composed bottom-up: a PacketConn delivers raw datagrams, a
// UDPStream authenticates and encrypts them with CWC-AES, a ReliableStream
// runs the TCP-like state machine on top, and a MessageStream frames
// length-prefixed messages over the reliable payload sequence. Each layer
// contains the one below and exposes a narrow send/receive/pump surface.
//
// Every stream is owned by exactly one scheduling context and advances only
// inside Pump. There is no internal locking and no background work in the
// core; the multiplexer in manager.go provides the shared-socket plumbing
// around it.
package frpg2

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// StreamState is the reliable stream's position in the connection state
// machine.
type StreamState int

const (
	// StateListening is the initial server-side state, waiting for a SYN.
	StateListening StreamState = iota
	// StateConnecting is the client side after Connect, resending SYN
	// until answered.
	StateConnecting
	// StateSynReceived means the handshake is half done: SYN or SYN_ACK
	// seen, waiting for the final ACK.
	StateSynReceived
	// StateEstablished means data can flow.
	StateEstablished
	// StateClosing means a FIN has been sent or received; the stream
	// drains its send queue before closing.
	StateClosing
	// StateClosed is terminal.
	StateClosed
)

// String returns a human-readable representation of the stream state.
func (s StreamState) String() string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateConnecting:
		return "CONNECTING"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// emitPiggybackDatAck guards the piggy-backed DAT_ACK reply path. The
// retail peer tracks which received sequences expect a DAT_ACK but answers
// every one with a bare ACK; flipping this emits the tracked DAT_ACK
// instead. Kept disabled to match observed behavior.
const emitPiggybackDatAck = false

// ReliableStream is the reliable stream layer: the connection state
// machine, sequence counters, reorder buffer, send queue, retransmit
// controller and heartbeat, running over an authenticated UDPStream.
//
// The stream exclusively owns its queues, timers and cipher (via the
// UDPStream); only the datagram endpoint underneath is shared.
type ReliableStream struct {
	udp      *UDPStream
	asClient bool

	// peerID is the identity sent in the connection prefix alongside SYN;
	// remotePeerID is the identity a connecting peer presented to us.
	peerID       string
	remotePeerID string

	// identityFilter, when set, is consulted as soon as a peer presents
	// its identity; a false return kills the stream. The multiplexer
	// wires its access list in here.
	identityFilter func(peerID string) bool

	state   StreamState
	inError bool

	// seq is the wrapping counter space. Tests shrink it to exercise
	// wrap-around cheaply.
	seq    seqSpace
	limits *StreamLimitsConfig

	// Local send counter and the highest local sequence the peer has
	// acknowledged.
	sequenceIndex      uint32
	sequenceIndexAcked uint32

	// Last contiguous remote sequence processed, and the last remote
	// sequence we acknowledged.
	remoteSequenceIndex      uint32
	remoteSequenceIndexAcked uint32

	// sendQueue holds sequenced packets awaiting first transmission;
	// retransmitBuffer holds in-flight packets awaiting acknowledgement,
	// capped at MaxPacketsInFlight.
	sendQueue        []*ReliablePacket
	retransmitBuffer []*ReliablePacket

	// pendingReceiveQueue buffers sequenced packets until the sequence
	// gap before them fills; receiveQueue holds delivered packets for the
	// consumer.
	pendingReceiveQueue []*ReliablePacket
	receiveQueue        []*ReliablePacket

	// datAckResponses records remote sequences we acknowledged by
	// piggy-backing on an outbound DAT_ACK; expectedDatAckResponses
	// records the sequences of received DATs that this stream may answer
	// with a DAT_ACK (see handledPacket).
	datAckResponses         map[uint32]struct{}
	expectedDatAckResponses map[uint32]struct{}

	lastPacketReceivedTime time.Time
	lastAckSendTime        time.Time
	lastHeartbeatSendTime  time.Time
	resendSynTimer         time.Time
	closeTimer             time.Time

	isRetransmitting    bool
	retransmittingIndex uint32
	retransmissionTimer time.Time
	retransmitPacket    *ReliablePacket

	// now is the stream's clock. Tests substitute a fake.
	now func() time.Time
}

// NewReliableStream creates a reliable stream over the given datagram
// endpoint. The CWC key and auth token come from the session negotiation
// that preceded the stream; asClient selects which side of the handshake
// and heartbeat this end plays.
func NewReliableStream(conn PacketConn, cwcKey []byte, authToken uint64, asClient bool) (*ReliableStream, error) {
	udp, err := NewUDPStream(conn, cwcKey, authToken)
	if err != nil {
		return nil, err
	}

	s := &ReliableStream{
		udp:      udp,
		asClient: asClient,
		state:    StateListening,
		seq:      defaultSeqSpace,
		limits:   DefaultStreamLimitsConfig(),
		now:      time.Now,
	}
	s.reset()
	return s, nil
}

// SetLimits replaces the stream's queue caps. Pass nil to restore the
// defaults.
func (s *ReliableStream) SetLimits(limits *StreamLimitsConfig) {
	if limits == nil {
		limits = DefaultStreamLimitsConfig()
	}
	s.limits = limits
}

// State returns the current connection state.
func (s *ReliableStream) State() StreamState {
	return s.state
}

// InError reports whether the stream has hit a fatal error. The flag is
// sticky; once set, Pump returns terminal without further work.
func (s *ReliableStream) InError() bool {
	return s.inError
}

// PeerID returns the peer identity: the one supplied to Connect on the
// client side, or the one the peer presented in its connection prefix on
// the listening side.
func (s *ReliableStream) PeerID() string {
	if s.peerID != "" {
		return s.peerID
	}
	return s.remotePeerID
}

// SetIdentityFilter installs a callback consulted when a connecting peer
// presents its identity. Returning false rejects the peer: the stream
// errors out and the next Pump reports terminal.
func (s *ReliableStream) SetIdentityFilter(filter func(peerID string) bool) {
	s.identityFilter = filter
}

// LastPacketReceivedTime returns when the stream last decoded a packet.
// Consumers use it for their own idle timeout (typically ClientTimeout).
func (s *ReliableStream) LastPacketReceivedTime() time.Time {
	return s.lastPacketReceivedTime
}

// Connect begins the client-side handshake: send SYN (with the connection
// prefix carrying peerID) and keep resending until the peer answers. The
// resend doubles as a NAT hole punch.
func (s *ReliableStream) Connect(peerID string) {
	s.state = StateConnecting
	s.peerID = peerID
	s.resendSynTimer = s.now()

	log.Info().
		Str("remote", s.udp.Addr().String()).
		Str("peerID", peerID).
		Msg("connecting")

	s.sendSYN()
}

// Disconnect begins a graceful close. Only an established stream sends FIN;
// calling Disconnect again while closing is a no-op, so the call is
// idempotent.
func (s *ReliableStream) Disconnect() {
	if s.state == StateEstablished {
		s.sendFIN()
	}
}

// Send queues a packet for delivery. While the stream is closing the send
// is swallowed and reports success, matching the peer's behavior.
//
// A packet with an Unset opcode gets its counters and opcode filled in
// here: DAT_ACK when the caller pre-set a remote counter to piggy-back an
// acknowledgement, DAT otherwise. Sequenced packets consume a sequence slot
// and travel through the send queue and retransmit buffer; everything else
// bypasses the queues and is sent immediately.
func (s *ReliableStream) Send(input *ReliablePacket) error {
	if s.state == StateClosing {
		return nil
	}

	if !input.Header.Opcode.IsSequenced() && input.Header.Opcode != OpcodeUnset {
		return s.sendRaw(input)
	}

	pkt := &ReliablePacket{
		Header:  input.Header,
		Payload: input.Payload,
	}
	pkt.SendTime = s.now()

	if pkt.Header.Opcode == OpcodeUnset {
		_, remote := pkt.Header.AckCounters()
		if remote > 0 {
			pkt.Header.SetAckCounters(s.sequenceIndex, remote)
			pkt.Header.Opcode = OpcodeDATACK
			s.datAckResponses[remote] = struct{}{}
			s.remoteSequenceIndexAcked = remote
		} else {
			pkt.Header.SetAckCounters(s.sequenceIndex, s.remoteSequenceIndexAcked)
			pkt.Header.Opcode = OpcodeDAT
		}
	}

	s.sequenceIndex = s.seq.next(s.sequenceIndex)

	if s.limits.MaxSendQueue > 0 && len(s.sendQueue) >= s.limits.MaxSendQueue {
		log.Warn().
			Str("remote", s.udp.Addr().String()).
			Int("cap", s.limits.MaxSendQueue).
			Msg("send queue overflow")
		s.inError = true
		return fmt.Errorf("%w: send queue overflow", ErrTransportFailure)
	}
	s.sendQueue = append(s.sendQueue, pkt)
	return nil
}

// Receive pops the next delivered packet, if any. Packets appear here in
// strict sequence order once the reorder buffer has filled any gap.
func (s *ReliableStream) Receive(out *ReliablePacket) bool {
	if len(s.receiveQueue) == 0 {
		return false
	}
	*out = *s.receiveQueue[0]
	s.receiveQueue = s.receiveQueue[1:]
	return true
}

// Pump advances the stream: drain and decode inbound datagrams, deliver
// what the reorder buffer allows, run the retransmit controller, move
// queued packets into flight, and drive the handshake and close timers.
// Returns true when the stream is dead (closed or in error); once true it
// stays true.
func (s *ReliableStream) Pump() bool {
	if s.inError {
		return true
	}

	// Finish a graceful close once everything queued has gone out.
	if s.state == StateClosing && len(s.sendQueue) == 0 {
		log.Info().Str("remote", s.udp.Addr().String()).Msg("connection closed")
		s.state = StateClosed
	}

	if s.state == StateClosed {
		s.reset()
		return true
	}

	if s.udp.Pump() {
		s.inError = true
		return true
	}

	now := s.now()

	if s.state == StateConnecting && now.Sub(s.resendSynTimer) > ResendSynInterval {
		s.sendSYN()
		s.resendSynTimer = now
	}

	// A close that drags on past the timeout is abandoned; assume the
	// peer is gone.
	if !s.closeTimer.IsZero() && s.state == StateClosing && now.Sub(s.closeTimer) > ConnectionCloseTimeout {
		log.Warn().
			Str("remote", s.udp.Addr().String()).
			Msg("connection close took too long, assuming peer terminated")
		s.state = StateClosed
		return true
	}

	s.handleIncoming()
	s.handleOutgoing()
	s.maybeSendHeartbeat()

	return s.inError
}

// handleIncoming drains the packet layer, then applies as much of the
// pending reorder buffer as is contiguous.
func (s *ReliableStream) handleIncoming() {
	for {
		udpPkt, err := s.udp.Receive()
		if err != nil {
			log.Warn().
				Err(err).
				Str("remote", s.udp.Addr().String()).
				Msg("failed to receive datagram")
			s.inError = true
			return
		}
		if udpPkt == nil {
			break
		}

		if udpPkt.Prefix != nil {
			s.remotePeerID = udpPkt.Prefix.PeerID
			if s.identityFilter != nil && !s.identityFilter(s.remotePeerID) {
				log.Warn().
					Str("remote", s.udp.Addr().String()).
					Str("peerID", s.remotePeerID).
					Msg("rejecting peer: access list")
				s.inError = true
				return
			}
		}

		var pkt ReliablePacket
		if err := pkt.Unmarshal(udpPkt.Payload); err != nil {
			log.Warn().
				Err(err).
				Str("remote", s.udp.Addr().String()).
				Msg("failed to decode reliable packet")
			s.inError = true
			continue
		}

		if Diagnostics.DisassembleReceivedPackets {
			pkt.Disassembly = Disassemble(&pkt)
			if pkt.Header.Opcode != OpcodeDAT && pkt.Header.Opcode != OpcodeDATACK {
				log.Debug().Str("disassembly", pkt.Disassembly).Msg("<< RECV")
			}
		}

		s.handleIncomingPacket(&pkt)
	}

	for {
		idx := s.pendingIndexOf(s.nextRemoteSequenceIndex())
		if idx < 0 {
			break
		}

		next := s.pendingReceiveQueue[idx]
		s.processPacket(next)
		s.pendingReceiveQueue = append(s.pendingReceiveQueue[:idx], s.pendingReceiveQueue[idx+1:]...)
		s.remoteSequenceIndex = s.seq.next(s.remoteSequenceIndex)
	}
}

// handleIncomingPacket routes one decoded packet. Sequenced packets are
// admitted to the reorder buffer (or dropped as duplicates, with a
// throttled re-ACK so a peer whose ACK got lost stops retransmitting);
// everything else is processed immediately.
func (s *ReliableStream) handleIncomingPacket(pkt *ReliablePacket) {
	s.lastPacketReceivedTime = s.now()

	local, remote := pkt.Header.AckCounters()

	if Diagnostics.EmitPacketStream {
		emitDebugInfo(true, pkt, local, remote)
	}

	if !pkt.Header.Opcode.IsSequenced() {
		s.processPacket(pkt)
		return
	}

	// FIN_ACK is sequenced but legitimately arrives after the local side
	// has already begun closing; every other sequenced opcode requires an
	// established stream.
	finAckWhileClosing := pkt.Header.Opcode == OpcodeFINACK && s.state == StateClosing
	if s.state != StateEstablished && !finAckWhileClosing {
		log.Warn().
			Str("remote", s.udp.Addr().String()).
			Str("state", s.state.String()).
			Str("opcode", pkt.Header.Opcode.String()).
			Msg("received sequenced packet before connection is established")
		s.inError = true
		return
	}

	next := s.nextRemoteSequenceIndex()
	dist := s.seq.distance(next, local)
	inSequence := dist == 0
	ahead := !inSequence && dist < s.seq.max/2
	duplicate := s.pendingIndexOf(local) >= 0 || (!inSequence && !ahead)

	if !inSequence || duplicate {
		// The peer may be retransmitting because a previous ACK was
		// dropped; remind it where we are, throttled.
		if s.now().Sub(s.lastAckSendTime) > MinTimeBetweenResendAck {
			log.Debug().
				Str("remote", s.udp.Addr().String()).
				Uint32("incoming", local).
				Uint32("head", s.remoteSequenceIndex).
				Msg("re-sending ack for out-of-sequence packet")
			s.sendACK(s.remoteSequenceIndexAcked)
		}
		if duplicate {
			return
		}
	}

	if s.limits.MaxPendingReceiveQueue > 0 && len(s.pendingReceiveQueue) >= s.limits.MaxPendingReceiveQueue {
		log.Warn().
			Str("remote", s.udp.Addr().String()).
			Int("cap", s.limits.MaxPendingReceiveQueue).
			Msg("pending receive queue overflow")
		s.inError = true
		return
	}
	s.pendingReceiveQueue = append(s.pendingReceiveQueue, pkt)
}

// processPacket dispatches a packet that is ready to take effect: either
// unsequenced, or next in sequence out of the reorder buffer.
func (s *ReliableStream) processPacket(pkt *ReliablePacket) {
	switch pkt.Header.Opcode {
	case OpcodeSYN:
		s.handleSYN(pkt)
	case OpcodeSYNACK:
		s.handleSynAck(pkt)
	case OpcodeDAT:
		s.handleDAT(pkt)
	case OpcodeHBT:
		s.handleHBT(pkt)
	case OpcodeFIN:
		s.handleFIN(pkt)
	case OpcodeRST:
		s.handleRST(pkt)
	case OpcodeACK:
		s.handleACK(pkt)
	case OpcodeRACK:
		s.handleRACK(pkt)
	case OpcodeDATACK:
		s.handleDatAck(pkt)
	case OpcodeFINACK:
		s.handleFinAck(pkt)
	default:
		log.Error().
			Str("remote", s.udp.Addr().String()).
			Uint8("opcode", uint8(pkt.Header.Opcode)).
			Msg("received unknown reliable udp opcode")
		s.inError = true
	}
}

// handleSYN answers an incoming handshake: reply SYN_ACK, then the ACK the
// retail peer sends on top of it.
func (s *ReliableStream) handleSYN(pkt *ReliablePacket) {
	s.setState(StateSynReceived)

	local, _ := pkt.Header.AckCounters()

	s.sendSynAck(local)

	// The retail peer follows its SYN_ACK with a plain ACK. Redundant,
	// but the remote end expects both.
	s.sendACK(local)
}

// handleSynAck completes the client half of the handshake.
func (s *ReliableStream) handleSynAck(pkt *ReliablePacket) {
	s.setState(StateSynReceived)

	local, _ := pkt.Header.AckCounters()
	s.remoteSequenceIndex = local

	s.sendACK(s.remoteSequenceIndex)

	// SYN_ACK consumes a sequence slot without traveling the sequenced
	// path, so the bump happens here.
	s.sequenceIndex = s.seq.next(s.sequenceIndex)
}

// handleHBT folds the heartbeat's ack counter in and, on the serving side,
// echoes the heartbeat back. The connecting side initiates heartbeats on a
// timer instead of echoing, so two streams never ping-pong forever.
func (s *ReliableStream) handleHBT(pkt *ReliablePacket) {
	_, remote := pkt.Header.AckCounters()
	s.sequenceIndexAcked = s.seq.latest(s.sequenceIndexAcked, remote)

	if !s.asClient {
		s.sendHBT()
	}
}

// handleFIN acknowledges the peer's close and enters the closing drain.
func (s *ReliableStream) handleFIN(pkt *ReliablePacket) {
	local, _ := pkt.Header.AckCounters()
	s.sendFinAck(local)

	s.setState(StateClosing)
}

// handleFinAck notes the peer has acknowledged our close. Not straight to
// Closed: the send queue drains first.
func (s *ReliableStream) handleFinAck(pkt *ReliablePacket) {
	s.setState(StateClosing)
}

// handleRST throws the stream back to listening with everything cleared.
func (s *ReliableStream) handleRST(pkt *ReliablePacket) {
	s.setState(StateListening)
	s.reset()
}

// handleACK advances the local acknowledgement high-water mark. The first
// ACK after SYN_RECEIVED is the end of the handshake.
func (s *ReliableStream) handleACK(pkt *ReliablePacket) {
	if s.state == StateSynReceived {
		log.Info().
			Str("remote", s.udp.Addr().String()).
			Msg("handshake finished, connection established")
		s.setState(StateEstablished)
	}

	_, remote := pkt.Header.AckCounters()
	s.sequenceIndexAcked = s.seq.latest(s.sequenceIndexAcked, remote)
}

// handleRACK ignores the packet. The retail peer emits RACK to reject an
// acknowledgement, but nothing observable depends on reacting to it, so no
// behavior is invented here.
func (s *ReliableStream) handleRACK(pkt *ReliablePacket) {
	log.Debug().
		Str("remote", s.udp.Addr().String()).
		Msg("received RACK, ignoring")
}

// handleDAT delivers application payload and acknowledges it.
func (s *ReliableStream) handleDAT(pkt *ReliablePacket) {
	local, _ := pkt.Header.AckCounters()

	s.expectedDatAckResponses[local] = struct{}{}

	if !s.deliver(pkt) {
		return
	}

	s.handledPacket(local)
}

// handleDatAck delivers payload that rode with a piggy-backed ack, folding
// the ack in first.
func (s *ReliableStream) handleDatAck(pkt *ReliablePacket) {
	local, remote := pkt.Header.AckCounters()

	s.sequenceIndexAcked = s.seq.latest(s.sequenceIndexAcked, remote)

	if !s.deliver(pkt) {
		return
	}

	s.handledPacket(local)
}

// deliver appends a packet to the receive queue, enforcing the consumer
// cap. Returns false when the stream errored instead.
func (s *ReliableStream) deliver(pkt *ReliablePacket) bool {
	if s.limits.MaxReceiveQueue > 0 && len(s.receiveQueue) >= s.limits.MaxReceiveQueue {
		log.Warn().
			Str("remote", s.udp.Addr().String()).
			Int("cap", s.limits.MaxReceiveQueue).
			Msg("receive queue overflow")
		s.inError = true
		return false
	}
	s.receiveQueue = append(s.receiveQueue, pkt)
	return true
}

// handledPacket acknowledges a processed remote sequence. The piggy-back
// bookkeeping is drained here; with emitPiggybackDatAck disabled the reply
// is always a bare ACK, matching the retail peer.
func (s *ReliableStream) handledPacket(ackSequence uint32) {
	delete(s.datAckResponses, ackSequence)

	needsDatAck := false
	if _, ok := s.expectedDatAckResponses[ackSequence]; ok {
		delete(s.expectedDatAckResponses, ackSequence)
		needsDatAck = true
	}

	if emitPiggybackDatAck && needsDatAck {
		s.sendDatAck(s.sequenceIndex, ackSequence)
		return
	}
	s.sendACK(ackSequence)
}

// handleOutgoing runs the retransmit controller and moves queued packets
// into flight.
func (s *ReliableStream) handleOutgoing() {
	// Drop in-flight packets the peer has acknowledged.
	kept := s.retransmitBuffer[:0]
	for _, pkt := range s.retransmitBuffer {
		local, _ := pkt.Header.AckCounters()
		if s.seq.reached(local, s.sequenceIndexAcked) {
			continue
		}
		kept = append(kept, pkt)
	}
	s.retransmitBuffer = kept

	now := s.now()

	if !s.isRetransmitting {
		// One unacknowledged packet past its interval puts the stream
		// into retransmit mode; only that packet is resent until the ack
		// counter passes it.
		for _, pkt := range s.retransmitBuffer {
			if now.Sub(pkt.SendTime) <= RetransmitInterval {
				continue
			}

			local, _ := pkt.Header.AckCounters()
			log.Debug().
				Str("remote", s.udp.Addr().String()).
				Uint32("sequence", local).
				Msg("starting retransmit of unacknowledged packet")

			s.sendRaw(pkt)

			s.isRetransmitting = true
			s.retransmittingIndex = local
			s.retransmitPacket = pkt
			s.retransmissionTimer = now
			break
		}
	} else {
		if s.seq.reached(s.retransmittingIndex, s.sequenceIndexAcked) {
			log.Debug().
				Str("remote", s.udp.Addr().String()).
				Msg("recovered from retransmit")
			s.isRetransmitting = false
		} else if now.Sub(s.retransmissionTimer) > RetransmitCycleInterval {
			s.retransmissionTimer = now
			s.sendRaw(s.retransmitPacket)
		}
	}

	// Hold new sends while retransmitting or while the in-flight window
	// is full.
	for !s.isRetransmitting && len(s.sendQueue) > 0 && len(s.retransmitBuffer) < MaxPacketsInFlight {
		pkt := s.sendQueue[0]
		s.sendQueue = s.sendQueue[1:]
		s.retransmitBuffer = append(s.retransmitBuffer, pkt)

		s.sendRaw(pkt)
	}
}

// maybeSendHeartbeat emits the periodic keepalive on the connecting side.
func (s *ReliableStream) maybeSendHeartbeat() {
	if !s.asClient || s.state != StateEstablished {
		return
	}
	if s.lastHeartbeatSendTime.IsZero() {
		s.lastHeartbeatSendTime = s.now()
		return
	}
	if s.now().Sub(s.lastHeartbeatSendTime) > HeartbeatInterval {
		s.sendHBT()
	}
}

// sendSYN emits the handshake opener. Its counters are (sequenceIndex, 0)
// and its payload is the fixed SYN blob; the sequence bump happens when the
// SYN_ACK comes back.
func (s *ReliableStream) sendSYN() {
	pkt := &ReliablePacket{Payload: synPayloadBlob}
	pkt.Header.SetAckCounters(s.sequenceIndex, 0)
	pkt.Header.Opcode = OpcodeSYN

	s.Send(pkt)
}

// sendSynAck answers a SYN, stores the remote counter and consumes a local
// sequence slot.
func (s *ReliableStream) sendSynAck(remoteIndex uint32) {
	pkt := &ReliablePacket{Payload: synAckPayloadBlob}
	pkt.Header.SetAckCounters(s.sequenceIndex, remoteIndex)
	pkt.Header.Opcode = OpcodeSYNACK

	s.Send(pkt)

	s.remoteSequenceIndex = remoteIndex

	// SYN_ACK consumes a sequence slot without traveling the sequenced
	// path, so the bump happens here.
	s.sequenceIndex = s.seq.next(s.sequenceIndex)
}

// sendACK acknowledges a remote sequence with counters (0, remoteIndex).
func (s *ReliableStream) sendACK(remoteIndex uint32) {
	pkt := &ReliablePacket{}
	pkt.Header.SetAckCounters(0, remoteIndex)
	pkt.Header.Opcode = OpcodeACK

	s.Send(pkt)

	s.remoteSequenceIndexAcked = remoteIndex
	s.lastAckSendTime = s.now()
}

// sendDatAck emits a data packet carrying a piggy-backed acknowledgement.
// Only reachable when emitPiggybackDatAck is enabled.
func (s *ReliableStream) sendDatAck(localIndex, remoteIndex uint32) {
	pkt := &ReliablePacket{}
	pkt.Header.SetAckCounters(localIndex, remoteIndex)
	pkt.Header.Opcode = OpcodeDATACK

	s.Send(pkt)

	s.remoteSequenceIndexAcked = remoteIndex
	s.lastAckSendTime = s.now()
}

// sendFinAck acknowledges a peer's FIN. FIN_ACK is sequenced: it travels
// the send queue so it lands after any data still draining.
func (s *ReliableStream) sendFinAck(remoteIndex uint32) {
	pkt := &ReliablePacket{}
	pkt.Header.SetAckCounters(s.sequenceIndex, remoteIndex)
	pkt.Header.Opcode = OpcodeFINACK

	s.Send(pkt)
}

// sendFIN starts a graceful close and arms the close timer.
func (s *ReliableStream) sendFIN() {
	pkt := &ReliablePacket{}
	pkt.Header.SetAckCounters(s.sequenceIndex, 0)
	pkt.Header.Opcode = OpcodeFIN

	s.Send(pkt)

	s.setState(StateClosing)
	s.closeTimer = s.now()
}

// sendHBT emits the keepalive carrying the last remote sequence we
// acknowledged.
func (s *ReliableStream) sendHBT() {
	pkt := &ReliablePacket{}
	pkt.Header.SetAckCounters(0, s.remoteSequenceIndexAcked)
	pkt.Header.Opcode = OpcodeHBT

	s.Send(pkt)

	s.lastHeartbeatSendTime = s.now()
}

// sendRaw encodes and transmits one packet immediately, bypassing the
// queues. The SYN carries the connection prefix with the peer identity,
// inside the encrypted envelope.
func (s *ReliableStream) sendRaw(pkt *ReliablePacket) error {
	if pkt.Header.Opcode == OpcodeUnset {
		s.inError = true
		return fmt.Errorf("%w: refusing to send packet with unset opcode", ErrProtocolViolation)
	}

	if Diagnostics.EmitPacketStream {
		local, remote := pkt.Header.AckCounters()
		emitDebugInfo(false, pkt, local, remote)
	}

	udpPkt := &UDPPacket{Payload: pkt.Marshal()}
	if pkt.Header.Opcode == OpcodeSYN {
		udpPkt.Prefix = &InitialData{PeerID: s.peerID}
	}

	if Diagnostics.DisassembleSentPackets {
		pkt.Disassembly = Disassemble(pkt)
		if pkt.Header.Opcode != OpcodeDAT && pkt.Header.Opcode != OpcodeDATACK {
			log.Debug().Str("disassembly", pkt.Disassembly).Msg(">> SENT")
		}
	}

	if err := s.udp.Send(udpPkt); err != nil {
		log.Warn().
			Err(err).
			Str("remote", s.udp.Addr().String()).
			Msg("failed to send packet")
		s.inError = true
		return err
	}
	return nil
}

// nextRemoteSequenceIndex is the remote sequence number the reorder buffer
// is waiting on.
func (s *ReliableStream) nextRemoteSequenceIndex() uint32 {
	return s.seq.next(s.remoteSequenceIndex)
}

// pendingIndexOf finds a buffered packet by its local sequence number, or
// -1.
func (s *ReliableStream) pendingIndexOf(sequenceIndex uint32) int {
	for i, pkt := range s.pendingReceiveQueue {
		local, _ := pkt.Header.AckCounters()
		if local == sequenceIndex {
			return i
		}
	}
	return -1
}

// setState transitions the stream with logging.
func (s *ReliableStream) setState(newState StreamState) {
	if s.state == newState {
		return
	}
	log.Info().
		Str("remote", s.udp.Addr().String()).
		Str("from", s.state.String()).
		Str("to", newState.String()).
		Msg("state transition")
	s.state = newState
}

// reset returns every counter and queue to its initial value. The state
// itself is left alone; RST handling and close both decide state
// separately.
func (s *ReliableStream) reset() {
	s.sequenceIndex = StartSequenceIndex
	s.sequenceIndexAcked = 0
	s.remoteSequenceIndex = 0
	s.remoteSequenceIndexAcked = 0

	s.sendQueue = nil
	s.retransmitBuffer = nil
	s.pendingReceiveQueue = nil
	s.receiveQueue = nil
	s.datAckResponses = make(map[uint32]struct{})
	s.expectedDatAckResponses = make(map[uint32]struct{})

	s.isRetransmitting = false
	s.retransmitPacket = nil
}
