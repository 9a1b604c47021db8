package frpg2

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHandshake walks the three-way handshake with the counter values the
// wire protocol prescribes: SYN (1,0), SYN_ACK (1,1), ACK (0,1), both
// sides established with their sequence index bumped to 2.
func TestHandshake(t *testing.T) {
	client, server, _, _, _ := newTestStreamPair()

	client.Connect("peer-A")
	assert.Equal(t, StateConnecting, client.State())
	assert.Equal(t, StartSequenceIndex, client.sequenceIndex)

	require.False(t, server.Pump())
	assert.Equal(t, uint32(1), server.remoteSequenceIndex, "server stores the SYN's counter")
	assert.Equal(t, uint32(2), server.sequenceIndex, "SYN_ACK consumes a sequence slot")

	require.False(t, client.Pump())
	assert.Equal(t, StateEstablished, client.State(), "SYN_ACK then ACK complete the client side")
	assert.Equal(t, uint32(2), client.sequenceIndex)
	assert.Equal(t, uint32(1), client.remoteSequenceIndex)
	assert.Equal(t, uint32(1), client.sequenceIndexAcked)

	require.False(t, server.Pump())
	assert.Equal(t, StateEstablished, server.State())
	assert.Equal(t, uint32(1), server.sequenceIndexAcked)
}

// TestSynResendForNATPunch verifies a connecting stream resends its SYN on
// the resend interval when the first one goes unanswered.
func TestSynResendForNATPunch(t *testing.T) {
	client, server, clk, _, serverConn := newTestStreamPair()

	client.Connect("peer-A")
	require.Equal(t, 1, serverConn.pending())
	serverConn.dropNext(1)

	client.Pump()
	assert.Equal(t, 0, serverConn.pending(), "no resend before the interval")

	clk.Advance(ResendSynInterval + 100*time.Millisecond)
	client.Pump()
	assert.Equal(t, 1, serverConn.pending(), "SYN resent after the interval")

	require.True(t, establishFrom(client, server))
}

// establishFrom finishes a handshake already in flight.
func establishFrom(client, server *ReliableStream) bool {
	for i := 0; i < 8; i++ {
		pumpBoth(client, server, 1)
		if client.State() == StateEstablished && server.State() == StateEstablished {
			return true
		}
	}
	return false
}

// TestInOrderDataExchange sends one DAT and verifies delivery, the
// acknowledgement round trip and the emptied retransmit buffer.
func TestInOrderDataExchange(t *testing.T) {
	client, server, _, _, _ := newTestStreamPair()
	require.True(t, establishPair(client, server))

	require.NoError(t, sendText(client, "hello"))

	require.Len(t, client.sendQueue, 1)
	local, remote := client.sendQueue[0].Header.AckCounters()
	assert.Equal(t, uint32(2), local)
	assert.Equal(t, uint32(1), remote)
	assert.Equal(t, OpcodeDAT, client.sendQueue[0].Header.Opcode)

	client.Pump()
	server.Pump()
	assert.Equal(t, []string{"hello"}, receiveAll(server))
	assert.Equal(t, uint32(2), server.remoteSequenceIndex)

	client.Pump()
	assert.Equal(t, uint32(2), client.sequenceIndexAcked)
	assert.Empty(t, client.retransmitBuffer)
}

// TestPiggybackDatAck verifies an Unset packet with a pre-set remote
// counter resolves to DAT_ACK and records the piggy-backed sequence.
func TestPiggybackDatAck(t *testing.T) {
	client, server, _, _, _ := newTestStreamPair()
	require.True(t, establishPair(client, server))

	pkt := &ReliablePacket{Payload: []byte("reply")}
	pkt.Header.SetAckCounters(0, 1)
	require.NoError(t, client.Send(pkt))

	require.Len(t, client.sendQueue, 1)
	queued := client.sendQueue[0]
	assert.Equal(t, OpcodeDATACK, queued.Header.Opcode)
	local, remote := queued.Header.AckCounters()
	assert.Equal(t, uint32(2), local)
	assert.Equal(t, uint32(1), remote)
	assert.Contains(t, client.datAckResponses, uint32(1))

	client.Pump()
	server.Pump()
	assert.Equal(t, []string{"reply"}, receiveAll(server))
}

// TestRetransmitAfterLoss drops a DAT datagram and verifies the sender
// enters retransmit mode after the interval, recovers on the ACK, and the
// receiver sees the payload exactly once.
func TestRetransmitAfterLoss(t *testing.T) {
	client, server, clk, _, serverConn := newTestStreamPair()
	require.True(t, establishPair(client, server))

	require.NoError(t, sendText(client, "lost"))
	client.Pump()
	require.Equal(t, 1, serverConn.pending())
	serverConn.dropNext(1)

	clk.Advance(RetransmitInterval + 100*time.Millisecond)
	client.Pump()
	assert.True(t, client.isRetransmitting)
	require.Equal(t, 1, serverConn.pending(), "the aged packet is resent")

	server.Pump()
	assert.Equal(t, []string{"lost"}, receiveAll(server))

	client.Pump()
	assert.False(t, client.isRetransmitting)
	assert.Empty(t, client.retransmitBuffer)
}

// TestRetransmitCycle verifies the retransmitting packet is resent every
// cycle interval until acknowledged.
func TestRetransmitCycle(t *testing.T) {
	client, server, clk, _, serverConn := newTestStreamPair()
	require.True(t, establishPair(client, server))

	require.NoError(t, sendText(client, "cycling"))
	client.Pump()
	serverConn.dropNext(1)

	clk.Advance(RetransmitInterval + 100*time.Millisecond)
	client.Pump()
	require.True(t, client.isRetransmitting)
	serverConn.dropNext(1)

	client.Pump()
	assert.Equal(t, 0, serverConn.pending(), "no resend inside the cycle interval")

	clk.Advance(RetransmitCycleInterval + 100*time.Millisecond)
	client.Pump()
	assert.Equal(t, 1, serverConn.pending(), "resent after the cycle interval")
}

// TestAckLossRecovery loses an ACK, forcing the sender to retransmit; the
// receiver detects the duplicate and re-sends its ACK, throttled, and the
// payload is not delivered twice.
func TestAckLossRecovery(t *testing.T) {
	client, server, clk, clientConn, _ := newTestStreamPair()
	require.True(t, establishPair(client, server))

	require.NoError(t, sendText(client, "once"))
	client.Pump()
	server.Pump()
	assert.Equal(t, []string{"once"}, receiveAll(server))

	require.Equal(t, 1, clientConn.pending())
	clientConn.dropNext(1)

	clk.Advance(RetransmitInterval + 100*time.Millisecond)
	client.Pump()
	require.True(t, client.isRetransmitting)

	server.Pump()
	assert.Empty(t, receiveAll(server), "duplicate must not be delivered again")
	require.Equal(t, 1, clientConn.pending(), "receiver re-sent its ACK")

	client.Pump()
	assert.False(t, client.isRetransmitting)
	assert.Empty(t, client.retransmitBuffer)
}

// TestOutOfOrderDelivery reorders two DAT datagrams and verifies the
// reorder buffer restores sequence order.
func TestOutOfOrderDelivery(t *testing.T) {
	client, server, clk, _, serverConn := newTestStreamPair()
	require.True(t, establishPair(client, server))

	require.NoError(t, sendText(client, "first"))
	require.NoError(t, sendText(client, "second"))
	client.Pump()
	require.Equal(t, 2, serverConn.pending())
	serverConn.reorder([]int{1, 0})

	clk.Advance(MinTimeBetweenResendAck + 100*time.Millisecond)
	server.Pump()
	assert.Equal(t, []string{"first", "second"}, receiveAll(server))
	assert.Equal(t, uint32(3), server.remoteSequenceIndex)
}

// TestReorderWithDuplicates delivers a permutation with duplicated
// datagrams and verifies the receive queue matches lossless in-order
// delivery.
func TestReorderWithDuplicates(t *testing.T) {
	client, server, clk, _, serverConn := newTestStreamPair()
	require.True(t, establishPair(client, server))

	want := make([]string, 6)
	for i := range want {
		want[i] = fmt.Sprintf("msg-%d", i)
		require.NoError(t, sendText(client, want[i]))
	}
	client.Pump()
	require.Equal(t, 6, serverConn.pending())

	serverConn.reorder([]int{5, 0, 3, 1, 4, 2})
	serverConn.duplicate(0)
	serverConn.duplicate(3)

	clk.Advance(MinTimeBetweenResendAck + 100*time.Millisecond)
	server.Pump()
	assert.Equal(t, want, receiveAll(server))
	assert.False(t, server.InError())
}

// TestDuplicateNotDeliveredTwice duplicates a datagram in flight and
// verifies single delivery.
func TestDuplicateNotDeliveredTwice(t *testing.T) {
	client, server, _, _, serverConn := newTestStreamPair()
	require.True(t, establishPair(client, server))

	require.NoError(t, sendText(client, "dup"))
	client.Pump()
	serverConn.duplicate(0)

	server.Pump()
	assert.Equal(t, []string{"dup"}, receiveAll(server))
	assert.False(t, server.InError())
}

// TestSequenceWrap shrinks the counter space to 16 and streams more
// packets than the space holds, verifying in-order delivery across the
// wrap.
func TestSequenceWrap(t *testing.T) {
	client, server, _, _, _ := newTestStreamPair()
	client.seq = newSeqSpace(16)
	server.seq = newSeqSpace(16)
	require.True(t, establishPair(client, server))

	want := make([]string, 0, 20)
	got := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		text := fmt.Sprintf("wrap-%02d", i)
		want = append(want, text)
		require.NoError(t, sendText(client, text))

		pumpBoth(client, server, 2)
		got = append(got, receiveAll(server)...)
	}

	assert.Equal(t, want, got)
	assert.False(t, client.InError())
	assert.False(t, server.InError())
	assert.Less(t, client.sequenceIndex, uint32(16), "counter stayed inside the shrunken space")
}

// TestInFlightCap verifies the retransmit buffer never exceeds
// MaxPacketsInFlight while the peer withholds acknowledgements.
func TestInFlightCap(t *testing.T) {
	client, server, clk, _, _ := newTestStreamPair()
	require.True(t, establishPair(client, server))

	for i := 0; i < 100; i++ {
		require.NoError(t, sendText(client, fmt.Sprintf("bulk-%d", i)))
	}

	for i := 0; i < 5; i++ {
		client.Pump()
		assert.LessOrEqual(t, len(client.retransmitBuffer), MaxPacketsInFlight)
		clk.Advance(300 * time.Millisecond)
	}
	assert.Equal(t, MaxPacketsInFlight, len(client.retransmitBuffer))
	assert.Equal(t, 100-MaxPacketsInFlight, len(client.sendQueue))
}

// TestSequencedBeforeEstablished verifies a sequenced packet arriving
// outside Established sets the sticky error flag.
func TestSequencedBeforeEstablished(t *testing.T) {
	client, server, _, _, _ := newTestStreamPair()

	// Force the sender side so a DAT goes out while the receiver is
	// still listening.
	client.state = StateEstablished
	require.NoError(t, sendText(client, "too early"))
	client.Pump()

	require.True(t, server.Pump() || server.InError())
	assert.True(t, server.InError())
	assert.True(t, server.Pump(), "error flag is sticky")
	assert.True(t, server.Pump())
}

// TestGracefulClose runs the FIN / FIN_ACK exchange and verifies both
// sides reach Closed with a terminal pump, without errors.
func TestGracefulClose(t *testing.T) {
	client, server, _, _, _ := newTestStreamPair()
	require.True(t, establishPair(client, server))

	client.Disconnect()
	assert.Equal(t, StateClosing, client.State())

	closed := func(s *ReliableStream) bool { return s.State() == StateClosed }
	for i := 0; i < 8 && !(closed(client) && closed(server)); i++ {
		client.Pump()
		server.Pump()
	}

	assert.Equal(t, StateClosed, client.State())
	assert.Equal(t, StateClosed, server.State())
	assert.True(t, client.Pump())
	assert.True(t, server.Pump())
	assert.False(t, client.InError())
	assert.False(t, server.InError())
}

// TestDisconnectIdempotent verifies calling Disconnect twice behaves like
// calling it once: a single FIN on the wire.
func TestDisconnectIdempotent(t *testing.T) {
	client, server, _, _, serverConn := newTestStreamPair()
	require.True(t, establishPair(client, server))

	client.Disconnect()
	client.Disconnect()
	assert.Equal(t, 1, serverConn.pending(), "exactly one FIN sent")
	assert.Equal(t, StateClosing, client.State())
}

// TestCloseTimeout verifies a close that cannot drain is forced after
// ConnectionCloseTimeout.
func TestCloseTimeout(t *testing.T) {
	client, server, clk, _, serverConn := newTestStreamPair()
	require.True(t, establishPair(client, server))

	// Strand a packet in retransmit so the send queue cannot drain.
	require.NoError(t, sendText(client, "stranded"))
	client.Pump()
	serverConn.dropNext(1)
	clk.Advance(RetransmitInterval + 100*time.Millisecond)
	client.Pump()
	require.True(t, client.isRetransmitting)

	require.NoError(t, sendText(client, "queued"))
	client.Disconnect()
	require.Equal(t, StateClosing, client.State())

	client.Pump()
	assert.Equal(t, StateClosing, client.State(), "still draining inside the timeout")

	clk.Advance(ConnectionCloseTimeout + 100*time.Millisecond)
	assert.True(t, client.Pump())
	assert.Equal(t, StateClosed, client.State())
}

// TestSendWhileClosingIsSwallowed verifies sends during Closing succeed
// without queuing anything.
func TestSendWhileClosingIsSwallowed(t *testing.T) {
	client, server, _, _, _ := newTestStreamPair()
	require.True(t, establishPair(client, server))

	client.Disconnect()
	require.NoError(t, sendText(client, "ignored"))
	assert.Empty(t, client.sendQueue)
}

// TestReset verifies RST throws the peer back to Listening with counters
// and queues cleared.
func TestReset(t *testing.T) {
	client, server, _, _, _ := newTestStreamPair()
	require.True(t, establishPair(client, server))

	rst := &ReliablePacket{}
	rst.Header.Opcode = OpcodeRST
	require.NoError(t, server.Send(rst))

	client.Pump()
	assert.Equal(t, StateListening, client.State())
	assert.Equal(t, StartSequenceIndex, client.sequenceIndex)
	assert.Empty(t, client.receiveQueue)
	assert.False(t, client.InError())
}

// TestHeartbeat verifies the client emits HBT after the interval, the
// server folds the counter in and echoes once, and the exchange does not
// self-sustain.
func TestHeartbeat(t *testing.T) {
	client, server, clk, clientConn, serverConn := newTestStreamPair()
	require.True(t, establishPair(client, server))
	pumpBoth(client, server, 2)
	require.Equal(t, 0, serverConn.pending())

	clk.Advance(HeartbeatInterval + 100*time.Millisecond)
	client.Pump()
	require.Equal(t, 1, serverConn.pending(), "client emitted HBT")

	server.Pump()
	require.Equal(t, 1, clientConn.pending(), "server echoed HBT")

	client.Pump()
	pumpBoth(client, server, 2)
	assert.Equal(t, 0, serverConn.pending(), "no heartbeat ping-pong")
	assert.Equal(t, 0, clientConn.pending())
}

// TestUnknownOpcodeIsFatal verifies an undefined opcode errors the stream.
func TestUnknownOpcodeIsFatal(t *testing.T) {
	client, server, _, _, _ := newTestStreamPair()
	require.True(t, establishPair(client, server))

	bogus := &ReliablePacket{}
	bogus.Header.Opcode = Opcode(0xEE)
	require.NoError(t, client.Send(bogus))

	server.Pump()
	assert.True(t, server.InError())
	assert.True(t, server.Pump())
}

// TestGarbageDatagramIsFatal verifies an undecryptable datagram errors the
// stream and the flag sticks.
func TestGarbageDatagramIsFatal(t *testing.T) {
	client, server, _, _, serverConn := newTestStreamPair()
	require.True(t, establishPair(client, server))

	serverConn.mu.Lock()
	serverConn.inbox = append(serverConn.inbox, []byte{0x01, 0x02, 0x03})
	serverConn.mu.Unlock()

	server.Pump()
	assert.True(t, server.InError())
	assert.True(t, server.Pump())
	assert.False(t, client.InError())
}

// TestIdentityFilterRejectsPeer verifies the access-list hook kills a
// stream whose peer presents a denied identity.
func TestIdentityFilterRejectsPeer(t *testing.T) {
	client, server, _, _, _ := newTestStreamPair()
	server.SetIdentityFilter(func(peerID string) bool { return peerID != "banned-peer" })

	client.Connect("banned-peer")
	server.Pump()
	assert.True(t, server.InError())
	assert.True(t, server.Pump())
}

// TestPeerIDPropagation verifies the listening side learns the identity
// from the connection prefix.
func TestPeerIDPropagation(t *testing.T) {
	client, server, _, _, _ := newTestStreamPair()
	require.True(t, establishPair(client, server))

	assert.Equal(t, "peer-A", client.PeerID())
	assert.Equal(t, "peer-A", server.PeerID())
}
