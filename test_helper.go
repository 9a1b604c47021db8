package frpg2

import (
	"net"
	"sync"
	"time"
)

// Test plumbing shared by the package tests: an in-memory datagram pipe
// standing in for the UDP socket, and a manually advanced clock so timer
// behavior (retransmit, throttled acks, close timeout) is deterministic.

// memAddr is a fake net.Addr naming one end of a memConn pair.
type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// memConn is one end of an in-memory datagram pipe. Datagrams sent on one
// end queue on the peer's inbox; tests reach into the inbox to drop,
// duplicate or reorder datagrams.
type memConn struct {
	mu    sync.Mutex
	addr  memAddr
	peer  *memConn
	inbox [][]byte

	// sendErr, when set, makes every Send fail with it.
	sendErr error
}

// newConnPair creates a connected pair of in-memory endpoints.
func newConnPair() (*memConn, *memConn) {
	a := &memConn{addr: "mem:client"}
	b := &memConn{addr: "mem:server"}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *memConn) Addr() net.Addr {
	return c.addr
}

func (c *memConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	c.peer.mu.Lock()
	c.peer.inbox = append(c.peer.inbox, buf)
	c.peer.mu.Unlock()
	return nil
}

func (c *memConn) Recv() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbox) == 0 {
		return nil, nil
	}
	data := c.inbox[0]
	c.inbox = c.inbox[1:]
	return data, nil
}

// pending returns how many datagrams are queued for this end.
func (c *memConn) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inbox)
}

// dropNext discards the next n queued datagrams.
func (c *memConn) dropNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > len(c.inbox) {
		n = len(c.inbox)
	}
	c.inbox = c.inbox[n:]
}

// reorder rearranges the queued datagrams into the given permutation of
// current indices.
func (c *memConn) reorder(perm []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	shuffled := make([][]byte, 0, len(perm))
	for _, i := range perm {
		shuffled = append(shuffled, c.inbox[i])
	}
	c.inbox = shuffled
}

// duplicate appends a copy of the datagram at the given index.
func (c *memConn) duplicate(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(c.inbox[i]))
	copy(buf, c.inbox[i])
	c.inbox = append(c.inbox, buf)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// testKey is the 16-byte zero vector the end-to-end tests fix the cipher
// key to.
var testKey = make([]byte, 16)

// newTestStreamPair builds a client/server stream pair over an in-memory
// pipe, sharing one fake clock.
func newTestStreamPair() (client, server *ReliableStream, clk *fakeClock, clientConn, serverConn *memConn) {
	clientConn, serverConn = newConnPair()

	client, err := NewReliableStream(clientConn, testKey, 1, true)
	if err != nil {
		panic(err)
	}
	server, err = NewReliableStream(serverConn, testKey, 1, false)
	if err != nil {
		panic(err)
	}

	clk = newFakeClock()
	client.now = clk.Now
	server.now = clk.Now
	return client, server, clk, clientConn, serverConn
}

// pumpBoth advances both streams n rounds.
func pumpBoth(client, server *ReliableStream, n int) {
	for i := 0; i < n; i++ {
		client.Pump()
		server.Pump()
	}
}

// establishPair runs the handshake to completion.
func establishPair(client, server *ReliableStream) bool {
	client.Connect("peer-A")
	for i := 0; i < 8; i++ {
		pumpBoth(client, server, 1)
		if client.State() == StateEstablished && server.State() == StateEstablished {
			return true
		}
	}
	return false
}

// sendText queues one DAT carrying the given payload.
func sendText(s *ReliableStream, text string) error {
	return s.Send(&ReliablePacket{Payload: []byte(text)})
}

// receiveAll drains the receive queue into payload strings.
func receiveAll(s *ReliableStream) []string {
	var out []string
	var pkt ReliablePacket
	for s.Receive(&pkt) {
		out = append(out, string(pkt.Payload))
	}
	return out
}
