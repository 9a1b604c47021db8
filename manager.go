package frpg2

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Manager multiplexes one UDP socket across many reliable streams. It owns
// the socket and hands each stream a per-remote-address PacketConn view of
// it; the streams themselves stay single-threaded and advance only inside
// Pump.
//
// A background reader drains the socket into per-stream inboxes so that a
// stream's Recv is non-blocking. Datagrams from unknown addresses create a
// new listening stream, subject to the access list and the connection
// limiter, and the stream is queued for Accept.
type Manager struct {
	conn   *net.UDPConn
	cwcKey []byte

	limiter      *connectionLimiter
	accessFilter *accessFilter
	streamLimits *StreamLimitsConfig

	mu      sync.Mutex
	streams map[string]*managedStream
	closed  bool

	acceptChan chan *ReliableStream
	done       chan struct{}
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// ListenAddr is the UDP address to bind, e.g. ":50050".
	ListenAddr string

	// CwcKey is the session key used for streams this manager creates.
	CwcKey []byte

	// Limits configures connection rate limiting; nil means unlimited.
	Limits *ConnectionLimitsConfig

	// StreamLimits configures per-stream queue caps; nil means defaults.
	StreamLimits *StreamLimitsConfig

	// AccessList configures peer-identity filtering; nil means disabled.
	AccessList *AccessListConfig
}

// managedStream pairs a stream with its socket view and an ID for logging
// and status reporting.
type managedStream struct {
	id     string
	stream *ReliableStream
	conn   *managedConn
}

// managedConn is one remote-address view of the shared socket. Send writes
// to that address; Recv drains the inbox the manager's reader fills,
// returning (nil, nil) when empty so stream pumps never block.
type managedConn struct {
	socket *net.UDPConn
	addr   *net.UDPAddr
	inbox  chan []byte
}

// Addr returns the remote address this view sends to.
func (c *managedConn) Addr() net.Addr {
	return c.addr
}

// Send writes one datagram to the remote address.
func (c *managedConn) Send(data []byte) error {
	_, err := c.socket.WriteToUDP(data, c.addr)
	return err
}

// Recv returns the next queued datagram, or (nil, nil) when none is
// waiting.
func (c *managedConn) Recv() ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	default:
		return nil, nil
	}
}

// NewManager binds the UDP socket and starts the reader.
func NewManager(opts *ManagerOptions) (*Manager, error) {
	addr, err := net.ResolveUDPAddr("udp", opts.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind udp socket: %w", err)
	}

	m := &Manager{
		conn:         conn,
		cwcKey:       opts.CwcKey,
		limiter:      newConnectionLimiter(opts.Limits),
		accessFilter: newAccessFilter(opts.AccessList),
		streamLimits: opts.StreamLimits,
		streams:      make(map[string]*managedStream),
		acceptChan:   make(chan *ReliableStream, 16),
		done:         make(chan struct{}),
	}

	log.Info().
		Str("addr", conn.LocalAddr().String()).
		Msg("listening for connections")

	go m.readLoop()
	return m, nil
}

// Addr returns the bound local address.
func (m *Manager) Addr() net.Addr {
	return m.conn.LocalAddr()
}

// Accept blocks until a new inbound stream arrives or the manager closes.
func (m *Manager) Accept() (*ReliableStream, error) {
	select {
	case stream, ok := <-m.acceptChan:
		if !ok {
			return nil, fmt.Errorf("manager closed")
		}
		return stream, nil
	case <-m.done:
		return nil, fmt.Errorf("manager closed")
	}
}

// Dial creates a client-side stream to the remote address and begins the
// handshake with the given peer identity. The caller pumps the returned
// stream until established.
func (m *Manager) Dial(remoteAddr string, authToken uint64, peerID string) (*ReliableStream, error) {
	addr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve remote address: %w", err)
	}

	stream, err := m.register(addr, authToken, true)
	if err != nil {
		return nil, err
	}

	stream.Connect(peerID)
	return stream, nil
}

// register creates a stream and its socket view for the remote address.
func (m *Manager) register(addr *net.UDPAddr, authToken uint64, asClient bool) (*ReliableStream, error) {
	conn := &managedConn{
		socket: m.conn,
		addr:   addr,
		inbox:  make(chan []byte, 64),
	}

	stream, err := NewReliableStream(conn, m.cwcKey, authToken, asClient)
	if err != nil {
		return nil, err
	}
	if m.streamLimits != nil {
		stream.SetLimits(m.streamLimits)
	}
	stream.SetIdentityFilter(m.accessFilter.IsAllowed)

	ms := &managedStream{
		id:     uuid.New().String(),
		stream: stream,
		conn:   conn,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("manager closed")
	}
	m.streams[addr.String()] = ms

	log.Debug().
		Str("id", ms.id).
		Str("remote", addr.String()).
		Bool("asClient", asClient).
		Msg("registered stream")

	return stream, nil
}

// readLoop drains the socket and routes datagrams to stream inboxes,
// creating listening streams for unknown addresses.
func (m *Manager) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-m.done:
				return
			default:
			}
			log.Warn().Err(err).Msg("udp read failed")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		m.route(addr, data)
	}
}

// route delivers one datagram to its stream, admitting a new remote
// address first if the access list and limiter allow it.
func (m *Manager) route(addr *net.UDPAddr, data []byte) {
	m.mu.Lock()
	ms, ok := m.streams[addr.String()]
	m.mu.Unlock()

	if !ok {
		if !m.admit(addr) {
			return
		}
		m.mu.Lock()
		ms = m.streams[addr.String()]
		m.mu.Unlock()
		if ms == nil {
			return
		}
	}

	select {
	case ms.conn.inbox <- data:
	default:
		log.Warn().
			Str("remote", addr.String()).
			Msg("stream inbox full, dropping datagram")
	}
}

// admit decides whether a datagram from an unknown address may create a
// stream. The peer identity travels inside the encrypted envelope, so the
// access list is enforced by the stream itself once the prefix decodes;
// here only address-level limits apply.
func (m *Manager) admit(addr *net.UDPAddr) bool {
	if err := m.limiter.CheckAndRecordConnection(addr); err != nil {
		if !m.limiter.config.DisableRejectLogging {
			log.Warn().
				Str("remote", addr.String()).
				Err(err).
				Msg("rejected connection: rate limit")
		}
		return false
	}

	stream, err := m.register(addr, 0, false)
	if err != nil {
		log.Warn().Err(err).Msg("failed to create stream for new remote")
		m.limiter.ConnectionClosed()
		return false
	}

	select {
	case m.acceptChan <- stream:
	default:
		log.Warn().
			Str("remote", addr.String()).
			Msg("accept queue full, dropping connection")
		m.remove(addr.String())
		return false
	}
	return true
}

// PumpAll advances every stream once and reaps the dead ones. Returns the
// number of live streams.
func (m *Manager) PumpAll() int {
	m.mu.Lock()
	managed := make([]*managedStream, 0, len(m.streams))
	keys := make([]string, 0, len(m.streams))
	for key, ms := range m.streams {
		managed = append(managed, ms)
		keys = append(keys, key)
	}
	m.mu.Unlock()

	live := 0
	for i, ms := range managed {
		if ms.stream.Pump() {
			log.Info().
				Str("id", ms.id).
				Str("remote", keys[i]).
				Msg("stream terminated")
			m.remove(keys[i])
			continue
		}
		live++
	}
	return live
}

// remove drops a stream from the table and releases its limiter slot.
func (m *Manager) remove(key string) {
	m.mu.Lock()
	_, ok := m.streams[key]
	delete(m.streams, key)
	m.mu.Unlock()
	if ok {
		m.limiter.ConnectionClosed()
	}
}

// StreamInfo is a point-in-time snapshot of one stream, for status
// reporting.
type StreamInfo struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remoteAddr"`
	State        string    `json:"state"`
	PeerID       string    `json:"peerId,omitempty"`
	LastReceived time.Time `json:"lastReceived"`
}

// Streams returns a snapshot of all live streams.
func (m *Manager) Streams() []StreamInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]StreamInfo, 0, len(m.streams))
	for key, ms := range m.streams {
		infos = append(infos, StreamInfo{
			ID:           ms.id,
			RemoteAddr:   key,
			State:        ms.stream.State().String(),
			PeerID:       ms.stream.PeerID(),
			LastReceived: ms.stream.LastPacketReceivedTime(),
		})
	}
	return infos
}

// Close shuts the socket and releases every stream.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.streams = make(map[string]*managedStream)
	m.mu.Unlock()

	close(m.done)
	return m.conn.Close()
}
