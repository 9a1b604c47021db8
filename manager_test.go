package frpg2

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestManager binds a manager on an ephemeral localhost port.
func newTestManager(t *testing.T, opts *ManagerOptions) *Manager {
	t.Helper()
	if opts == nil {
		opts = &ManagerOptions{}
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = "127.0.0.1:0"
	}
	if opts.CwcKey == nil {
		opts.CwcKey = testKey
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// TestManagerDialAccept runs a full handshake and data exchange over real
// localhost sockets through two managers.
func TestManagerDialAccept(t *testing.T) {
	serverMgr := newTestManager(t, nil)
	clientMgr := newTestManager(t, nil)

	acceptedCh := make(chan *ReliableStream, 1)
	go func() {
		stream, err := serverMgr.Accept()
		if err == nil {
			acceptedCh <- stream
		}
	}()

	clientStream, err := clientMgr.Dial(serverMgr.Addr().String(), 1, "0110000100000001")
	require.NoError(t, err)

	var serverStream *ReliableStream
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		clientMgr.PumpAll()
		serverMgr.PumpAll()

		if serverStream == nil {
			select {
			case serverStream = <-acceptedCh:
			default:
			}
		}
		if serverStream != nil &&
			clientStream.State() == StateEstablished &&
			serverStream.State() == StateEstablished {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotNil(t, serverStream, "server accepted a stream")
	require.Equal(t, StateEstablished, clientStream.State())
	require.Equal(t, StateEstablished, serverStream.State())
	assert.Equal(t, "0110000100000001", serverStream.PeerID())

	require.NoError(t, clientStream.Send(&ReliablePacket{Payload: []byte("over the wire")}))

	var got []string
	for time.Now().Before(deadline) && len(got) == 0 {
		clientMgr.PumpAll()
		serverMgr.PumpAll()
		got = append(got, receiveAll(serverStream)...)
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, []string{"over the wire"}, got)

	infos := serverMgr.Streams()
	require.Len(t, infos, 1)
	assert.Equal(t, "ESTABLISHED", infos[0].State)
	assert.NotEmpty(t, infos[0].ID)
}

// TestManagerConnectionLimit verifies the limiter refuses a stream beyond
// the concurrent cap.
func TestManagerConnectionLimit(t *testing.T) {
	serverMgr := newTestManager(t, &ManagerOptions{
		Limits: &ConnectionLimitsConfig{MaxConcurrentStreams: 1},
	})

	clientA := newTestManager(t, nil)
	clientB := newTestManager(t, nil)

	streamA, err := clientA.Dial(serverMgr.Addr().String(), 1, "0110000100000001")
	require.NoError(t, err)
	streamB, err := clientB.Dial(serverMgr.Addr().String(), 2, "0110000100000002")
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && streamA.State() != StateEstablished {
		clientA.PumpAll()
		clientB.PumpAll()
		serverMgr.PumpAll()
		time.Sleep(5 * time.Millisecond)
	}

	require.Equal(t, StateEstablished, streamA.State())
	assert.NotEqual(t, StateEstablished, streamB.State(), "second stream is refused")
	assert.Len(t, serverMgr.Streams(), 1)
}

// TestManagerAccessList verifies a banned identity never establishes.
func TestManagerAccessList(t *testing.T) {
	serverMgr := newTestManager(t, &ManagerOptions{
		AccessList: &AccessListConfig{
			Mode:    AccessListModeBlacklist,
			PeerIDs: []string{"0110000100000bad"},
		},
	})
	clientMgr := newTestManager(t, nil)

	stream, err := clientMgr.Dial(serverMgr.Addr().String(), 1, "0110000100000bad")
	require.NoError(t, err)

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		clientMgr.PumpAll()
		serverMgr.PumpAll()
		time.Sleep(5 * time.Millisecond)
	}
	assert.NotEqual(t, StateEstablished, stream.State())

	// With the client no longer resending, settle and verify the rejected
	// stream was reaped.
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 3; i++ {
		serverMgr.PumpAll()
		time.Sleep(10 * time.Millisecond)
	}
	assert.Empty(t, serverMgr.Streams(), "rejected stream was reaped")
}

// TestManagerClose verifies Accept unblocks and later dials fail once the
// manager is closed.
func TestManagerClose(t *testing.T) {
	m := newTestManager(t, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Accept()
		errCh <- err
	}()

	require.NoError(t, m.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not unblock on Close")
	}

	_, err := m.Dial("127.0.0.1:1", 1, "x")
	require.Error(t, err)
}
