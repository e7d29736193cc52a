package discovery

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/meshnet-tools/meshagent/identity"
	"github.com/meshnet-tools/meshagent/internal/clock"
	"github.com/stretchr/testify/require"
)

// testPeerSigKey signs every peer Hello built by this file's test
// helpers; its identity is irrelevant to the assertions, only that
// VerifyHello accepts frames signed with a real key.
var testPeerSigKey = mustTestSigKey()

func mustTestSigKey() *btcec.PrivateKey {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		panic(err)
	}
	return priv
}

type fakeDatagram struct {
	data []byte
	from netip.AddrPort
}

type fakeSocket struct {
	inbound chan fakeDatagram

	mu   sync.Mutex
	sent [][]byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan fakeDatagram, 16),
		closed:  make(chan struct{}),
	}
}

func (s *fakeSocket) SendHello(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.sent = append(s.sent, cp)
	return nil
}

func (s *fakeSocket) ReadHello(buf []byte) (int, netip.AddrPort, error) {
	select {
	case dg := <-s.inbound:
		n := copy(buf, dg.data)
		return n, dg.from, nil
	case <-s.closed:
		return 0, netip.AddrPort{}, errClosed
	}
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

var errClosed = fakeClosedError{}

type fakeClosedError struct{}

func (fakeClosedError) Error() string { return "fake socket closed" }

func newTestListener(t *testing.T, sockets map[string]*fakeSocket) (*Listener, *clock.TestClock) {
	t.Helper()
	tc := clock.NewTestClock(time.Unix(0, 0))
	self := identity.Identity{MeshIP: netip.MustParseAddr("fd00::self")}
	l := New(Config{Self: self, SigKey: mustTestSigKey(), WGPort: 51820, HelloInterval: time.Second}, tc)
	l.resolveLinkLocal = func(iface string) (netip.Addr, error) {
		return netip.MustParseAddr("fe80::1"), nil
	}
	l.newSocket = func(iface string, linkLocal netip.Addr, port uint16) (socket, error) {
		sock, ok := sockets[iface]
		require.True(t, ok, "no fake socket registered for %s", iface)
		return sock, nil
	}
	l.Start()
	t.Cleanup(l.Stop)
	return l, tc
}

func recvObservation(t *testing.T, l *Listener) identity.Observation {
	t.Helper()
	select {
	case obs := <-l.Observations():
		return obs
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for observation")
		return identity.Observation{}
	}
}

func TestListenIsIdempotent(t *testing.T) {
	sockets := map[string]*fakeSocket{"wg-mesh0": newFakeSocket()}
	l, _ := newTestListener(t, sockets)
	ctx := context.Background()

	require.NoError(t, l.Listen(ctx, "wg-mesh0"))
	require.NoError(t, l.Listen(ctx, "wg-mesh0"))
}

func TestTickBroadcastsHello(t *testing.T) {
	sock := newFakeSocket()
	l, _ := newTestListener(t, map[string]*fakeSocket{"wg-mesh0": sock})
	ctx := context.Background()

	require.NoError(t, l.Listen(ctx, "wg-mesh0"))
	require.NoError(t, l.Tick(ctx))
	require.Equal(t, 1, sock.sentCount())
}

func TestHelloObservationAndDedup(t *testing.T) {
	sock := newFakeSocket()
	l, _ := newTestListener(t, map[string]*fakeSocket{"wg-mesh0": sock})
	ctx := context.Background()
	require.NoError(t, l.Listen(ctx, "wg-mesh0"))

	peerHello := SignHello(testPeerSigKey, Hello{
		Version:  CurrentVersion,
		MeshIP:   netip.MustParseAddr("fd00::peer"),
		EthAddr:  identity.Address{9},
		WGPubKey: identity.PubKey{9},
		WGPort:   12345,
	})
	data, err := EncodeHello(peerHello)
	require.NoError(t, err)
	from := netip.MustParseAddrPort("[fe80::2%wg-mesh0]:4876")

	sock.inbound <- fakeDatagram{data: data, from: from}
	sock.inbound <- fakeDatagram{data: data, from: from}

	obs := recvObservation(t, l)
	require.Equal(t, peerHello.MeshIP, obs.Identity.MeshIP)
	require.Equal(t, peerHello.WGPort, obs.Peer.WGPort)

	select {
	case second := <-l.Observations():
		t.Fatalf("expected a single deduplicated observation, got a second: %+v", second)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPeerExpiresAfterTimeout(t *testing.T) {
	sock := newFakeSocket()
	l, _ := newTestListener(t, map[string]*fakeSocket{"wg-mesh0": sock})
	ctx := context.Background()
	require.NoError(t, l.Listen(ctx, "wg-mesh0"))

	peerHello := SignHello(testPeerSigKey, Hello{
		Version:  CurrentVersion,
		MeshIP:   netip.MustParseAddr("fd00::peer"),
		EthAddr:  identity.Address{9},
		WGPubKey: identity.PubKey{9},
		WGPort:   12345,
	})
	data, err := EncodeHello(peerHello)
	require.NoError(t, err)
	from := netip.MustParseAddrPort("[fe80::2%wg-mesh0]:4876")

	sock.inbound <- fakeDatagram{data: data, from: from}
	recvObservation(t, l)

	for i := 0; i < peerTimeoutTicks; i++ {
		require.NoError(t, l.Tick(ctx))
	}

	st := l.ifaces["wg-mesh0"]
	require.NotContains(t, st.peers, identity.Identity{
		MeshIP:   peerHello.MeshIP,
		EthAddr:  peerHello.EthAddr,
		WGPubKey: peerHello.WGPubKey,
	})
}

func TestMalformedHelloIsDroppedAndRateLimited(t *testing.T) {
	sock := newFakeSocket()
	l, _ := newTestListener(t, map[string]*fakeSocket{"wg-mesh0": sock})
	ctx := context.Background()
	require.NoError(t, l.Listen(ctx, "wg-mesh0"))

	from := netip.MustParseAddrPort("[fe80::3%wg-mesh0]:4876")
	sock.inbound <- fakeDatagram{data: []byte{CurrentVersion + 1}, from: from}

	// No observation should ever arrive for a malformed frame; Tick
	// round-trips the mailbox so we know the bad datagram was processed.
	require.NoError(t, l.Tick(ctx))
	select {
	case obs := <-l.Observations():
		t.Fatalf("unexpected observation from malformed hello: %+v", obs)
	case <-time.After(100 * time.Millisecond):
	}
	require.Contains(t, l.limiters, from.Addr())
}
