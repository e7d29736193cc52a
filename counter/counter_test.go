package counter

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/meshnet-tools/meshagent/identity"
	"github.com/meshnet-tools/meshagent/internal/ticker"
	"github.com/meshnet-tools/meshagent/kernel"
	"github.com/meshnet-tools/meshagent/tunnel"
	"github.com/stretchr/testify/require"
)

func testIdentity(host string) identity.Identity {
	return identity.Identity{
		MeshIP:   netip.MustParseAddr(host),
		EthAddr:  identity.Address{1},
		WGPubKey: identity.PubKey{2},
	}
}

func testTunnel(host string, iface string, version uint64) identity.Tunnel {
	id := testIdentity(host)
	return identity.Tunnel{
		Remote:       id,
		Iface:        iface,
		RemotePubKey: id.WGPubKey,
		State:        identity.TunnelActive,
		Version:      version,
	}
}

func newTestCounter(t *testing.T) (*Counter, *kernel.MockRunner, *ticker.Force) {
	t.Helper()
	runner := kernel.NewMockRunner()
	tk := ticker.NewForce()
	c := New(runner, tk)
	c.Start()
	t.Cleanup(c.Stop)
	return c, runner, tk
}

func recvSample(t *testing.T, c *Counter) Sample {
	t.Helper()
	select {
	case s := <-c.Samples():
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sample")
		return Sample{}
	}
}

func transferLine(pubKey string, rx, tx uint64) string {
	return fmt.Sprintf("%s\t%d\t%d\n", pubKey, rx, tx)
}

func TestFirstTickEstablishesBaselineWithZeroDelta(t *testing.T) {
	c, runner, tk := newTestCounter(t)
	tun := testTunnel("fd00::a", "wg0", 1)
	c.mailbox.Push(tunnel.Installed{Tunnel: tun})

	runner.SetResult("wg", kernel.Result{Stdout: transferLine(tun.RemotePubKey.String(), 1000, 2000)})
	tk.Tick(time.Unix(0, 0))

	s := recvSample(t, c)
	require.Equal(t, tun.Remote, s.Identity)
	require.Equal(t, uint64(0), s.DeltaIngress)
	require.Equal(t, uint64(0), s.DeltaEgress)
	require.False(t, s.Final)
}

func TestSecondTickYieldsPositiveDelta(t *testing.T) {
	c, runner, tk := newTestCounter(t)
	tun := testTunnel("fd00::a", "wg0", 1)
	c.mailbox.Push(tunnel.Installed{Tunnel: tun})

	runner.SetResult("wg", kernel.Result{Stdout: transferLine(tun.RemotePubKey.String(), 1000, 2000)})
	tk.Tick(time.Unix(0, 0))
	recvSample(t, c)

	runner.SetResult("wg", kernel.Result{Stdout: transferLine(tun.RemotePubKey.String(), 1500, 2100)})
	tk.Tick(time.Unix(0, 0))
	s := recvSample(t, c)

	require.Equal(t, uint64(500), s.DeltaIngress)
	require.Equal(t, uint64(100), s.DeltaEgress)
}

func TestCounterResetYieldsZeroDeltaAndRebasesline(t *testing.T) {
	c, runner, tk := newTestCounter(t)
	tun := testTunnel("fd00::a", "wg0", 1)
	c.mailbox.Push(tunnel.Installed{Tunnel: tun})

	runner.SetResult("wg", kernel.Result{Stdout: transferLine(tun.RemotePubKey.String(), 5000, 5000)})
	tk.Tick(time.Unix(0, 0))
	recvSample(t, c)

	// Interface flapped; the counter restarted from zero.
	runner.SetResult("wg", kernel.Result{Stdout: transferLine(tun.RemotePubKey.String(), 100, 50)})
	tk.Tick(time.Unix(0, 0))
	s := recvSample(t, c)
	require.Equal(t, uint64(0), s.DeltaIngress)
	require.Equal(t, uint64(0), s.DeltaEgress)

	// Next tick deltas against the rebased (100, 50) baseline.
	runner.SetResult("wg", kernel.Result{Stdout: transferLine(tun.RemotePubKey.String(), 130, 80)})
	tk.Tick(time.Unix(0, 0))
	s = recvSample(t, c)
	require.Equal(t, uint64(30), s.DeltaIngress)
	require.Equal(t, uint64(30), s.DeltaEgress)
}

func TestCloseEmitsFinalSampleAndStopsFurtherSampling(t *testing.T) {
	c, runner, tk := newTestCounter(t)
	tun := testTunnel("fd00::a", "wg0", 1)
	c.mailbox.Push(tunnel.Installed{Tunnel: tun})

	runner.SetResult("wg", kernel.Result{Stdout: transferLine(tun.RemotePubKey.String(), 1000, 2000)})
	tk.Tick(time.Unix(0, 0))
	recvSample(t, c)

	runner.SetResult("wg", kernel.Result{Stdout: transferLine(tun.RemotePubKey.String(), 1200, 2050)})
	c.mailbox.Push(tunnel.Closed{Tunnel: func() identity.Tunnel {
		closed := tun
		closed.State = identity.TunnelClosed
		return closed
	}()})

	s := recvSample(t, c)
	require.True(t, s.Final)
	require.Equal(t, uint64(200), s.DeltaIngress)
	require.Equal(t, uint64(50), s.DeltaEgress)

	// No further ticks should produce samples for this identity.
	tk.Tick(time.Unix(0, 0))
	select {
	case s := <-c.Samples():
		t.Fatalf("unexpected sample after close: %+v", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStaleCloseForSupersededVersionIsIgnored(t *testing.T) {
	c, runner, tk := newTestCounter(t)
	first := testTunnel("fd00::a", "wg0", 1)
	c.mailbox.Push(tunnel.Installed{Tunnel: first})

	second := testTunnel("fd00::a", "wg1", 2)
	c.mailbox.Push(tunnel.Installed{Tunnel: second})

	// A stale Closed event for the superseded version-1 tunnel must not
	// disturb the now-active version-2 tunnel's baseline.
	c.mailbox.Push(tunnel.Closed{Tunnel: func() identity.Tunnel {
		closed := first
		closed.State = identity.TunnelClosed
		return closed
	}()})

	runner.SetResult("wg", kernel.Result{Stdout: transferLine(second.RemotePubKey.String(), 10, 20)})
	tk.Tick(time.Unix(0, 0))

	s := recvSample(t, c)
	require.Equal(t, uint64(2), s.Version)
	require.False(t, s.Final)
}
