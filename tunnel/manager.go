package tunnel

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/meshnet-tools/meshagent/errkind"
	"github.com/meshnet-tools/meshagent/identity"
	"github.com/meshnet-tools/meshagent/internal/clock"
	"github.com/meshnet-tools/meshagent/internal/queue"
	"github.com/meshnet-tools/meshagent/kernel"
	"golang.org/x/sync/singleflight"
)

var log = btclog.Disabled

// UseLogger assigns the subsystem logger used by this package.
func UseLogger(l btclog.Logger) {
	log = l
}

const (
	// DefaultMaxTunnels bounds the interface-name pool.
	DefaultMaxTunnels = 32
	// DefaultIfacePrefix names allocated interfaces "wg0", "wg1", ...
	DefaultIfacePrefix = "wg"
	// DefaultInstallTimeout bounds a single kernel command invocation
	// during install/close.
	DefaultInstallTimeout = 5 * time.Second
	// MinBackoff and MaxBackoff bound the exponential backoff applied to
	// an identity after a failed install (spec.md §4.2).
	MinBackoff = 30 * time.Second
	MaxBackoff = 10 * time.Minute
	// PostInstallListenDelay absorbs link-layer settling before a freshly
	// installed tunnel interface is handed to PeerListener (spec.md §5,
	// §8 scenario S6).
	PostInstallListenDelay = 60 * time.Second
)

// Config configures a Manager.
type Config struct {
	WGPortLo, WGPortHi uint16
	MaxTunnels         int
	IfacePrefix        string
	InstallTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxTunnels == 0 {
		c.MaxTunnels = DefaultMaxTunnels
	}
	if c.IfacePrefix == "" {
		c.IfacePrefix = DefaultIfacePrefix
	}
	if c.InstallTimeout == 0 {
		c.InstallTimeout = DefaultInstallTimeout
	}
	return c
}

// Event is published to Counter as tunnels come up and go down (spec.md §4.2 step 4, "Close").
type Event interface {
	isEvent()
}

// Installed is emitted once a tunnel transitions Pending → Active.
type Installed struct {
	Tunnel identity.Tunnel
}

func (Installed) isEvent() {}

// Closed is emitted when a tunnel is torn down. Tunnel still carries its
// last-known Iface so the receiver (Counter) can take one final sample
// before the interface actually disappears (spec.md §4.2 "Close").
type Closed struct {
	Tunnel identity.Tunnel
}

func (Closed) isEvent() {}

// Manager is the TunnelManager actor (spec.md §4.2). All mutating
// operations are serialized through its mailbox.
type Manager struct {
	cfg    Config
	clock  clock.Clock
	runner kernel.Runner
	nat    NATMapper

	ports  *PortPool
	ifaces *IfacePool

	tunnels      map[identity.Identity]*identity.Tunnel
	nextVersion  map[identity.Identity]uint64
	failures     map[identity.Identity]int
	blockedUntil map[identity.Identity]time.Time
	natTeardown  map[identity.Identity]func()

	// debtClosed marks an identity closed due to debt (spec.md §4.5's
	// "closed due to debt" state): handlePeerObserved refuses to
	// reinstall until AllowReopen clears the entry, independent of the
	// install-failure backoff in blockedUntil.
	debtClosed map[identity.Identity]bool

	mailbox *queue.ConcurrentQueue
	quit    chan struct{}

	events       chan Event
	eventsOutbox []Event

	ready       chan string
	readyOutbox []string

	sf singleflight.Group
}

// New constructs a Manager. Call Start before issuing any operation.
func New(cfg Config, clk clock.Clock, runner kernel.Runner, nat NATMapper) (*Manager, error) {
	cfg = cfg.withDefaults()
	ports, err := NewPortPool(cfg.WGPortLo, cfg.WGPortHi)
	if err != nil {
		return nil, errkind.New(errkind.Configuration, "tunnel.New", err)
	}

	return &Manager{
		cfg:          cfg,
		clock:        clk,
		runner:       runner,
		nat:          nat,
		ports:        ports,
		ifaces:       NewIfacePool(cfg.IfacePrefix, cfg.MaxTunnels),
		tunnels:      make(map[identity.Identity]*identity.Tunnel),
		nextVersion:  make(map[identity.Identity]uint64),
		failures:     make(map[identity.Identity]int),
		blockedUntil: make(map[identity.Identity]time.Time),
		natTeardown:  make(map[identity.Identity]func()),
		debtClosed:   make(map[identity.Identity]bool),
		mailbox:      queue.NewConcurrentQueue(64),
		quit:         make(chan struct{}),
		events:       make(chan Event, 64),
		ready:        make(chan string, 16),
	}, nil
}

// Start launches the actor's run loop.
func (m *Manager) Start() {
	m.mailbox.Start()
	go m.run()
}

// Stop halts the actor. Installed tunnels are left as-is; the host
// process is expected to be exiting.
func (m *Manager) Stop() {
	close(m.quit)
	m.mailbox.Stop()
}

// Events delivers Installed/Closed notifications to Counter.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// ReadyForListen delivers an interface name once its post-install delay
// has elapsed (spec.md §8 scenario S6); the caller (main.go) is expected
// to forward it to PeerListener.Listen.
func (m *Manager) ReadyForListen() <-chan string {
	return m.ready
}

type peerObservedReq struct {
	obs  identity.Observation
	resp chan error
}

type closeReq struct {
	identity identity.Identity
	resp     chan error
}

type snapshotReq struct {
	resp chan []identity.Tunnel
}

type readyForListenMsg struct {
	iface string
}

// PeerObserved drives the handshake of spec.md §4.2. Concurrent calls for
// the same Identity are coalesced via singleflight so a burst of
// duplicate sightings (e.g. the same peer seen on two links at once)
// produces at most one mailbox round-trip.
func (m *Manager) PeerObserved(ctx context.Context, obs identity.Observation) error {
	_, err, _ := m.sf.Do(obs.Identity.String(), func() (interface{}, error) {
		req := peerObservedReq{obs: obs, resp: make(chan error, 1)}
		m.mailbox.Push(req)
		select {
		case err := <-req.resp:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.quit:
			return nil, fmt.Errorf("tunnel: manager stopped")
		}
	})
	return err
}

// Close tears down the tunnel for identity due to debt, if any, and
// marks identity blocked from reinstall until AllowReopen is called
// (spec.md §4.5's CloseTunnel action, §8 property 5's hysteresis).
// Idempotent.
func (m *Manager) Close(ctx context.Context, id identity.Identity) error {
	req := closeReq{identity: id, resp: make(chan error, 1)}
	m.mailbox.Push(req)
	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.quit:
		return fmt.Errorf("tunnel: manager stopped")
	}
}

type allowReopenReq struct {
	identity identity.Identity
	resp     chan struct{}
}

// AllowReopen clears identity's debt-closed state so the next
// PeerObserved re-handshakes (spec.md §8 scenario S5: "TunnelManager
// re-handshakes on next PeerObserved").
func (m *Manager) AllowReopen(ctx context.Context, id identity.Identity) error {
	req := allowReopenReq{identity: id, resp: make(chan struct{}, 1)}
	m.mailbox.Push(req)
	select {
	case <-req.resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.quit:
		return fmt.Errorf("tunnel: manager stopped")
	}
}

// GetTunnels returns a snapshot of every tunnel, sorted in Identity's
// canonical order.
func (m *Manager) GetTunnels(ctx context.Context) ([]identity.Tunnel, error) {
	req := snapshotReq{resp: make(chan []identity.Tunnel, 1)}
	m.mailbox.Push(req)
	select {
	case resp := <-req.resp:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.quit:
		return nil, fmt.Errorf("tunnel: manager stopped")
	}
}

func (m *Manager) run() {
	for {
		if len(m.eventsOutbox) > 0 {
			select {
			case m.events <- m.eventsOutbox[0]:
				m.eventsOutbox = m.eventsOutbox[1:]
				continue
			case msg := <-m.mailbox.ChanOut():
				m.handle(msg)
				continue
			case <-m.quit:
				return
			}
		}
		if len(m.readyOutbox) > 0 {
			select {
			case m.ready <- m.readyOutbox[0]:
				m.readyOutbox = m.readyOutbox[1:]
				continue
			case msg := <-m.mailbox.ChanOut():
				m.handle(msg)
				continue
			case <-m.quit:
				return
			}
		}
		select {
		case msg := <-m.mailbox.ChanOut():
			m.handle(msg)
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) handle(msg interface{}) {
	switch req := msg.(type) {
	case peerObservedReq:
		req.resp <- m.handlePeerObserved(req.obs)
	case closeReq:
		req.resp <- m.handleClose(req.identity)
	case allowReopenReq:
		delete(m.debtClosed, req.identity)
		req.resp <- struct{}{}
	case snapshotReq:
		req.resp <- m.snapshot()
	case readyForListenMsg:
		m.readyOutbox = append(m.readyOutbox, req.iface)
	default:
		log.Errorf("tunnel: unknown mailbox message %T", msg)
	}
}

// handlePeerObserved implements spec.md §4.2's handshake steps 1-4.
// PeerObserved already carries the peer's full Identity (PeerListener's
// Hello frame includes it — see identity.Observation), so step 2's "two
// message hello exchange" collapses to the mesh-IP collision check
// below; no further round trip is needed to learn the remote Identity.
func (m *Manager) handlePeerObserved(obs identity.Observation) error {
	id := obs.Identity
	now := m.clock.Now()

	if m.debtClosed[id] {
		return nil
	}

	if until, blocked := m.blockedUntil[id]; blocked && now.Before(until) {
		return nil
	}

	endpoint := netip.AddrPortFrom(obs.Peer.LinkLocalAddr, obs.Peer.WGPort)

	if existing, ok := m.tunnels[id]; ok {
		if existing.EndpointMatches(endpoint, id.WGPubKey) {
			return nil
		}
		// Supersession: close the stale tunnel before installing the
		// fresh one. Debts persist across the close (they live in
		// DebtKeeper, keyed by Identity, untouched here).
		m.closeTunnel(existing, id)
	}

	for other, t := range m.tunnels {
		if other != id && t.Remote.MeshIP == id.MeshIP {
			return errkind.New(errkind.PeerCaused, "tunnel.PeerObserved",
				fmt.Errorf("mesh IP %s already claimed by a different identity", id.MeshIP))
		}
	}

	return m.install(id, obs, endpoint)
}

func (m *Manager) install(id identity.Identity, obs identity.Observation, endpoint netip.AddrPort) error {
	port, ok := m.ports.Allocate()
	if !ok {
		return errkind.New(errkind.Configuration, "tunnel.install", fmt.Errorf("port pool exhausted"))
	}
	iface, ok := m.ifaces.Allocate()
	if !ok {
		m.ports.Release(port)
		return errkind.New(errkind.Configuration, "tunnel.install", fmt.Errorf("interface name pool exhausted"))
	}

	_, teardownNAT, natErr := m.nat.Map(port)
	if natErr != nil {
		log.Debugf("tunnel: NAT mapping unavailable for %s: %v", iface, natErr)
		teardownNAT = func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.InstallTimeout)
	defer cancel()

	cmds := []kernel.Command{
		{Program: "ip", Args: []string{"link", "add", iface, "type", "wireguard"}},
		{Program: "wg", Args: []string{
			"set", iface,
			"listen-port", strconv.Itoa(int(port)),
			"peer", id.WGPubKey.String(),
			"endpoint", endpoint.String(),
			"allowed-ips", id.MeshIP.String() + "/128",
		}},
		{Program: "ip", Args: []string{"addr", "add", id.MeshIP.String() + "/128", "dev", iface}},
		{Program: "ip", Args: []string{"link", "set", iface, "up"}},
	}

	for _, cmd := range cmds {
		if _, err := m.runCommand(ctx, cmd); err != nil {
			m.unwindPartialInstall(ctx, iface)
			teardownNAT()
			m.ports.Release(port)
			m.ifaces.Release(iface)
			m.recordFailure(id)
			return errkind.New(errkind.Transient, "tunnel.install", err)
		}
	}

	m.failures[id] = 0
	delete(m.blockedUntil, id)
	m.natTeardown[id] = teardownNAT

	version := m.nextVersion[id] + 1
	m.nextVersion[id] = version

	t := &identity.Tunnel{
		Remote:         id,
		Iface:          iface,
		LocalPort:      port,
		RemoteEndpoint: endpoint,
		RemotePubKey:   id.WGPubKey,
		ListenIface:    obs.Peer.Iface,
		CreatedAt:      m.clock.Now(),
		State:          identity.TunnelActive,
		Healthy:        true,
		Version:        version,
	}
	m.tunnels[id] = t

	m.eventsOutbox = append(m.eventsOutbox, Installed{Tunnel: *t})
	m.scheduleListenEnroll(iface)
	return nil
}

// unwindPartialInstall removes whatever kernel state an aborted install
// may have created. ip link del on a name that was never created is
// harmless; it is the unwind step spec.md §4.2 requires ("partially
// allocated pool entries are returned").
func (m *Manager) unwindPartialInstall(ctx context.Context, iface string) {
	if _, err := m.runCommand(ctx, kernel.Command{Program: "ip", Args: []string{"link", "del", iface}}); err != nil {
		log.Debugf("tunnel: unwind %s: %v", iface, err)
	}
}

func (m *Manager) recordFailure(id identity.Identity) {
	m.failures[id]++
	m.blockedUntil[id] = m.clock.Now().Add(backoffDuration(m.failures[id]))
}

// backoffDuration is min(30s × 2^failures, 10min), per spec.md §4.2.
func backoffDuration(failures int) time.Duration {
	if failures <= 0 {
		return MinBackoff
	}
	if failures > 10 {
		return MaxBackoff
	}
	d := MinBackoff * time.Duration(uint64(1)<<uint(failures))
	if d > MaxBackoff || d <= 0 {
		return MaxBackoff
	}
	return d
}

func (m *Manager) handleClose(id identity.Identity) error {
	m.debtClosed[id] = true
	t, ok := m.tunnels[id]
	if !ok {
		return nil
	}
	m.closeTunnel(t, id)
	return nil
}

// closeTunnel is the shared teardown path used by both an explicit Close
// and a supersession (spec.md §4.2 "Close"/"Supersession"). Byte counters
// are read one final time by Counter against the Closed event's Tunnel,
// which still names the about-to-be-removed Iface.
func (m *Manager) closeTunnel(t *identity.Tunnel, id identity.Identity) {
	closedSnapshot := *t
	closedSnapshot.State = identity.TunnelClosed
	m.eventsOutbox = append(m.eventsOutbox, Closed{Tunnel: closedSnapshot})

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.InstallTimeout)
	defer cancel()
	if _, err := m.runCommand(ctx, kernel.Command{Program: "ip", Args: []string{"link", "del", t.Iface}}); err != nil {
		log.Warnf("tunnel: tearing down %s: %v", t.Iface, err)
	}

	if teardown, ok := m.natTeardown[id]; ok {
		teardown()
		delete(m.natTeardown, id)
	}

	m.ports.Release(t.LocalPort)
	m.ifaces.Release(t.Iface)
	delete(m.tunnels, id)
}

func (m *Manager) scheduleListenEnroll(iface string) {
	go func() {
		select {
		case <-m.clock.TickAfter(PostInstallListenDelay):
			m.mailbox.Push(readyForListenMsg{iface: iface})
		case <-m.quit:
		}
	}()
}

func (m *Manager) snapshot() []identity.Tunnel {
	out := make([]identity.Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Remote.Less(out[j].Remote)
	})
	return out
}

func (m *Manager) runCommand(ctx context.Context, cmd kernel.Command) (kernel.Result, error) {
	start := m.clock.Now()
	res, err := m.runner.Run(ctx, cmd)
	elapsed := m.clock.Now().Sub(start)
	switch {
	case elapsed >= kernel.ErrorThreshold:
		log.Errorf("tunnel: %s %v took %s", cmd.Program, cmd.Args, elapsed)
	case elapsed >= kernel.WarnThreshold:
		log.Warnf("tunnel: %s %v took %s", cmd.Program, cmd.Args, elapsed)
	}
	return res, err
}
