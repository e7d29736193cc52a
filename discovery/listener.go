package discovery

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btclog"
	"github.com/davecgh/go-spew/spew"
	"github.com/meshnet-tools/meshagent/errkind"
	"github.com/meshnet-tools/meshagent/identity"
	"github.com/meshnet-tools/meshagent/internal/clock"
	"github.com/meshnet-tools/meshagent/internal/queue"
	"golang.org/x/time/rate"
)

var log = btclog.Disabled

// UseLogger assigns the subsystem logger used by this package.
func UseLogger(l btclog.Logger) {
	log = l
}

// peerTimeoutTicks is 3 × hello_interval, per spec.md §4.1.
const peerTimeoutTicks = 3

// DefaultHelloInterval is the default interval between broadcast hellos
// (spec.md §4.1).
const DefaultHelloInterval = 5 * time.Second

// DefaultImPort is the well-known mesh-discovery UDP port (spec.md §6).
const DefaultImPort uint16 = 4876

// DefaultPeerRateLimit is spec.md §7's peer_rate_limit.
const DefaultPeerRateLimit = 30 * time.Second

// Config configures a Listener.
type Config struct {
	Self          identity.Identity
	SigKey        *btcec.PrivateKey
	WGPort        uint16
	ImPort        uint16
	HelloInterval time.Duration
	PeerRateLimit time.Duration
}

func (c Config) withDefaults() Config {
	if c.ImPort == 0 {
		c.ImPort = DefaultImPort
	}
	if c.HelloInterval == 0 {
		c.HelloInterval = DefaultHelloInterval
	}
	if c.PeerRateLimit == 0 {
		c.PeerRateLimit = DefaultPeerRateLimit
	}
	return c
}

// trackedPeer is one currently-reachable peer on one interface.
type trackedPeer struct {
	peer         identity.Peer
	lastSeenTick uint64
}

// ifaceState is the per-enrolled-interface bookkeeping PeerListener owns.
type ifaceState struct {
	sock         socket
	linkLocal    netip.Addr
	peers        map[identity.Identity]*trackedPeer
	seenThisTick map[identity.Identity]bool
	tick         uint64
}

// Listener is the PeerListener actor (spec.md §4.1). All enrollment and
// tick processing is serialized through its mailbox; readLoop
// goroutines (one per enrolled interface) only ever push into that
// mailbox, never touch shared state directly.
type Listener struct {
	cfg   Config
	clock clock.Clock

	newSocket        func(iface string, linkLocal netip.Addr, port uint16) (socket, error)
	resolveLinkLocal func(iface string) (netip.Addr, error)

	mailbox *queue.ConcurrentQueue
	quit    chan struct{}

	out    chan identity.Observation
	outbox []identity.Observation

	ifaces     map[string]*ifaceState
	limiters   map[netip.Addr]*rate.Limiter
	enrollment map[string]Enrollment
}

// New constructs a Listener. Call Start before Listen/UnListen/Tick.
func New(cfg Config, clk clock.Clock) *Listener {
	cfg = cfg.withDefaults()
	return &Listener{
		cfg:              cfg,
		clock:            clk,
		newSocket:        defaultNewSocket,
		resolveLinkLocal: linkLocalAddr,
		mailbox:          queue.NewConcurrentQueue(64),
		quit:             make(chan struct{}),
		out:              make(chan identity.Observation, 256),
		ifaces:           make(map[string]*ifaceState),
		limiters:         make(map[netip.Addr]*rate.Limiter),
		enrollment:       make(map[string]Enrollment),
	}
}

func defaultNewSocket(iface string, linkLocal netip.Addr, port uint16) (socket, error) {
	return newUDPSocket(iface, linkLocal, port)
}

// Observations delivers one event per distinct peer seen, deduplicated
// within a tick (spec.md §4.1). TunnelManager is the sole consumer.
func (l *Listener) Observations() <-chan identity.Observation {
	return l.out
}

// Start launches the actor's run loop.
func (l *Listener) Start() {
	l.mailbox.Start()
	go l.run()
}

// Stop halts the actor and closes every enrolled socket.
func (l *Listener) Stop() {
	close(l.quit)
	l.mailbox.Stop()
}

type listenReq struct {
	iface string
	resp  chan error
}

type unlistenReq struct {
	iface string
	resp  chan struct{}
}

type tickReq struct {
	resp chan struct{}
}

type helloReceived struct {
	iface string
	from  netip.AddrPort
	data  []byte
}

// Listen enrolls iface. Idempotent; fails with a Transient error if the
// interface has no usable link-local address yet (spec.md §4.1 — the
// caller is expected to retry).
func (l *Listener) Listen(ctx context.Context, iface string) error {
	req := listenReq{iface: iface, resp: make(chan error, 1)}
	l.mailbox.Push(req)
	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.quit:
		return fmt.Errorf("discovery: listener stopped")
	}
}

// UnListen removes iface's enrollment, closes its socket, and drops
// cached observations for it.
func (l *Listener) UnListen(ctx context.Context, iface string) error {
	req := unlistenReq{iface: iface, resp: make(chan struct{}, 1)}
	l.mailbox.Push(req)
	select {
	case <-req.resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.quit:
		return fmt.Errorf("discovery: listener stopped")
	}
}

// Tick performs one send-and-drain cycle across every enrolled
// interface: broadcast a hello, then expire peers absent for
// peer_timeout (spec.md §4.1).
func (l *Listener) Tick(ctx context.Context) error {
	req := tickReq{resp: make(chan struct{}, 1)}
	l.mailbox.Push(req)
	select {
	case <-req.resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.quit:
		return fmt.Errorf("discovery: listener stopped")
	}
}

func (l *Listener) run() {
	defer func() {
		for _, st := range l.ifaces {
			st.sock.Close()
		}
	}()
	for {
		if len(l.outbox) > 0 {
			select {
			case l.out <- l.outbox[0]:
				l.outbox = l.outbox[1:]
				continue
			case msg := <-l.mailbox.ChanOut():
				l.handle(msg)
				continue
			case <-l.quit:
				return
			}
		}
		select {
		case msg := <-l.mailbox.ChanOut():
			l.handle(msg)
		case <-l.quit:
			return
		}
	}
}

func (l *Listener) handle(msg interface{}) {
	switch req := msg.(type) {
	case listenReq:
		req.resp <- l.handleListen(req.iface)
	case unlistenReq:
		l.handleUnlisten(req.iface)
		req.resp <- struct{}{}
	case tickReq:
		l.handleTick()
		req.resp <- struct{}{}
	case helloReceived:
		l.handleHello(req.iface, req.from, req.data)
	case requestListenMsg:
		l.handleRequestListen(req.iface)
	case requestUnlistenMsg:
		l.handleRequestUnlisten(req.iface)
	case enrollmentStatusReq:
		req.resp <- l.enrollment[req.iface]
	default:
		log.Errorf("discovery: unknown mailbox message %T", msg)
	}
}

func (l *Listener) handleListen(iface string) error {
	if _, ok := l.ifaces[iface]; ok {
		return nil
	}
	linkLocal, err := l.resolveLinkLocal(iface)
	if err != nil {
		return errkind.New(errkind.Transient, "discovery.Listen", err)
	}
	sock, err := l.newSocket(iface, linkLocal, l.cfg.ImPort)
	if err != nil {
		return errkind.New(errkind.Transient, "discovery.Listen", err)
	}

	st := &ifaceState{
		sock:         sock,
		linkLocal:    linkLocal,
		peers:        make(map[identity.Identity]*trackedPeer),
		seenThisTick: make(map[identity.Identity]bool),
	}
	l.ifaces[iface] = st
	go l.readLoop(iface, sock)
	return nil
}

func (l *Listener) readLoop(iface string, sock socket) {
	buf := make([]byte, MaxFrameLen)
	for {
		n, from, err := sock.ReadHello(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		l.mailbox.Push(helloReceived{iface: iface, from: from, data: data})
	}
}

func (l *Listener) handleUnlisten(iface string) {
	st, ok := l.ifaces[iface]
	if !ok {
		return
	}
	st.sock.Close()
	delete(l.ifaces, iface)
}

func (l *Listener) handleTick() {
	self := Hello{
		Version:  CurrentVersion,
		MeshIP:   l.cfg.Self.MeshIP,
		EthAddr:  l.cfg.Self.EthAddr,
		WGPubKey: l.cfg.Self.WGPubKey,
		WGPort:   l.cfg.WGPort,
	}
	self = SignHello(l.cfg.SigKey, self)
	data, err := EncodeHello(self)
	if err != nil {
		log.Errorf("discovery: encode hello: %v", err)
		return
	}

	for iface, st := range l.ifaces {
		if err := st.sock.SendHello(data); err != nil {
			log.Warnf("discovery: send hello on %s: %v", iface, err)
		}

		st.tick++
		for id, tp := range st.peers {
			if st.tick-tp.lastSeenTick >= peerTimeoutTicks {
				delete(st.peers, id)
			}
		}
		st.seenThisTick = make(map[identity.Identity]bool)
	}
}

func (l *Listener) handleHello(iface string, from netip.AddrPort, data []byte) {
	st, ok := l.ifaces[iface]
	if !ok {
		// UnListen raced with an in-flight datagram; drop it.
		return
	}

	if l.penalized(from.Addr()) {
		return
	}

	hello, err := DecodeHello(data)
	if err != nil {
		l.penalize(from.Addr())
		log.Warnf("discovery: dropping malformed hello from %s on %s: %v", from, iface, err)
		return
	}
	if err := VerifyHello(hello); err != nil {
		l.penalize(from.Addr())
		log.Warnf("discovery: dropping unverifiable hello from %s on %s: %v", from, iface, err)
		return
	}
	if err := hello.WGPubKey.Validate(); err != nil {
		l.penalize(from.Addr())
		log.Warnf("discovery: dropping hello with invalid tunnel key from %s on %s: %v", from, iface, err)
		return
	}
	log.Tracef("discovery: accepted hello from %s on %s: %s", from, iface, newLogClosure(func() string {
		return spew.Sdump(hello)
	}))

	id := identity.Identity{MeshIP: hello.MeshIP, EthAddr: hello.EthAddr, WGPubKey: hello.WGPubKey}
	if id.Equal(l.cfg.Self) {
		// Our own broadcast, looped back by the multicast group.
		return
	}

	peer := identity.Peer{
		LinkLocalAddr: from.Addr(),
		WGPort:        hello.WGPort,
		Iface:         iface,
		ObservedAt:    l.clock.Now(),
	}
	st.peers[id] = &trackedPeer{peer: peer, lastSeenTick: st.tick}

	if st.seenThisTick[id] {
		return
	}
	st.seenThisTick[id] = true
	l.outbox = append(l.outbox, identity.Observation{Identity: id, Peer: peer})
}

// penalized reports whether addr is currently inside an enforced
// peer_rate_limit cooldown window (spec.md §7).
func (l *Listener) penalized(addr netip.Addr) bool {
	lim, ok := l.limiters[addr]
	if !ok {
		return false
	}
	if lim.Allow() {
		// The cooldown has elapsed; forget the penalty so later frames
		// from addr are not throttled.
		delete(l.limiters, addr)
		return false
	}
	return true
}

// penalize starts (or restarts) addr's rate-limit cooldown after a
// peer-caused error (spec.md §7: "offending peer is rate-limited for
// peer_rate_limit = 30 s").
func (l *Listener) penalize(addr netip.Addr) {
	lim, ok := l.limiters[addr]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.cfg.PeerRateLimit), 1)
		l.limiters[addr] = lim
	}
	lim.Allow()
}

// logClosure defers a formatting cost until the log record is actually
// printed, so spew.Sdump never runs when trace logging is disabled.
type logClosure func() string

func (c logClosure) String() string { return c() }

func newLogClosure(c func() string) logClosure { return c }
