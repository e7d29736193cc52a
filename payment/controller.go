// Package payment implements PaymentController (spec.md §4.6): dispatches
// outbound MakePayment actions to an external chain RPC collaborator and
// verifies inbound payment notifications before crediting DebtKeeper.
// Per-identity serialization and coalescing of queued amounts is
// grounded on htlcswitch/switch.go's pendingPayments map (a payment ID
// keyed to a preimage/err channel pair awaiting async resolution) and on
// original_source/rita/src/client.rs's overall payment-dispatch
// lifecycle.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/meshnet-tools/meshagent/debt"
	"github.com/meshnet-tools/meshagent/errkind"
	"github.com/meshnet-tools/meshagent/identity"
	"github.com/meshnet-tools/meshagent/internal/clock"
	"github.com/meshnet-tools/meshagent/internal/queue"
)

var log = btclog.Disabled

// UseLogger assigns the subsystem logger used by this package.
func UseLogger(l btclog.Logger) {
	log = l
}

// DefaultConfirmationsRequired is spec.md §4.6's C.
const DefaultConfirmationsRequired = 6

// DefaultPaymentTimeout is spec.md §4.6's payment_timeout.
const DefaultPaymentTimeout = 10 * time.Minute

// PollInterval is how often an in-flight outbound payment's confirmation
// count is re-checked.
const PollInterval = 10 * time.Second

// ChainRPC is the external blockchain RPC collaborator spec.md §1 names
// as an out-of-scope external collaborator ("cryptocurrency consensus ...
// delegated to an external full-node RPC"), specified here only at its
// interface.
type ChainRPC interface {
	// SendTransaction submits a payment of amount to recipient and
	// returns its transaction hash.
	SendTransaction(ctx context.Context, recipient identity.Address, amount identity.Uint256) (txHash [32]byte, err error)

	// GetConfirmations returns how many confirmations txHash currently
	// has. A transaction unknown to the node returns 0, nil (not an
	// error) — "not yet confirmed" and "not yet seen" are
	// indistinguishable from outside the node and spec.md §4.6 treats
	// both as "awaiting confirmation".
	GetConfirmations(ctx context.Context, txHash [32]byte) (uint64, error)

	// VerifyIncoming reports whether txHash is a real, sufficiently
	// confirmed transaction paying amount to us. Implementations must
	// check the recipient address themselves; this node's own address
	// is not threaded through the interface since the RPC boundary
	// already knows which wallet it serves.
	VerifyIncoming(ctx context.Context, txHash [32]byte, amount identity.Uint256) (bool, error)
}

// DebtNotifier is the DebtKeeper facade PaymentController reports
// outcomes to.
type DebtNotifier interface {
	PaymentSent(ctx context.Context, id identity.Identity, amount identity.Uint256, outcome debt.PaymentOutcome) (debt.Action, error)
	PaymentReceived(ctx context.Context, id identity.Identity, amount identity.Uint256) (debt.Action, error)
}

// AddressBook resolves an Identity to the blockchain address a payment
// should be sent to. Identity.EthAddr already carries this, but the
// indirection keeps PaymentController from assuming any one chain's
// address format.
type AddressBook interface {
	AddressFor(id identity.Identity) identity.Address
}

// identityAddressBook is the default AddressBook: Identity.EthAddr
// directly (spec.md §3 defines Identity as carrying the payment
// address).
type identityAddressBook struct{}

func (identityAddressBook) AddressFor(id identity.Identity) identity.Address {
	return id.EthAddr
}

// Config configures a Controller.
type Config struct {
	ConfirmationsRequired uint64
	PaymentTimeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConfirmationsRequired == 0 {
		c.ConfirmationsRequired = DefaultConfirmationsRequired
	}
	if c.PaymentTimeout == 0 {
		c.PaymentTimeout = DefaultPaymentTimeout
	}
	return c
}

// inFlight is one outbound payment currently being submitted/confirmed.
type inFlight struct {
	amount identity.Uint256
}

// Controller is the PaymentController actor.
type Controller struct {
	cfg     Config
	clock   clock.Clock
	rpc     ChainRPC
	keeper  DebtNotifier
	book    AddressBook

	mailbox *queue.ConcurrentQueue
	quit    chan struct{}

	inFlight map[identity.Identity]*inFlight
	queued   map[identity.Identity]identity.Uint256
	seenTx   map[[32]byte]bool

	actions   chan debt.Action
	actionOut []debt.Action
}

// New constructs a Controller. Call Start before MakePayment/NotifyInbound.
func New(cfg Config, clk clock.Clock, rpc ChainRPC, keeper DebtNotifier) *Controller {
	return &Controller{
		cfg:      cfg.withDefaults(),
		clock:    clk,
		rpc:      rpc,
		keeper:   keeper,
		book:     identityAddressBook{},
		mailbox:  queue.NewConcurrentQueue(64),
		quit:     make(chan struct{}),
		inFlight: make(map[identity.Identity]*inFlight),
		queued:   make(map[identity.Identity]identity.Uint256),
		seenTx:   make(map[[32]byte]bool),
		actions:  make(chan debt.Action, 16),
	}
}

// Actions delivers the non-nil debt.Action DebtKeeper hands back after
// PaymentSent/PaymentReceived — a CloseTunnel or OpenTunnel crossing the
// orchestrator forwards to TunnelManager (spec.md §4.5).
func (c *Controller) Actions() <-chan debt.Action {
	return c.actions
}

// Start launches the actor's run loop.
func (c *Controller) Start() {
	c.mailbox.Start()
	go c.run()
}

// Stop halts the actor's run loop. Any in-flight submission goroutines
// observe c.quit and exit on their own.
func (c *Controller) Stop() {
	close(c.quit)
	c.mailbox.Stop()
}

type makePaymentReq struct {
	id     identity.Identity
	amount identity.Uint256
	resp   chan struct{}
}

type notifyInboundReq struct {
	notif Notification
	resp  chan struct{}
}

type dispatchDoneMsg struct {
	id      identity.Identity
	amount  identity.Uint256
	outcome debt.PaymentOutcome
}

// MakePayment queues identity's amount for outbound payment. If a
// payment to identity is already in flight, amount is coalesced into
// the next submission instead of starting a second one (spec.md §4.6
// "Ordering").
func (c *Controller) MakePayment(ctx context.Context, id identity.Identity, amount identity.Uint256) error {
	req := makePaymentReq{id: id, amount: amount, resp: make(chan struct{}, 1)}
	c.mailbox.Push(req)
	select {
	case <-req.resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return fmt.Errorf("payment controller stopped")
	}
}

// NotifyInbound reports a peer's signed claim of an inbound payment for
// verification (spec.md §4.6 "Inbound").
func (c *Controller) NotifyInbound(ctx context.Context, n Notification) error {
	req := notifyInboundReq{
		notif: n,
		resp:  make(chan struct{}, 1),
	}
	c.mailbox.Push(req)
	select {
	case <-req.resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return fmt.Errorf("payment controller stopped")
	}
}

func (c *Controller) run() {
	for {
		if len(c.actionOut) > 0 {
			select {
			case c.actions <- c.actionOut[0]:
				c.actionOut = c.actionOut[1:]
				continue
			case msg := <-c.mailbox.ChanOut():
				c.handle(msg)
				continue
			case <-c.quit:
				return
			}
		}
		select {
		case msg := <-c.mailbox.ChanOut():
			c.handle(msg)
		case <-c.quit:
			return
		}
	}
}

func (c *Controller) handle(msg interface{}) {
	switch req := msg.(type) {
	case makePaymentReq:
		c.handleMakePayment(req.id, req.amount)
		req.resp <- struct{}{}
	case notifyInboundReq:
		c.handleInbound(req.notif)
		req.resp <- struct{}{}
	case dispatchDoneMsg:
		c.handleDispatchDone(req)
	default:
		log.Errorf("payment: unknown mailbox message %T", msg)
	}
}

func (c *Controller) handleMakePayment(id identity.Identity, amount identity.Uint256) {
	if _, busy := c.inFlight[id]; busy {
		sum, ok := addUint256(c.queued[id], amount)
		if !ok {
			log.Errorf("payment: queued amount overflow for %s", id)
			return
		}
		c.queued[id] = sum
		return
	}
	c.dispatch(id, amount)
}

// dispatch starts (or restarts, for a coalesced retry) an async
// submit-then-await-confirmations sequence for id. The actor's own
// mailbox loop is never blocked by the RPC round trip; only the spawned
// goroutine waits, and it reports back via dispatchDoneMsg. The overall
// deadline and poll cadence both flow through the shared Clock so tests
// can drive payment_timeout deterministically (spec.md §4.6).
func (c *Controller) dispatch(id identity.Identity, amount identity.Uint256) {
	c.inFlight[id] = &inFlight{amount: amount}
	deadline := c.clock.TickAfter(c.cfg.PaymentTimeout)

	go func() {
		outcome := c.submitAndAwait(id, amount, deadline)
		c.mailbox.Push(dispatchDoneMsg{id: id, amount: amount, outcome: outcome})
	}()
}

func (c *Controller) submitAndAwait(id identity.Identity, amount identity.Uint256, deadline <-chan time.Time) debt.PaymentOutcome {
	ctx := context.Background()
	recipient := c.book.AddressFor(id)
	txHash, err := c.rpc.SendTransaction(ctx, recipient, amount)
	if err != nil {
		log.Warnf("payment: send transaction to %s: %v", id, err)
		return debt.PaymentFailed
	}

	for {
		confs, err := c.rpc.GetConfirmations(ctx, txHash)
		if err == nil && confs >= c.cfg.ConfirmationsRequired {
			return debt.PaymentOK
		}
		if err != nil {
			log.Warnf("payment: get confirmations for %s: %v", id, err)
		}
		select {
		case <-c.clock.TickAfter(PollInterval):
		case <-deadline:
			return debt.PaymentFailed
		case <-c.quit:
			return debt.PaymentFailed
		}
	}
}

func (c *Controller) handleDispatchDone(done dispatchDoneMsg) {
	delete(c.inFlight, done.id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	action, err := c.keeper.PaymentSent(ctx, done.id, done.amount, done.outcome)
	if err != nil {
		if errkind.Is(err, errkind.Invariant) {
			log.Errorf("payment: invariant reporting PaymentSent for %s: %v", done.id, err)
		} else {
			log.Warnf("payment: report PaymentSent for %s: %v", done.id, err)
		}
	} else if action != nil {
		c.actionOut = append(c.actionOut, action)
	}

	if queued, ok := c.queued[done.id]; ok {
		delete(c.queued, done.id)
		c.dispatch(done.id, queued)
	}
}

// handleInbound implements spec.md §4.6's "Inbound": verify the claim's
// signature, then verify on-chain before crediting DebtKeeper, and
// silently drop anything that doesn't check out (an unverified,
// unsigned, or duplicate notification is peer-caused noise, not a local
// fault).
func (c *Controller) handleInbound(n Notification) {
	if err := VerifyNotification(n); err != nil {
		log.Warnf("payment: dropping unverifiable inbound notification: %v", err)
		return
	}
	if c.seenTx[n.TxHash] {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := c.rpc.VerifyIncoming(ctx, n.TxHash, n.Amount)
	if err != nil {
		log.Warnf("payment: verify inbound tx from %s: %v", n.Payer, err)
		return
	}
	if !ok {
		log.Warnf("payment: dropping unverified inbound notification from %s", n.Payer)
		return
	}

	c.seenTx[n.TxHash] = true
	action, err := c.keeper.PaymentReceived(ctx, n.Payer, n.Amount)
	if err != nil {
		if errkind.Is(err, errkind.Invariant) {
			log.Errorf("payment: invariant reporting PaymentReceived for %s: %v", n.Payer, err)
		} else {
			log.Warnf("payment: report PaymentReceived for %s: %v", n.Payer, err)
		}
		return
	}
	if action != nil {
		c.actionOut = append(c.actionOut, action)
	}
}

func addUint256(a, b identity.Uint256) (identity.Uint256, bool) {
	sum, ok := identity.FromUint256(a).Add(identity.FromUint256(b))
	if !ok {
		return identity.Uint256{}, false
	}
	return sum.Abs(), true
}
