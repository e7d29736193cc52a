package debt

import (
	"context"
	"fmt"
	"sort"

	"github.com/meshnet-tools/meshagent/errkind"
	"github.com/meshnet-tools/meshagent/identity"
	"github.com/meshnet-tools/meshagent/internal/clock"
	"github.com/meshnet-tools/meshagent/internal/queue"
)

// PaymentOutcome reports whether an outgoing payment PaymentController
// attempted actually confirmed on-chain.
type PaymentOutcome int

const (
	// PaymentOK means the payment confirmed; no balance change (it was
	// already debited optimistically).
	PaymentOK PaymentOutcome = iota
	// PaymentFailed means the payment was rejected or timed out;
	// DebtKeeper must roll the balance back.
	PaymentFailed
)

// Keeper is the DebtKeeper actor. All mutating operations are serialized
// through its mailbox (spec.md §5: "All three mutating ops are
// serialized. Callers never observe a partially-applied update.").
type Keeper struct {
	thresholds Thresholds
	clock      clock.Clock
	entries    map[identity.Identity]*Entry

	mailbox *queue.ConcurrentQueue
	quit    chan struct{}
}

// New constructs a Keeper. Call Start before issuing any operation.
func New(thresholds Thresholds, clk clock.Clock) (*Keeper, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Keeper{
		thresholds: thresholds,
		clock:      clk,
		entries:    make(map[identity.Identity]*Entry),
		mailbox:    queue.NewConcurrentQueue(64),
		quit:       make(chan struct{}),
	}, nil
}

// Start launches the actor's run loop.
func (k *Keeper) Start() {
	k.mailbox.Start()
	go k.run()
}

// Stop halts the actor's run loop.
func (k *Keeper) Stop() {
	close(k.quit)
	k.mailbox.Stop()
}

type applyDebtReq struct {
	identity identity.Identity
	amount   identity.Int256
	resp     chan applyDebtResp
}

type applyDebtResp struct {
	action Action
	err    error
}

type paymentReceivedReq struct {
	identity identity.Identity
	amount   identity.Uint256
	resp     chan paymentReceivedResp
}

type paymentReceivedResp struct {
	action Action
}

type paymentSentReq struct {
	identity identity.Identity
	amount   identity.Uint256
	outcome  PaymentOutcome
	resp     chan paymentSentResp
}

type paymentSentResp struct {
	action Action
}

type snapshotReq struct {
	resp chan Snapshot
}

// ApplyDebt applies a charge to identity's balance and returns the
// resulting Action, if any (spec.md §4.5). A balance overflow — spec.md
// §4.4's "saturation is a fatal invariant violation; charges always
// fit" — is returned as an errkind.Invariant error rather than silently
// dropped; TrafficWatcher treats this as fatal.
func (k *Keeper) ApplyDebt(ctx context.Context, id identity.Identity, amount identity.Int256) (Action, error) {
	req := applyDebtReq{identity: id, amount: amount, resp: make(chan applyDebtResp, 1)}
	k.mailbox.Push(req)

	select {
	case resp := <-req.resp:
		return resp.action, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-k.quit:
		return nil, fmt.Errorf("debt keeper stopped")
	}
}

// PaymentReceived records an inbound confirmed payment from identity.
func (k *Keeper) PaymentReceived(ctx context.Context, id identity.Identity, amount identity.Uint256) (Action, error) {
	req := paymentReceivedReq{identity: id, amount: amount, resp: make(chan paymentReceivedResp, 1)}
	k.mailbox.Push(req)

	select {
	case resp := <-req.resp:
		return resp.action, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-k.quit:
		return nil, fmt.Errorf("debt keeper stopped")
	}
}

// PaymentSent reports the outcome of an outbound payment previously
// emitted as a MakePayment action.
func (k *Keeper) PaymentSent(ctx context.Context, id identity.Identity, amount identity.Uint256, outcome PaymentOutcome) (Action, error) {
	req := paymentSentReq{identity: id, amount: amount, outcome: outcome, resp: make(chan paymentSentResp, 1)}
	k.mailbox.Push(req)

	select {
	case resp := <-req.resp:
		return resp.action, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-k.quit:
		return nil, fmt.Errorf("debt keeper stopped")
	}
}

// GetDebtsList returns a point-in-time snapshot of every known debt
// entry, sorted in Identity's canonical order.
func (k *Keeper) GetDebtsList(ctx context.Context) (Snapshot, error) {
	req := snapshotReq{resp: make(chan Snapshot, 1)}
	k.mailbox.Push(req)

	select {
	case resp := <-req.resp:
		return resp, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-k.quit:
		return Snapshot{}, fmt.Errorf("debt keeper stopped")
	}
}

func (k *Keeper) run() {
	for {
		select {
		case msg := <-k.mailbox.ChanOut():
			k.handle(msg)
		case <-k.quit:
			return
		}
	}
}

func (k *Keeper) handle(msg interface{}) {
	switch req := msg.(type) {
	case applyDebtReq:
		action, err := k.applyDebt(req.identity, req.amount)
		req.resp <- applyDebtResp{action: action, err: err}
	case paymentReceivedReq:
		req.resp <- paymentReceivedResp{action: k.paymentReceived(req.identity, req.amount)}
	case paymentSentReq:
		req.resp <- paymentSentResp{action: k.paymentSent(req.identity, req.amount, req.outcome)}
	case snapshotReq:
		req.resp <- k.snapshot()
	default:
		log.Errorf("debt keeper: unknown mailbox message %T", msg)
	}
}

func (k *Keeper) entry(id identity.Identity) *Entry {
	e, ok := k.entries[id]
	if !ok {
		e = &Entry{Identity: id}
		k.entries[id] = e
	}
	return e
}

// applyDebt implements spec.md §4.5's ApplyDebt, checking thresholds
// against the balance *after* the charge is applied (the corrected
// behavior per spec.md §9's Open Question).
func (k *Keeper) applyDebt(id identity.Identity, amount identity.Int256) (Action, error) {
	e := k.entry(id)

	newBalance, ok := e.Balance.Add(amount)
	if !ok {
		log.Errorf("debt keeper: balance overflow applying charge to %s", id)
		return nil, errkind.New(errkind.Invariant, "debt.ApplyDebt",
			fmt.Errorf("balance overflow applying charge to %s", id))
	}
	e.Balance = newBalance
	e.LastActionAt = k.clock.Now()

	return k.evaluate(e), nil
}

// evaluate applies the decision rule of spec.md §4.5 to e's current
// balance: pay_threshold first, then close_threshold, else no action.
func (k *Keeper) evaluate(e *Entry) Action {
	switch {
	case e.Balance.GreaterOrEqual(k.thresholds.PayThreshold):
		amount := e.Balance.Abs()
		e.LastPayment = amount
		e.Balance = identity.Zero // optimistic reset, per spec.md §9
		return MakePayment{Identity: e.Identity, Amount: amount}
	case e.Balance.LessOrEqual(k.thresholds.CloseThreshold):
		return CloseTunnel{Identity: e.Identity}
	default:
		return nil
	}
}

func (k *Keeper) paymentReceived(id identity.Identity, amount identity.Uint256) Action {
	e := k.entry(id)

	wasClosed := e.Balance.LessOrEqual(k.thresholds.CloseThreshold)

	// Scenario S5 (spec.md §8) is definitive here: a received payment
	// moves the balance by +amount (−60, receive 40 ⇒ −20), not −amount
	// as §4.5's prose reads in isolation.
	newBalance, ok := e.Balance.Add(identity.FromUint256(amount))
	if !ok {
		log.Errorf("debt keeper: balance overflow applying payment from %s", id)
		return nil
	}
	e.Balance = newBalance
	e.TotalReceived, _ = addUint256(e.TotalReceived, amount)
	e.LastActionAt = k.clock.Now()

	if wasClosed && e.Balance.Cmp(k.thresholds.reopenThreshold()) > 0 {
		return OpenTunnel{Identity: id}
	}
	return nil
}

func (k *Keeper) paymentSent(id identity.Identity, amount identity.Uint256, outcome PaymentOutcome) Action {
	e := k.entry(id)

	if outcome == PaymentOK {
		e.TotalPaid, _ = addUint256(e.TotalPaid, amount)
		return nil
	}

	// Failure: restore the optimistically-debited balance and
	// re-evaluate thresholds (spec.md §4.5, §8 scenario S3).
	restored, ok := e.Balance.Add(identity.FromUint256(amount))
	if !ok {
		log.Errorf("debt keeper: balance overflow rolling back failed payment to %s", id)
		return nil
	}
	e.Balance = restored
	e.LastActionAt = k.clock.Now()

	return k.evaluate(e)
}

func addUint256(a, b identity.Uint256) (identity.Uint256, bool) {
	sum, ok := identity.FromUint256(a).Add(identity.FromUint256(b))
	if !ok {
		return identity.Uint256{}, false
	}
	return sum.Abs(), true
}

// Snapshot is the dashboard-facing view of every debt entry, including
// the two aggregate figures the original Rust dashboard exposed
// alongside the per-identity rows (SPEC_FULL.md §7).
type Snapshot struct {
	Entries       []Entry
	TotalOwedToUs identity.Uint256
	TotalWeOwe    identity.Uint256
}

func (k *Keeper) snapshot() Snapshot {
	entries := make([]Entry, 0, len(k.entries))
	for _, e := range k.entries {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Identity.Less(entries[j].Identity)
	})

	var owedToUs, weOwe identity.Uint256
	for _, e := range entries {
		switch e.Balance.Sign() {
		case 1:
			owedToUs, _ = addUint256(owedToUs, e.Balance.Abs())
		case -1:
			weOwe, _ = addUint256(weOwe, e.Balance.Abs())
		}
	}

	return Snapshot{Entries: entries, TotalOwedToUs: owedToUs, TotalWeOwe: weOwe}
}
