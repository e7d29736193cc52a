package payment

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/meshnet-tools/meshagent/debt"
	"github.com/meshnet-tools/meshagent/identity"
	"github.com/meshnet-tools/meshagent/internal/clock"
	"github.com/stretchr/testify/require"
)

// testNotifierSigKey signs every test Notification; its identity is
// irrelevant, only that VerifyNotification accepts frames signed with a
// real key.
var testNotifierSigKey = mustTestNotifierSigKey()

func mustTestNotifierSigKey() *btcec.PrivateKey {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		panic(err)
	}
	return priv
}

func testNotification(id identity.Identity, amount identity.Uint256, txHash [32]byte) Notification {
	return SignNotification(testNotifierSigKey, Notification{
		Payer:  id,
		Amount: amount,
		TxHash: txHash,
	})
}

func testIdentity(host string) identity.Identity {
	return identity.Identity{
		MeshIP:   netip.MustParseAddr(host),
		EthAddr:  identity.Address{1},
		WGPubKey: identity.PubKey{2},
	}
}

type fakeRPC struct {
	mu          sync.Mutex
	sent        []sentTx
	confs       map[[32]byte]uint64
	sendErr     error
	nextTxHash  byte
	verifyOK    map[[32]byte]bool
	verifyErr   error
}

type sentTx struct {
	recipient identity.Address
	amount    identity.Uint256
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{confs: make(map[[32]byte]uint64), verifyOK: make(map[[32]byte]bool)}
}

func (f *fakeRPC) SendTransaction(ctx context.Context, recipient identity.Address, amount identity.Uint256) ([32]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return [32]byte{}, f.sendErr
	}
	f.sent = append(f.sent, sentTx{recipient: recipient, amount: amount})
	f.nextTxHash++
	var hash [32]byte
	hash[0] = f.nextTxHash
	f.confs[hash] = 0
	return hash, nil
}

func (f *fakeRPC) GetConfirmations(ctx context.Context, txHash [32]byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confs[txHash], nil
}

func (f *fakeRPC) setConfirmations(txHash [32]byte, n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confs[txHash] = n
}

func (f *fakeRPC) lastTxHash() [32]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var h [32]byte
	h[0] = f.nextTxHash
	return h
}

func (f *fakeRPC) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeRPC) VerifyIncoming(ctx context.Context, txHash [32]byte, amount identity.Uint256) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil {
		return false, f.verifyErr
	}
	return f.verifyOK[txHash], nil
}

type fakeDebtNotifier struct {
	mu           sync.Mutex
	sent         []sentReport
	received     []receivedReport
	sentAction   debt.Action
	receivedAction debt.Action
}

type sentReport struct {
	id      identity.Identity
	amount  identity.Uint256
	outcome debt.PaymentOutcome
}

type receivedReport struct {
	id     identity.Identity
	amount identity.Uint256
}

func newFakeDebtNotifier() *fakeDebtNotifier {
	return &fakeDebtNotifier{}
}

func (f *fakeDebtNotifier) PaymentSent(ctx context.Context, id identity.Identity, amount identity.Uint256, outcome debt.PaymentOutcome) (debt.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentReport{id: id, amount: amount, outcome: outcome})
	return f.sentAction, nil
}

func (f *fakeDebtNotifier) PaymentReceived(ctx context.Context, id identity.Identity, amount identity.Uint256) (debt.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, receivedReport{id: id, amount: amount})
	return f.receivedAction, nil
}

func (f *fakeDebtNotifier) sentReports() []sentReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentReport, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeDebtNotifier) receivedReports() []receivedReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]receivedReport, len(f.received))
	copy(out, f.received)
	return out
}

func newTestController(t *testing.T) (*Controller, *fakeRPC, *fakeDebtNotifier, *clock.TestClock) {
	t.Helper()
	tc := clock.NewTestClock(time.Unix(0, 0))
	rpc := newFakeRPC()
	notifier := newFakeDebtNotifier()
	c := New(Config{ConfirmationsRequired: 6, PaymentTimeout: time.Minute}, tc, rpc, notifier)
	c.Start()
	t.Cleanup(c.Stop)
	return c, rpc, notifier, tc
}

func TestMakePaymentConfirmsAndReportsSent(t *testing.T) {
	c, rpc, notifier, tc := newTestController(t)
	ctx := context.Background()
	id := testIdentity("fd00::a")

	require.NoError(t, c.MakePayment(ctx, id, identity.NewUint256FromUint64(500)))

	require.Eventually(t, func() bool { return rpc.sentCount() == 1 }, time.Second, time.Millisecond)
	rpc.setConfirmations(rpc.lastTxHash(), 6)
	tc.Advance(PollInterval)

	require.Eventually(t, func() bool { return len(notifier.sentReports()) == 1 }, time.Second, time.Millisecond)
	report := notifier.sentReports()[0]
	require.Equal(t, debt.PaymentOK, report.outcome)
	require.Equal(t, "500", report.amount.String())
}

func TestConcurrentMakePaymentsAreCoalesced(t *testing.T) {
	c, rpc, notifier, tc := newTestController(t)
	ctx := context.Background()
	id := testIdentity("fd00::a")

	require.NoError(t, c.MakePayment(ctx, id, identity.NewUint256FromUint64(100)))
	require.Eventually(t, func() bool { return rpc.sentCount() == 1 }, time.Second, time.Millisecond)

	// Two more requests arrive while the first is in flight; they must
	// coalesce into a single second submission (spec.md §4.6 "Ordering").
	require.NoError(t, c.MakePayment(ctx, id, identity.NewUint256FromUint64(30)))
	require.NoError(t, c.MakePayment(ctx, id, identity.NewUint256FromUint64(20)))

	require.Equal(t, 1, rpc.sentCount())

	rpc.setConfirmations(rpc.lastTxHash(), 6)
	tc.Advance(PollInterval)
	require.Eventually(t, func() bool { return rpc.sentCount() == 2 }, time.Second, time.Millisecond)

	rpc.setConfirmations(rpc.lastTxHash(), 6)
	tc.Advance(PollInterval)
	require.Eventually(t, func() bool { return len(notifier.sentReports()) == 2 }, time.Second, time.Millisecond)

	reports := notifier.sentReports()
	require.Equal(t, "100", reports[0].amount.String())
	require.Equal(t, "50", reports[1].amount.String())
}

func TestPaymentTimeoutReportsFailed(t *testing.T) {
	c, rpc, notifier, tc := newTestController(t)
	ctx := context.Background()
	id := testIdentity("fd00::a")

	require.NoError(t, c.MakePayment(ctx, id, identity.NewUint256FromUint64(100)))
	require.Eventually(t, func() bool { return rpc.sentCount() == 1 }, time.Second, time.Millisecond)

	// Never confirm; advance the clock past payment_timeout.
	tc.Advance(time.Minute * 2)

	require.Eventually(t, func() bool { return len(notifier.sentReports()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, debt.PaymentFailed, notifier.sentReports()[0].outcome)
}

func TestPaymentSentActionIsForwarded(t *testing.T) {
	tc := clock.NewTestClock(time.Unix(0, 0))
	rpc := newFakeRPC()
	notifier := newFakeDebtNotifier()
	id := testIdentity("fd00::a")
	notifier.sentAction = debt.OpenTunnel{Identity: id}

	c := New(Config{ConfirmationsRequired: 6, PaymentTimeout: time.Minute}, tc, rpc, notifier)
	c.Start()
	t.Cleanup(c.Stop)
	ctx := context.Background()

	require.NoError(t, c.MakePayment(ctx, id, identity.NewUint256FromUint64(500)))
	require.Eventually(t, func() bool { return rpc.sentCount() == 1 }, time.Second, time.Millisecond)
	rpc.setConfirmations(rpc.lastTxHash(), 6)
	tc.Advance(PollInterval)

	select {
	case action := <-c.Actions():
		require.Equal(t, debt.OpenTunnel{Identity: id}, action)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded action")
	}
}

func TestInboundVerifiedCreditsDebtKeeper(t *testing.T) {
	c, rpc, notifier, _ := newTestController(t)
	ctx := context.Background()
	id := testIdentity("fd00::b")

	var txHash [32]byte
	txHash[0] = 42
	rpc.verifyOK[txHash] = true

	require.NoError(t, c.NotifyInbound(ctx, testNotification(id, identity.NewUint256FromUint64(75), txHash)))

	require.Len(t, notifier.receivedReports(), 1)
	require.Equal(t, "75", notifier.receivedReports()[0].amount.String())
}

func TestInboundUnverifiedIsDropped(t *testing.T) {
	c, rpc, notifier, _ := newTestController(t)
	ctx := context.Background()
	id := testIdentity("fd00::b")

	var txHash [32]byte
	txHash[0] = 43
	rpc.verifyOK[txHash] = false

	require.NoError(t, c.NotifyInbound(ctx, testNotification(id, identity.NewUint256FromUint64(75), txHash)))

	require.Empty(t, notifier.receivedReports())
}

func TestDuplicateInboundTxHashIsIdempotent(t *testing.T) {
	c, rpc, notifier, _ := newTestController(t)
	ctx := context.Background()
	id := testIdentity("fd00::b")

	var txHash [32]byte
	txHash[0] = 44
	rpc.verifyOK[txHash] = true

	require.NoError(t, c.NotifyInbound(ctx, testNotification(id, identity.NewUint256FromUint64(10), txHash)))
	require.NoError(t, c.NotifyInbound(ctx, testNotification(id, identity.NewUint256FromUint64(10), txHash)))

	require.Len(t, notifier.receivedReports(), 1)
}

func TestInboundBadSignatureIsDropped(t *testing.T) {
	c, rpc, notifier, _ := newTestController(t)
	ctx := context.Background()
	id := testIdentity("fd00::b")

	var txHash [32]byte
	txHash[0] = 45
	rpc.verifyOK[txHash] = true

	n := testNotification(id, identity.NewUint256FromUint64(75), txHash)
	n.Amount = identity.NewUint256FromUint64(9000)

	require.NoError(t, c.NotifyInbound(ctx, n))

	require.Empty(t, notifier.receivedReports())
}
