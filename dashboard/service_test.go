package dashboard

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/meshnet-tools/meshagent/debt"
	"github.com/meshnet-tools/meshagent/discovery"
	"github.com/meshnet-tools/meshagent/identity"
	"github.com/meshnet-tools/meshagent/payment"
	"github.com/stretchr/testify/require"
)

func testIdentity(host string) identity.Identity {
	return identity.Identity{
		MeshIP:   netip.MustParseAddr(host),
		EthAddr:  identity.Address{1},
		WGPubKey: identity.PubKey{2},
	}
}

type fakeKeeper struct {
	snap debt.Snapshot
}

func (f *fakeKeeper) GetDebtsList(ctx context.Context) (debt.Snapshot, error) {
	return f.snap, nil
}

type fakeTunnels struct {
	tuns []identity.Tunnel
}

func (f *fakeTunnels) GetTunnels(ctx context.Context) ([]identity.Tunnel, error) {
	return f.tuns, nil
}

type fakeListener struct {
	listened   []string
	unlistened []string
	status     map[string]discovery.Enrollment
}

func (f *fakeListener) RequestListen(iface string) {
	f.listened = append(f.listened, iface)
}

func (f *fakeListener) RequestUnlisten(iface string) {
	f.unlistened = append(f.unlistened, iface)
}

func (f *fakeListener) EnrollmentStatus(ctx context.Context, iface string) (discovery.Enrollment, error) {
	return f.status[iface], nil
}

type fakePayments struct {
	notified []payment.Notification
	err      error
}

func (f *fakePayments) NotifyInbound(ctx context.Context, n payment.Notification) error {
	if f.err != nil {
		return f.err
	}
	f.notified = append(f.notified, n)
	return nil
}

func TestGetDebtsListIncludesAggregates(t *testing.T) {
	id := testIdentity("fd00::a")
	keeper := &fakeKeeper{snap: debt.Snapshot{
		Entries:       []debt.Entry{{Identity: id, Balance: identity.NewInt256(150)}},
		TotalOwedToUs: identity.NewUint256FromUint64(150),
	}}
	svc := NewService(keeper, &fakeTunnels{}, &fakeListener{}, &fakePayments{})

	list, err := svc.GetDebtsList(context.Background())
	require.NoError(t, err)
	require.Len(t, list.Rows, 1)
	require.Equal(t, id, list.Rows[0].Identity)
	require.Equal(t, "150", list.TotalOwedToUs.String())
}

func TestGetTunnelsMapsFields(t *testing.T) {
	id := testIdentity("fd00::a")
	tun := identity.Tunnel{
		Remote:         id,
		Iface:          "wg3",
		RemoteEndpoint: netip.MustParseAddrPort("[fd00::a]:60000"),
		CreatedAt:      time.Unix(1000, 0),
	}
	svc := NewService(&fakeKeeper{}, &fakeTunnels{tuns: []identity.Tunnel{tun}}, &fakeListener{}, &fakePayments{})

	rows, err := svc.GetTunnels(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "wg3", rows[0].Iface)
	require.Equal(t, int64(1000), rows[0].CreatedAt)
}

func TestListenInterfaceForwardsToListener(t *testing.T) {
	l := &fakeListener{status: map[string]discovery.Enrollment{}}
	svc := NewService(&fakeKeeper{}, &fakeTunnels{}, l, &fakePayments{})

	svc.ListenInterface("wg3")
	svc.UnlistenInterface("wg3")

	require.Equal(t, []string{"wg3"}, l.listened)
	require.Equal(t, []string{"wg3"}, l.unlistened)
}

func TestInterfaceStatusReflectsEnrollmentState(t *testing.T) {
	l := &fakeListener{status: map[string]discovery.Enrollment{
		"wg3": {State: discovery.EnrollmentEnrolled},
	}}
	svc := NewService(&fakeKeeper{}, &fakeTunnels{}, l, &fakePayments{})

	status, err := svc.InterfaceStatus(context.Background(), "wg3")
	require.NoError(t, err)
	require.Equal(t, discovery.EnrollmentEnrolled, status.State)
}

func TestNotifyPaymentForwardsToController(t *testing.T) {
	payments := &fakePayments{}
	svc := NewService(&fakeKeeper{}, &fakeTunnels{}, &fakeListener{}, payments)

	n := payment.Notification{TxHash: [32]byte{1}}
	require.NoError(t, svc.NotifyPayment(context.Background(), n))
	require.Len(t, payments.notified, 1)
}

func TestAdminMacaroonRoundTrip(t *testing.T) {
	rootKey := []byte("test-root-key-0123456789abcdef")

	mac, err := MintAdminMacaroon(rootKey, time.Now().Add(time.Hour))
	require.NoError(t, err)

	serialized, err := mac.MarshalBinary()
	require.NoError(t, err)

	require.NoError(t, VerifyAdminMacaroon(rootKey, serialized))
}

func TestExpiredAdminMacaroonFailsVerification(t *testing.T) {
	rootKey := []byte("test-root-key-0123456789abcdef")

	mac, err := MintAdminMacaroon(rootKey, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	serialized, err := mac.MarshalBinary()
	require.NoError(t, err)

	require.Error(t, VerifyAdminMacaroon(rootKey, serialized))
}

func TestWrongRootKeyFailsVerification(t *testing.T) {
	mac, err := MintAdminMacaroon([]byte("root-key-a-0123456789abcdef"), time.Now().Add(time.Hour))
	require.NoError(t, err)

	serialized, err := mac.MarshalBinary()
	require.NoError(t, err)

	require.Error(t, VerifyAdminMacaroon([]byte("root-key-b-0123456789abcdef"), serialized))
}
