package dashboard

import (
	"context"

	"github.com/meshnet-tools/meshagent/debt"
	"github.com/meshnet-tools/meshagent/discovery"
	"github.com/meshnet-tools/meshagent/identity"
	"github.com/meshnet-tools/meshagent/payment"
)

// DebtKeeper is the facade Service needs from debt.Keeper.
type DebtKeeper interface {
	GetDebtsList(ctx context.Context) (debt.Snapshot, error)
}

// TunnelManager is the facade Service needs from tunnel.Manager.
type TunnelManager interface {
	GetTunnels(ctx context.Context) ([]identity.Tunnel, error)
}

// PeerListener is the facade Service needs from discovery.Listener.
type PeerListener interface {
	RequestListen(iface string)
	RequestUnlisten(iface string)
	EnrollmentStatus(ctx context.Context, iface string) (discovery.Enrollment, error)
}

// PaymentNotifier is the facade Service needs from payment.Controller:
// the payment-notification endpoint spec.md §4.6 names, fronted here
// the same thin way the dashboard fronts every other collaborator.
type PaymentNotifier interface {
	NotifyInbound(ctx context.Context, n payment.Notification) error
}

// DebtRow is one identity's row in GetDebtsList, per spec.md §6's
// "Dashboard contract".
type DebtRow struct {
	Identity      identity.Identity
	Balance       identity.Int256
	TotalPaid     identity.Uint256
	TotalReceived identity.Uint256
}

// DebtsList is GetDebtsList's full response: the per-identity rows plus
// the two aggregate figures the original dashboard also exposed
// (SPEC_FULL.md §7).
type DebtsList struct {
	Rows          []DebtRow
	TotalOwedToUs identity.Uint256
	TotalWeOwe    identity.Uint256
}

// TunnelRow is one entry in GetTunnels, per spec.md §6.
type TunnelRow struct {
	Identity  identity.Identity
	Iface     string
	Endpoint  string
	CreatedAt int64
}

// Service implements spec.md §6's "Dashboard contract" against the
// running components, plus the SPEC_FULL.md §7 async interface-
// enrollment extension. It holds no state of its own beyond the four
// collaborators it fronts.
type Service struct {
	keeper   DebtKeeper
	tunnels  TunnelManager
	listener PeerListener
	payments PaymentNotifier
}

// NewService builds a Service fronting the given components.
func NewService(keeper DebtKeeper, tunnels TunnelManager, listener PeerListener, payments PaymentNotifier) *Service {
	return &Service{keeper: keeper, tunnels: tunnels, listener: listener, payments: payments}
}

// GetDebtsList returns every known peer's debt row plus the two
// aggregate totals (spec.md §6, SPEC_FULL.md §7).
func (s *Service) GetDebtsList(ctx context.Context) (DebtsList, error) {
	snap, err := s.keeper.GetDebtsList(ctx)
	if err != nil {
		return DebtsList{}, err
	}

	rows := make([]DebtRow, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		rows = append(rows, DebtRow{
			Identity:      e.Identity,
			Balance:       e.Balance,
			TotalPaid:     e.TotalPaid,
			TotalReceived: e.TotalReceived,
		})
	}

	return DebtsList{
		Rows:          rows,
		TotalOwedToUs: snap.TotalOwedToUs,
		TotalWeOwe:    snap.TotalWeOwe,
	}, nil
}

// GetTunnels returns every currently tracked tunnel (spec.md §6).
func (s *Service) GetTunnels(ctx context.Context) ([]TunnelRow, error) {
	tuns, err := s.tunnels.GetTunnels(ctx)
	if err != nil {
		return nil, err
	}

	rows := make([]TunnelRow, 0, len(tuns))
	for _, t := range tuns {
		rows = append(rows, TunnelRow{
			Identity:  t.Remote,
			Iface:     t.Iface,
			Endpoint:  t.RemoteEndpoint.String(),
			CreatedAt: t.CreatedAt.Unix(),
		})
	}
	return rows, nil
}

// ListenInterface requests that PeerListener enroll iface. It returns
// immediately; poll InterfaceStatus for Pending → Enrolled/Failed
// (spec.md §6 "async confirmation", SPEC_FULL.md §7).
func (s *Service) ListenInterface(iface string) {
	s.listener.RequestListen(iface)
}

// UnlistenInterface requests that PeerListener drop iface's enrollment.
// It returns immediately.
func (s *Service) UnlistenInterface(iface string) {
	s.listener.RequestUnlisten(iface)
}

// InterfaceStatus reports iface's current enrollment state.
func (s *Service) InterfaceStatus(ctx context.Context, iface string) (discovery.Enrollment, error) {
	return s.listener.EnrollmentStatus(ctx, iface)
}

// NotifyPayment forwards a peer's signed payment claim to
// PaymentController for verification — the "payment-notification
// endpoint" spec.md §4.6's Inbound names.
func (s *Service) NotifyPayment(ctx context.Context, n payment.Notification) error {
	return s.payments.NotifyInbound(ctx, n)
}
