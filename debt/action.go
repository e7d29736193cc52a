package debt

import "github.com/meshnet-tools/meshagent/identity"

// Action is the decision DebtKeeper hands back to its caller after
// ApplyDebt/PaymentReceived/PaymentSent (spec.md §4.5). Exactly one of
// the concrete types below, or nil for "no action".
type Action interface {
	isAction()
}

// MakePayment is emitted when a balance crosses pay_threshold. Amount is
// the balance at the moment of the decision, per spec.md's "optimistic
// balance reset": the caller (PaymentController) is responsible for
// reporting PaymentSent(identity, Amount, outcome) once it resolves.
type MakePayment struct {
	Identity identity.Identity
	Amount   identity.Uint256
}

func (MakePayment) isAction() {}

// CloseTunnel is emitted when a balance crosses close_threshold.
type CloseTunnel struct {
	Identity identity.Identity
}

func (CloseTunnel) isAction() {}

// OpenTunnel is emitted when a previously debt-closed peer repays past
// the hysteresis threshold (spec.md §4.5, §8 property 5).
type OpenTunnel struct {
	Identity identity.Identity
}

func (OpenTunnel) isAction() {}
