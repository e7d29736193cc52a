// Package debt implements DebtKeeper: the single-writer actor that
// maintains a signed running balance per peer Identity and decides when
// to pay a peer or close their tunnel (spec.md §4.5). It is grounded on
// original_source/rita/debt_keeper/src/lib.rs's apply_debt/threshold
// logic, corrected per spec.md §9's Open Question to check the
// post-update balance rather than the raw input charge.
package debt

import (
	"time"

	"github.com/btcsuite/btclog"
	"github.com/meshnet-tools/meshagent/identity"
)

var log = btclog.Disabled

// UseLogger assigns the subsystem logger used by this package.
func UseLogger(l btclog.Logger) {
	log = l
}

// Entry is the per-Identity bookkeeping record of spec.md §3: a signed
// balance plus a small set of counters. Created lazily on first mention,
// never destroyed while the process lives ("a removal would allow a
// misbehaving peer to wipe its debt by disconnecting").
type Entry struct {
	Identity      identity.Identity
	Balance       identity.Int256
	LastActionAt  time.Time
	TotalPaid     identity.Uint256
	TotalReceived identity.Uint256
	LastPayment   identity.Uint256
}

// Thresholds are the three signed scalars configured process-wide
// (spec.md §3). Invariant: CloseThreshold < 0 <= PayThreshold.
type Thresholds struct {
	PayThreshold   identity.Int256
	CloseThreshold identity.Int256
	CloseFraction  float64
}

// Validate enforces the configuration invariant of spec.md §3/§7. A
// violation here is a Configuration error: fatal at startup.
func (t Thresholds) Validate() error {
	if t.PayThreshold.Sign() < 0 {
		return errConfiguration("pay_threshold must be >= 0")
	}
	if t.CloseThreshold.Sign() >= 0 {
		return errConfiguration("close_threshold must be < 0")
	}
	if t.CloseFraction <= 0 || t.CloseFraction > 1 {
		return errConfiguration("close_fraction must be in (0, 1]")
	}
	return nil
}

type configError string

func (e configError) Error() string { return string(e) }

func errConfiguration(msg string) error {
	return configError(msg)
}

// reopenThreshold is close_threshold × close_fraction: the balance a
// debt-closed peer must repay past before TunnelManager is told to
// reopen their tunnel (spec.md §4.5, §8 property 5). close_threshold is
// always negative, so the result is too.
func (t Thresholds) reopenThreshold() identity.Int256 {
	bps := uint64(t.CloseFraction * 10000)
	scaled, ok := mulUint64Magnitude(t.CloseThreshold.Abs(), bps)
	if !ok {
		// Magnitude too large to scale safely; fall back to the
		// threshold itself, which only makes reopening stricter, never
		// looser, so it cannot violate the hysteresis invariant.
		return t.CloseThreshold
	}
	divided, ok := divideMagnitude(scaled, 10000)
	if !ok {
		return t.CloseThreshold
	}
	return identity.FromUint256(divided).Neg()
}

func mulUint64Magnitude(mag identity.Uint256, factor uint64) (identity.Uint256, bool) {
	u, ok := toUint64(mag)
	if !ok {
		return identity.Uint256{}, false
	}
	hi, lo := bitsMul64(u, factor)
	if hi != 0 {
		return identity.Uint256{}, false
	}
	return identity.NewUint256FromUint64(lo), true
}

func divideMagnitude(mag identity.Uint256, divisor uint64) (identity.Uint256, bool) {
	u, ok := toUint64(mag)
	if !ok {
		return identity.Uint256{}, false
	}
	return identity.NewUint256FromUint64(u / divisor), true
}

func bitsMul64(a, b uint64) (hi, lo uint64) {
	const mask32 = 1<<32 - 1
	aLo, aHi := a&mask32, a>>32
	bLo, bHi := b&mask32, b>>32

	lo = aLo * bLo
	mid := aHi*bLo + aLo*bHi
	hi = aHi*bHi + mid>>32
	lo += mid << 32
	if lo < mid<<32 {
		hi++
	}
	return hi, lo
}

// toUint64 fits a Uint256 into a machine integer when possible. Balances
// and thresholds this repository produces all fit well within 64 bits;
// this is used only inside the hysteresis scaling helper above.
func toUint64(u identity.Uint256) (uint64, bool) {
	b := u.Bytes32()
	for _, v := range b[:24] {
		if v != 0 {
			return 0, false
		}
	}
	var out uint64
	for _, v := range b[24:] {
		out = out<<8 | uint64(v)
	}
	return out, true
}
