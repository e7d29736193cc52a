package identity

import (
	"fmt"

	"github.com/holiman/uint256"
)

// jsonQuote wraps s as a JSON string literal.
func jsonQuote(s string) []byte {
	return []byte(`"` + s + `"`)
}

// jsonUnquote strips the surrounding quotes a JSON string literal encodes
// with, since Uint256/Int256 marshal as decimal strings rather than
// numbers to survive round-tripping through JSON's float64 decoder.
func jsonUnquote(b []byte) string {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// Uint256 is an unsigned 256-bit integer, used for payment amounts
// (always non-negative on the wire to the Payment RPC).
type Uint256 struct {
	mag uint256.Int
}

// NewUint256FromUint64 builds a Uint256 from a machine integer.
func NewUint256FromUint64(v uint64) Uint256 {
	return Uint256{mag: *uint256.NewInt(v)}
}

// Bytes32 returns the big-endian 32-byte representation.
func (u Uint256) Bytes32() [32]byte {
	return u.mag.Bytes32()
}

// String renders the value in decimal.
func (u Uint256) String() string {
	return u.mag.Dec()
}

// IsZero reports whether the value is zero.
func (u Uint256) IsZero() bool {
	return u.mag.IsZero()
}

// MarshalJSON renders u as a quoted decimal string — the dashboard's
// wire format for amounts (spec.md §6), since a bare JSON number would
// lose precision past float64's 53 mantissa bits.
func (u Uint256) MarshalJSON() ([]byte, error) {
	return jsonQuote(u.String()), nil
}

// UnmarshalJSON parses a quoted decimal string produced by MarshalJSON.
func (u *Uint256) UnmarshalJSON(b []byte) error {
	var mag uint256.Int
	if err := mag.SetFromDecimal(jsonUnquote(b)); err != nil {
		return fmt.Errorf("identity: unmarshal Uint256: %w", err)
	}
	u.mag = mag
	return nil
}

// Int256 is a signed 256-bit integer stored as sign + magnitude over
// holiman/uint256.Int. Positive balance means the peer owes us; negative
// means we owe the peer (spec.md §3). There is no pack library offering
// a fixed-width signed 256-bit integer (holiman/uint256 is
// unsigned-only); see DESIGN.md for why math/big is not used as the
// primary representation.
type Int256 struct {
	neg bool
	mag uint256.Int
}

// Zero is the additive identity.
var Zero = Int256{}

// NewInt256 builds an Int256 from a machine integer.
func NewInt256(v int64) Int256 {
	if v == 0 {
		return Int256{}
	}
	neg := v < 0
	u := v
	if neg {
		u = -v
	}
	return Int256{neg: neg, mag: *uint256.NewInt(uint64(u))}
}

// FromUint256 builds a non-negative Int256 from a Uint256 magnitude.
func FromUint256(u Uint256) Int256 {
	return Int256{neg: false, mag: u.mag}
}

// Neg returns -x.
func (x Int256) Neg() Int256 {
	if x.mag.IsZero() {
		return x
	}
	return Int256{neg: !x.neg, mag: x.mag}
}

// Sign returns -1, 0, or 1.
func (x Int256) Sign() int {
	if x.mag.IsZero() {
		return 0
	}
	if x.neg {
		return -1
	}
	return 1
}

// IsZero reports whether x is zero.
func (x Int256) IsZero() bool {
	return x.mag.IsZero()
}

// Abs returns the unsigned magnitude of x.
func (x Int256) Abs() Uint256 {
	return Uint256{mag: x.mag}
}

// Add returns x+y. ok is false if the true mathematical result does not
// fit in 256 bits of magnitude, which spec.md §4.4 treats as a fatal
// invariant violation ("saturation is a fatal invariant violation;
// charges always fit") rather than a value to propagate.
func (x Int256) Add(y Int256) (sum Int256, ok bool) {
	if x.neg == y.neg {
		mag, overflow := new(uint256.Int).AddOverflow(&x.mag, &y.mag)
		if overflow {
			return Int256{}, false
		}
		return Int256{neg: x.neg && !mag.IsZero(), mag: *mag}, true
	}

	// Opposite signs: subtract the smaller magnitude from the larger and
	// keep the sign of whichever magnitude was larger.
	switch x.mag.Cmp(&y.mag) {
	case 0:
		return Int256{}, true
	case 1:
		mag := new(uint256.Int).Sub(&x.mag, &y.mag)
		return Int256{neg: x.neg, mag: *mag}, true
	default:
		mag := new(uint256.Int).Sub(&y.mag, &x.mag)
		return Int256{neg: y.neg, mag: *mag}, true
	}
}

// Sub returns x-y.
func (x Int256) Sub(y Int256) (diff Int256, ok bool) {
	return x.Add(y.Neg())
}

// MulUint64 returns x*m, used to compute charge = Δbytes × price where
// Δbytes is a u64 byte count and price is a small configured integer.
func (x Int256) MulUint64(m uint64) (product Int256, ok bool) {
	if x.mag.IsZero() || m == 0 {
		return Int256{}, true
	}
	factor := uint256.NewInt(m)
	mag, overflow := new(uint256.Int).MulOverflow(&x.mag, factor)
	if overflow {
		return Int256{}, false
	}
	return Int256{neg: x.neg, mag: *mag}, true
}

// Cmp returns -1, 0, or 1 comparing x to y.
func (x Int256) Cmp(y Int256) int {
	switch {
	case x.neg && !y.neg:
		if x.mag.IsZero() && y.mag.IsZero() {
			return 0
		}
		return -1
	case !x.neg && y.neg:
		if x.mag.IsZero() && y.mag.IsZero() {
			return 0
		}
		return 1
	case !x.neg && !y.neg:
		return x.mag.Cmp(&y.mag)
	default: // both negative
		return y.mag.Cmp(&x.mag)
	}
}

// GreaterOrEqual reports whether x >= y.
func (x Int256) GreaterOrEqual(y Int256) bool {
	return x.Cmp(y) >= 0
}

// LessOrEqual reports whether x <= y.
func (x Int256) LessOrEqual(y Int256) bool {
	return x.Cmp(y) <= 0
}

// String renders the value in decimal with an explicit sign.
func (x Int256) String() string {
	if x.mag.IsZero() {
		return "0"
	}
	if x.neg {
		return fmt.Sprintf("-%s", x.mag.Dec())
	}
	return x.mag.Dec()
}

// MarshalJSON renders x as a quoted signed decimal string, matching
// Uint256's wire format.
func (x Int256) MarshalJSON() ([]byte, error) {
	return jsonQuote(x.String()), nil
}

// UnmarshalJSON parses a quoted signed decimal string produced by
// MarshalJSON.
func (x *Int256) UnmarshalJSON(b []byte) error {
	s := jsonUnquote(b)
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}
	var mag uint256.Int
	if err := mag.SetFromDecimal(s); err != nil {
		return fmt.Errorf("identity: unmarshal Int256: %w", err)
	}
	x.neg = neg && !mag.IsZero()
	x.mag = mag
	return nil
}
