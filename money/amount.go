// Package money holds the fixed-point amount type used for custody, fees and
// payouts. Amounts are integers of base units; display strings carry Decimals
// fractional digits.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// Decimals is the number of fractional digits between a display unit and a base unit.
	Decimals = 18
	// BasisPoints is the denominator of every rate applied to an Amount.
	BasisPoints = 10000
)

var (
	// ErrInvalidAmount is returned when a string cannot be parsed as an amount.
	ErrInvalidAmount = errors.New("money: invalid amount")
	// ErrTooPrecise is returned when a display amount has more than Decimals fractional digits.
	ErrTooPrecise = errors.New("money: amount exceeds base unit precision")
)

// Amount is an immutable quantity of base units. The zero value is zero.
type Amount struct {
	v *big.Int
}

// Zero returns the zero amount.
func Zero() Amount { return Amount{} }

// FromInt64 builds an amount from a count of base units.
func FromInt64(n int64) Amount {
	return Amount{v: big.NewInt(n)}
}

// FromBig copies i into a new Amount.
func FromBig(i *big.Int) Amount {
	if i == nil {
		return Amount{}
	}
	return Amount{v: new(big.Int).Set(i)}
}

// ParseBase parses an integer string of base units, as stored in the database.
func ParseBase(s string) (Amount, error) {
	i, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Amount{v: i}, nil
}

// Parse reads a display amount such as "1.25" and converts it to base units.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	shifted := d.Shift(Decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return Amount{}, fmt.Errorf("%w: %q", ErrTooPrecise, s)
	}
	return Amount{v: shifted.BigInt()}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) int() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return a.v
}

// Big returns a copy of the underlying integer.
func (a Amount) Big() *big.Int { return new(big.Int).Set(a.int()) }

func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.int(), b.int())}
}

func (a Amount) Sub(b Amount) Amount {
	return Amount{v: new(big.Int).Sub(a.int(), b.int())}
}

// MulBasisPoints returns floor(a * bp / BasisPoints) for non-negative a.
func (a Amount) MulBasisPoints(bp int64) Amount {
	out := new(big.Int).Mul(a.int(), big.NewInt(bp))
	return Amount{v: out.Quo(out, big.NewInt(BasisPoints))}
}

func (a Amount) Cmp(b Amount) int          { return a.int().Cmp(b.int()) }
func (a Amount) Equal(b Amount) bool       { return a.Cmp(b) == 0 }
func (a Amount) Sign() int                 { return a.int().Sign() }
func (a Amount) IsZero() bool              { return a.Sign() == 0 }
func (a Amount) IsPositive() bool          { return a.Sign() > 0 }
func (a Amount) GreaterThan(b Amount) bool { return a.Cmp(b) > 0 }

// String renders base units, the form persisted in NUMERIC columns.
func (a Amount) String() string { return a.int().String() }

// Format renders display units with trailing zeros trimmed, e.g. "1.56".
func (a Amount) Format() string {
	return decimal.NewFromBigInt(a.int(), -Decimals).String()
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, string(b))
	}
	parsed, err := ParseBase(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
