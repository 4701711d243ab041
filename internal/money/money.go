// Package money provides fixed-point decimal helpers for volumes and
// prices. Nothing in this codebase does arithmetic with float64; every
// quantity that touches a ledger, order, or contract passes through the
// scales defined here.
package money

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// VolumeScale is the number of decimal places backing a NUMERIC(10,4)
// volume column. PriceScale backs NUMERIC(15,8) price columns.
const (
	VolumeScale = 4
	PriceScale  = 8
)

// Volume is a fixed-point quantity of an asset or contract.
type Volume struct {
	d decimal.Decimal
}

// Price is a fixed-point price of one contract unit, denominated in a
// price asset.
type Price struct {
	d decimal.Decimal
}

// ZeroVolume is the additive identity.
var ZeroVolume = Volume{d: decimal.Zero}

// NewVolumeFromString parses s and rejects values that do not round-trip
// through VolumeScale decimal places (i.e. would be truncated by the
// database column).
func NewVolumeFromString(s string) (Volume, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Volume{}, fmt.Errorf("money: invalid volume %q: %w", s, err)
	}
	return NewVolume(d)
}

// NewVolume wraps d as a Volume, rejecting values with more precision
// than VolumeScale can hold.
func NewVolume(d decimal.Decimal) (Volume, error) {
	rounded := d.Round(VolumeScale)
	if !rounded.Equal(d) {
		return Volume{}, fmt.Errorf("money: volume %s exceeds scale %d", d, VolumeScale)
	}
	return Volume{d: rounded}, nil
}

// MustVolume panics if NewVolume would error. Used for compile-time-known
// constants in tests.
func MustVolume(s string) Volume {
	v, err := NewVolumeFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Volume) Decimal() decimal.Decimal { return v.d }
func (v Volume) String() string           { return v.d.StringFixed(VolumeScale) }
func (v Volume) IsZero() bool             { return v.d.IsZero() }
func (v Volume) IsNegative() bool         { return v.d.IsNegative() }
func (v Volume) IsPositive() bool         { return v.d.IsPositive() }

// MarshalJSON renders a Volume as its fixed-scale decimal string, so a
// feed subscriber or any other JSON consumer sees "50.0000" rather than
// the unexported decimal.Decimal this type wraps.
func (v Volume) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalJSON parses a Volume from the string form MarshalJSON produces.
func (v *Volume) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := NewVolumeFromString(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Volume) Add(o Volume) Volume { return Volume{d: v.d.Add(o.d)} }
func (v Volume) Sub(o Volume) Volume { return Volume{d: v.d.Sub(o.d)} }
func (v Volume) Neg() Volume         { return Volume{d: v.d.Neg()} }

func (v Volume) Cmp(o Volume) int { return v.d.Cmp(o.d) }
func (v Volume) LessThan(o Volume) bool    { return v.d.LessThan(o.d) }
func (v Volume) GreaterThan(o Volume) bool { return v.d.GreaterThan(o.d) }
func (v Volume) Equal(o Volume) bool       { return v.d.Equal(o.d) }

// MinVolume returns the smaller of a and b.
func MinVolume(a, b Volume) Volume {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Mul multiplies a volume by a plain ratio (used for pro-rata expiry
// distribution), rounding the result to VolumeScale.
func (v Volume) Mul(ratio decimal.Decimal) Volume {
	return Volume{d: v.d.Mul(ratio).Round(VolumeScale)}
}

// Div returns v / o as a plain ratio, rounded to VolumeScale+4 decimal
// places rather than to VolumeScale. Callers decide how the ratio is
// subsequently used (e.g. multiplied into another Volume and re-rounded).
func (v Volume) Div(o Volume) (decimal.Decimal, error) {
	if o.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("money: division by zero volume")
	}
	return v.d.DivRound(o.d, int32(VolumeScale)+4), nil
}

// NewPriceFromString parses s and rejects values that do not round-trip
// through PriceScale decimal places.
func NewPriceFromString(s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Price{}, fmt.Errorf("money: invalid price %q: %w", s, err)
	}
	return NewPrice(d)
}

// NewPrice wraps d as a Price, rejecting values with more precision than
// PriceScale can hold.
func NewPrice(d decimal.Decimal) (Price, error) {
	rounded := d.Round(PriceScale)
	if !rounded.Equal(d) {
		return Price{}, fmt.Errorf("money: price %s exceeds scale %d", d, PriceScale)
	}
	return Price{d: rounded}, nil
}

// MustPrice panics if NewPrice would error. Used for compile-time-known
// constants in tests.
func MustPrice(s string) Price {
	p, err := NewPriceFromString(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Price) Decimal() decimal.Decimal { return p.d }
func (p Price) String() string           { return p.d.StringFixed(PriceScale) }
func (p Price) IsZero() bool             { return p.d.IsZero() }
func (p Price) IsPositive() bool         { return p.d.IsPositive() }

// MarshalJSON renders a Price as its fixed-scale decimal string, for the
// same reason Volume does.
func (p Price) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON parses a Price from the string form MarshalJSON produces.
func (p *Price) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := NewPriceFromString(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p Price) Cmp(o Price) int     { return p.d.Cmp(o.d) }
func (p Price) LessThan(o Price) bool    { return p.d.LessThan(o.d) }
func (p Price) GreaterThan(o Price) bool { return p.d.GreaterThan(o.d) }
func (p Price) Equal(o Price) bool       { return p.d.Equal(o.d) }

// Cost returns volume * price, a Volume denominated in the price asset,
// rounded to VolumeScale.
func (p Price) Cost(v Volume) Volume {
	return Volume{d: v.d.Mul(p.d).Round(VolumeScale)}
}

// VolumeToPriceRatio computes numerator / denominator as a Price,
// rounded to PriceScale. order.Order.PriceToVolume does not use it; that
// method divides its price by its volume directly.
func VolumeToPriceRatio(numerator, denominator Volume) (Price, error) {
	if denominator.IsZero() {
		return Price{}, fmt.Errorf("money: price ratio division by zero")
	}
	ratio := numerator.d.DivRound(denominator.d, int32(PriceScale)+4)
	return NewPrice(ratio.Round(PriceScale))
}
