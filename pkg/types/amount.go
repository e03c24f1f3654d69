package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// ParseAmount parses a non-negative base-10 integer into a 256-bit amount.
// Token balances and fees travel as decimal strings on every wire format.
func ParseAmount(s string) (uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return uint256.Int{}, fmt.Errorf("empty amount")
	}
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return uint256.Int{}, fmt.Errorf("invalid amount %q", s)
	}
	if b.Sign() < 0 {
		return uint256.Int{}, fmt.Errorf("negative amount %q", s)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return uint256.Int{}, fmt.Errorf("amount %q exceeds 256 bits", s)
	}
	return *v, nil
}

// MustParseAmount is like ParseAmount but panics on error.
func MustParseAmount(s string) uint256.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatAmount renders an amount as a base-10 string.
func FormatAmount(v *uint256.Int) string {
	return v.ToBig().String()
}

// U256 returns a 256-bit amount from a uint64.
func U256(v uint64) uint256.Int {
	return *uint256.NewInt(v)
}

// Amount is a 256-bit token amount that encodes as a decimal JSON string.
// Ledger state and RPC payloads carry balances and fees as Amounts.
type Amount struct {
	uint256.Int
}

// NewAmount returns an Amount holding v.
func NewAmount(v uint64) Amount {
	return Amount{Int: *uint256.NewInt(v)}
}

// String renders the amount in base 10.
func (a Amount) String() string {
	return FormatAmount(&a.Int)
}

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a decimal string or a plain JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := ParseAmount(s)
	if err != nil {
		return err
	}
	a.Int = v
	return nil
}
