package types

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// AddressSize is the length of an address in bytes.
const AddressSize = 20

// Address represents a 160-bit ledger account or contract address.
type Address [AddressSize]byte

// IsZero returns true if the address is all zeros.
func (a Address) IsZero() bool {
	return a == Address{}
}

// String returns the canonical form: "0x" followed by 40 lower-case hex characters.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Hex returns the raw hex-encoded address without prefix.
func (a Address) Hex() string {
	return hex.EncodeToString(a[:])
}

// Bytes returns a copy of the address as a byte slice.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressSize)
	copy(b, a[:])
	return b
}

// Compare orders addresses by their big-endian byte value.
// Snapshot leaves are sorted with this ordering.
func (a Address) Compare(b Address) int {
	return bytes.Compare(a[:], b[:])
}

// Less reports whether a sorts strictly before b.
func (a Address) Less(b Address) bool {
	return a.Compare(b) < 0
}

// MarshalJSON encodes the address in canonical form.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes any accepted address literal.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*a = Address{}
		return nil
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler so addresses work as JSON map keys.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress parses an address literal. Accepts an optional "0x"/"0X"
// prefix, surrounding whitespace, and any letter case, but requires exactly
// 40 hex characters. Literals of the wrong length are rejected rather than
// padded or truncated.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("empty address")
	}
	hexStr := s
	if strings.HasPrefix(hexStr, "0x") || strings.HasPrefix(hexStr, "0X") {
		hexStr = hexStr[2:]
	}
	if len(hexStr) != AddressSize*2 {
		return Address{}, fmt.Errorf("address %q must be %d hex characters, got %d", s, AddressSize*2, len(hexStr))
	}
	decoded, err := hex.DecodeString(strings.ToLower(hexStr))
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	var a Address
	copy(a[:], decoded)
	return a, nil
}

// MustParseAddress is like ParseAddress but panics on error.
// Use only for trusted literals (tests, constants).
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// ParseAddressList parses and canonicalizes a list of address literals.
// Duplicates (after canonicalization) are collapsed, order of first
// appearance is preserved. The index of a malformed entry is reported.
func ParseAddressList(list []string) ([]Address, error) {
	seen := make(map[Address]struct{}, len(list))
	out := make([]Address, 0, len(list))
	for i, s := range list {
		a, err := ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out, nil
}
