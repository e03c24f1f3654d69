package vdf

import (
	"encoding/json"
	"fmt"
	"math/big"
)

type proofJSON struct {
	Difficulty int      `json:"difficulty"`
	Y          string   `json:"y"`
	Sequence   []string `json:"sequence"`
}

// MarshalJSON encodes group elements as 0x-prefixed hex.
func (p *Proof) MarshalJSON() ([]byte, error) {
	out := proofJSON{
		Difficulty: p.Difficulty,
		Y:          EncodeElement(p.Y),
		Sequence:   make([]string, len(p.Sequence)),
	}
	for i, mu := range p.Sequence {
		out.Sequence[i] = EncodeElement(mu)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (p *Proof) UnmarshalJSON(data []byte) error {
	var in proofJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	y, err := DecodeElement(in.Y)
	if err != nil {
		return fmt.Errorf("y: %w", err)
	}
	seq := make([]*big.Int, len(in.Sequence))
	for i, s := range in.Sequence {
		if seq[i], err = DecodeElement(s); err != nil {
			return fmt.Errorf("sequence[%d]: %w", i, err)
		}
	}
	p.Difficulty, p.Y, p.Sequence = in.Difficulty, y, seq
	return nil
}

// EncodeElement renders a group element as 0x-prefixed hex.
func EncodeElement(x *big.Int) string {
	if x == nil {
		return "0x0"
	}
	return "0x" + x.Text(16)
}

// DecodeElement parses hex (with or without 0x) or decimal text.
func DecodeElement(s string) (*big.Int, error) {
	x, ok := new(big.Int).SetString(s, 0)
	if !ok {
		if x, ok = new(big.Int).SetString(s, 16); !ok {
			return nil, fmt.Errorf("invalid element %q", s)
		}
	}
	if x.Sign() < 0 {
		return nil, fmt.Errorf("negative element %q", s)
	}
	return x, nil
}
