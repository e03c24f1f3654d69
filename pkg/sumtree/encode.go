package sumtree

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// Balances travel as decimal strings; 256-bit values do not fit JSON numbers.

type accountJSON struct {
	Address types.Address `json:"address"`
	Balance string        `json:"balance"`
}

func (a AccountBalance) MarshalJSON() ([]byte, error) {
	return json.Marshal(accountJSON{Address: a.Address, Balance: types.FormatAmount(&a.Balance)})
}

func (a *AccountBalance) UnmarshalJSON(data []byte) error {
	var in accountJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	bal, err := types.ParseAmount(in.Balance)
	if err != nil {
		return fmt.Errorf("account %s: %w", in.Address, err)
	}
	a.Address, a.Balance = in.Address, bal
	return nil
}

type leafJSON struct {
	Address       types.Address `json:"address"`
	Balance       string        `json:"balance"`
	CumulativeSum string        `json:"cumulativeSum"`
}

func (l Leaf) MarshalJSON() ([]byte, error) {
	return json.Marshal(leafJSON{
		Address:       l.Address,
		Balance:       types.FormatAmount(&l.Balance),
		CumulativeSum: types.FormatAmount(&l.CumulativeSum),
	})
}

func (l *Leaf) UnmarshalJSON(data []byte) error {
	var in leafJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	bal, err := types.ParseAmount(in.Balance)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	cum, err := types.ParseAmount(in.CumulativeSum)
	if err != nil {
		return fmt.Errorf("cumulativeSum: %w", err)
	}
	l.Address, l.Balance, l.CumulativeSum = in.Address, bal, cum
	return nil
}

type proofJSON struct {
	Index    uint64       `json:"index"`
	Leaf     Leaf         `json:"leaf"`
	Siblings []types.Hash `json:"siblings"`
}

func (p LeafProof) MarshalJSON() ([]byte, error) {
	sib := p.Siblings
	if sib == nil {
		sib = []types.Hash{}
	}
	return json.Marshal(proofJSON{Index: p.Index, Leaf: p.Leaf, Siblings: sib})
}

func (p *LeafProof) UnmarshalJSON(data []byte) error {
	var in proofJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	p.Index, p.Leaf, p.Siblings = in.Index, in.Leaf, in.Siblings
	return nil
}
