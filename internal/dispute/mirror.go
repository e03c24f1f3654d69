package dispute

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-driver/internal/ledger"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// Mirror is the driver's local copy of a ledger proposal. It only moves
// forward: Proposed → Challenged* → Accepted | Rejected.
type Mirror struct {
	Proposer                    types.Address
	Root                        types.Hash
	Total                       types.Amount
	Count                       uint64
	Time                        uint64
	NewChallengerSubmissionEnds uint64
	LastLiveChallenge           uint64
	Pending                     uint64
	Status                      ledger.ProposalStatus
}

// NewMirror starts tracking p.
func NewMirror(p *ledger.Proposal) *Mirror {
	m := &Mirror{
		Proposer: p.Proposer,
		Root:     p.Root,
		Total:    p.Total,
		Count:    p.Count,
		Time:     p.Time,
	}
	m.copyMutable(p)
	return m
}

func (m *Mirror) copyMutable(p *ledger.Proposal) {
	m.NewChallengerSubmissionEnds = p.NewChallengerSubmissionEnds
	m.LastLiveChallenge = p.LastLiveChallenge
	m.Pending = p.Pending
	m.Status = p.Status
}

func validTransition(from, to ledger.ProposalStatus) bool {
	switch from {
	case ledger.StatusProposed:
		return true
	case ledger.StatusChallenged:
		return to != ledger.StatusProposed
	default:
		return from == to
	}
}

// Sync applies the ledger's current record. It reports whether the status
// changed, and fails if the record is for a different proposal or moves
// backwards.
func (m *Mirror) Sync(p *ledger.Proposal) (bool, error) {
	if p.Proposer != m.Proposer || p.Root != m.Root || p.Count != m.Count {
		return false, fmt.Errorf("%w: proposer %s root %s", ErrMirrorDiverged, p.Proposer, p.Root.Short())
	}
	if !validTransition(m.Status, p.Status) {
		return false, fmt.Errorf("%w: status %s -> %s", ErrMirrorDiverged, m.Status, p.Status)
	}
	changed := m.Status != p.Status
	m.copyMutable(p)
	return changed, nil
}

// Terminal reports whether the proposal is accepted or rejected.
func (m *Mirror) Terminal() bool {
	return m.Status.Terminal()
}
