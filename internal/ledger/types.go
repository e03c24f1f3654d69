package ledger

import (
	"math/big"

	"github.com/Klingon-tech/klingnet-driver/pkg/sumtree"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// Block is a ledger block header as the driver sees it. Time is the block
// timestamp in unix seconds; every deadline is compared against it.
type Block struct {
	Number uint64     `json:"number"`
	Hash   types.Hash `json:"hash"`
	Time   uint64     `json:"time"`
}

// EventKind names a ledger event.
type EventKind string

const (
	EventPhaseChanged          EventKind = "phase_changed"
	EventProposalCreated       EventKind = "proposal_created"
	EventChallengeRequested    EventKind = "challenge_requested"
	EventChallengeAnswered     EventKind = "challenge_answered"
	EventProposalAccepted      EventKind = "proposal_accepted"
	EventProposalRejected      EventKind = "proposal_rejected"
	EventSeedCommitted         EventKind = "seed_committed"
	EventVerificationSucceeded EventKind = "verification_succeeded"
	EventRandomnessSubmitted   EventKind = "randomness_submitted"
)

// Event is a named ledger event. Fields not relevant to Kind are zero.
type Event struct {
	Kind       EventKind     `json:"kind"`
	Contract   types.Address `json:"contract"`
	Generation uint64        `json:"generation,omitempty"`
	Proposer   types.Address `json:"proposer,omitempty"`
	Challenger types.Address `json:"challenger,omitempty"`
	Sender     types.Address `json:"sender,omitempty"`
	Index      uint64        `json:"index,omitempty"`
	Root       types.Hash    `json:"root,omitempty"`
}

// Head is one feed message: a new block and the events it emitted.
type Head struct {
	Block  Block   `json:"block"`
	Events []Event `json:"events"`
}

// Has reports whether the head carries an event of kind.
func (h *Head) Has(kind EventKind) bool {
	for _, e := range h.Events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// Governance is the root governance record: the current generation and the
// contracts serving it. A zero contract address means the phase has no
// contract this generation.
type Governance struct {
	Generation          uint64        `json:"generation"`
	GenerationStart     uint64        `json:"generationStart"`
	NextGenerationStart uint64        `json:"nextGenerationStart"`
	Time                types.Address `json:"time"`
	Currency            types.Address `json:"currency"`
	Community           types.Address `json:"community"`
	Inflation           types.Address `json:"inflation"`
}

// Stage is a governance voting stage.
type Stage uint8

const (
	StageProposing Stage = iota
	StageVoting
	StageRevealing
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageProposing:
		return "proposing"
	case StageVoting:
		return "voting"
	case StageRevealing:
		return "revealing"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// CurrencyState is the monetary policy vote of one generation.
type CurrencyState struct {
	Stage     Stage  `json:"stage"`
	StageEnds uint64 `json:"stageEnds"`
	Computed  bool   `json:"computed"`
}

// CommunityState is the community fund vote of one generation.
type CommunityState struct {
	Stage          Stage  `json:"stage"`
	StageEnds      uint64 `json:"stageEnds"`
	VotingDeployed bool   `json:"votingDeployed"`
	Executed       bool   `json:"executed"`
}

// InflationState is the distribution round of one generation: the snapshot
// dispute and the randomness beacon that follows it.
type InflationState struct {
	SnapshotBlock   uint64       `json:"snapshotBlock"`
	ProposerFee     types.Amount `json:"proposerFee"`
	ChallengeFee    types.Amount `json:"challengeFee"`
	ChallengeWindow uint64       `json:"challengeWindow"`
	ResponseWindow  uint64       `json:"responseWindow"`
	Accepted        bool         `json:"accepted"`
	AcceptedRoot    types.Hash   `json:"acceptedRoot"`
}

// ProposalStatus is the lifecycle of a root hash proposal.
type ProposalStatus uint8

const (
	StatusProposed ProposalStatus = iota
	StatusChallenged
	StatusAccepted
	StatusRejected
)

func (s ProposalStatus) String() string {
	switch s {
	case StatusProposed:
		return "proposed"
	case StatusChallenged:
		return "challenged"
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further calls can change the proposal.
func (s ProposalStatus) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

// Challenge is a request for the proof of one leaf.
type Challenge struct {
	Challenger types.Address `json:"challenger"`
	Index      uint64        `json:"index"`
	Deadline   uint64        `json:"deadline"`
	Answered   bool          `json:"answered"`
}

// Proposal is a root hash proposal as recorded by the ledger.
type Proposal struct {
	Proposer                    types.Address  `json:"proposer"`
	Root                        types.Hash     `json:"root"`
	Total                       types.Amount   `json:"total"`
	Count                       uint64         `json:"count"`
	Time                        uint64         `json:"time"`
	NewChallengerSubmissionEnds uint64         `json:"newChallengerSubmissionEnds"`
	LastLiveChallenge           uint64         `json:"lastLiveChallenge"`
	Pending                     uint64         `json:"pending"`
	Status                      ProposalStatus `json:"status"`
	Challenges                  []Challenge    `json:"challenges"`
	Answers                     []Answer       `json:"answers"`
}

// Answer is a leaf proof accepted in response to a challenge. The sibling
// hashes reveal the proposer's subtrees along the leaf's path.
type Answer struct {
	Index    uint64       `json:"index"`
	Leaf     sumtree.Leaf `json:"leaf"`
	Siblings []types.Hash `json:"siblings"`
}

// Answer returns the answered leaf at index, if any.
func (p *Proposal) Answer(index uint64) (sumtree.Leaf, bool) {
	for _, a := range p.Answers {
		if a.Index == index {
			return a.Leaf, true
		}
	}
	return sumtree.Leaf{}, false
}

// Proof returns the accepted proof for index, if any.
func (p *Proposal) Proof(index uint64) (sumtree.LeafProof, bool) {
	for _, a := range p.Answers {
		if a.Index == index {
			return sumtree.LeafProof{Index: a.Index, Leaf: a.Leaf, Siblings: a.Siblings}, true
		}
	}
	return sumtree.LeafProof{}, false
}

// OpenChallenge returns the unanswered challenge at index, if any.
func (p *Proposal) OpenChallenge(index uint64) (Challenge, bool) {
	for _, c := range p.Challenges {
		if c.Index == index && !c.Answered {
			return c, true
		}
	}
	return Challenge{}, false
}

// ChallengesBy counts the challenges a challenger has issued.
func (p *Proposal) ChallengesBy(challenger types.Address) int {
	n := 0
	for _, c := range p.Challenges {
		if c.Challenger == challenger {
			n++
		}
	}
	return n
}

// Finalizable reports whether Finalize would succeed at ledger time now.
func (p *Proposal) Finalizable(now uint64) bool {
	if p.Status.Terminal() {
		return false
	}
	if p.Missed(now) {
		return true
	}
	return p.Pending == 0 && now >= p.NewChallengerSubmissionEnds && now >= p.LastLiveChallenge
}

// Missed reports whether an open challenge is past its deadline.
func (p *Proposal) Missed(now uint64) bool {
	for _, c := range p.Challenges {
		if !c.Answered && now > c.Deadline {
			return true
		}
	}
	return false
}

// ProverState is one prover's progress through on-ledger VDF verification.
type ProverState struct {
	Y        *big.Int `json:"y,omitempty"`
	Next     int      `json:"next"`
	Verified bool     `json:"verified"`
}

// BeaconState is the randomness beacon of one generation, with the progress
// of the queried prover. A primal whose seed is not committed by
// PrimalDeadline, or a seed without output by SeedDeadline, may be replaced
// by a new primal. Done means the output has been submitted.
type BeaconState struct {
	Difficulty     int           `json:"difficulty"`
	PrimalBlock    uint64        `json:"primalBlock"`
	Primal         *big.Int      `json:"primal,omitempty"`
	PrimalDeadline uint64        `json:"primalDeadline"`
	Seed           *big.Int      `json:"seed,omitempty"`
	SeedDeadline   uint64        `json:"seedDeadline"`
	Prover         ProverState   `json:"prover"`
	Done           bool          `json:"done"`
	Output         types.Hash    `json:"output"`
	Submitter      types.Address `json:"submitter"`
}

// HasPrimal reports whether a primal is committed.
func (b *BeaconState) HasPrimal() bool {
	return b.Primal != nil && b.Primal.Sign() > 0
}

// HasSeed reports whether a seed is committed.
func (b *BeaconState) HasSeed() bool {
	return b.Seed != nil && b.Seed.Sign() > 0
}

// Replaceable reports whether a new primal may be set at ledger time now.
func (b *BeaconState) Replaceable(now uint64) bool {
	switch {
	case b.Done:
		return false
	case !b.HasPrimal():
		return true
	case !b.HasSeed():
		return now >= b.PrimalDeadline
	default:
		return now >= b.SeedDeadline
	}
}
