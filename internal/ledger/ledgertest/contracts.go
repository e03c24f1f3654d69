package ledgertest

import (
	"math/big"

	"github.com/Klingon-tech/klingnet-driver/internal/ledger"
	"github.com/Klingon-tech/klingnet-driver/pkg/sumtree"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
	"github.com/Klingon-tech/klingnet-driver/pkg/vdf"
)

func (s *Sim) execTime(tx *ledger.Tx) ([]ledger.Event, error) {
	if tx.Method != ledger.MethodIncrementGeneration {
		return nil, revert(tx.Method, ledger.ReasonUnknownMethod)
	}
	if s.now() < s.gov.NextGenerationStart {
		return nil, revert(tx.Method, ledger.ReasonTooEarly)
	}
	s.startGeneration(s.gov.Generation + 1)
	return []ledger.Event{{
		Kind:       ledger.EventPhaseChanged,
		Contract:   TimeContract,
		Generation: s.gov.Generation,
		Sender:     tx.From,
	}}, nil
}

func (s *Sim) execCurrency(tx *ledger.Tx) ([]ledger.Event, error) {
	c := &s.currency
	switch tx.Method {
	case ledger.MethodUpdateStage:
		if c.Stage == ledger.StageDone {
			return nil, revert(tx.Method, ledger.ReasonDuplicate)
		}
		if s.now() < c.StageEnds {
			return nil, revert(tx.Method, ledger.ReasonTooEarly)
		}
		c.Stage++
		c.StageEnds = s.now() + s.cfg.StageLength
	case ledger.MethodCompute:
		if c.Stage != ledger.StageDone {
			return nil, revert(tx.Method, ledger.ReasonWrongStage)
		}
		if c.Computed {
			return nil, revert(tx.Method, ledger.ReasonDuplicate)
		}
		c.Computed = true
	default:
		return nil, revert(tx.Method, ledger.ReasonUnknownMethod)
	}
	return nil, nil
}

func (s *Sim) execCommunity(tx *ledger.Tx) ([]ledger.Event, error) {
	c := &s.community
	switch tx.Method {
	case ledger.MethodDeployVoting:
		if c.VotingDeployed {
			return nil, revert(tx.Method, ledger.ReasonDuplicate)
		}
		if s.now() < c.StageEnds {
			return nil, revert(tx.Method, ledger.ReasonTooEarly)
		}
		c.VotingDeployed = true
		c.Stage = ledger.StageVoting
		c.StageEnds = s.now() + s.cfg.StageLength
	case ledger.MethodUpdateStage:
		switch {
		case c.Stage == ledger.StageProposing:
			return nil, revert(tx.Method, ledger.ReasonWrongStage)
		case c.Stage == ledger.StageDone:
			return nil, revert(tx.Method, ledger.ReasonDuplicate)
		case s.now() < c.StageEnds:
			return nil, revert(tx.Method, ledger.ReasonTooEarly)
		}
		c.Stage = ledger.StageDone
	case ledger.MethodExecuteVote:
		if c.Stage != ledger.StageDone {
			return nil, revert(tx.Method, ledger.ReasonWrongStage)
		}
		if c.Executed {
			return nil, revert(tx.Method, ledger.ReasonDuplicate)
		}
		c.Executed = true
	default:
		return nil, revert(tx.Method, ledger.ReasonUnknownMethod)
	}
	return nil, nil
}

type inflation struct {
	state     ledger.InflationState
	proposals map[types.Address]*ledger.Proposal
	order     []types.Address
	beacon    beacon
}

func (s *Sim) execInflation(tx *ledger.Tx) ([]ledger.Event, error) {
	switch tx.Method {
	case ledger.MethodProposeRoot:
		var p ledger.ProposeParams
		if err := tx.DecodeParams(&p); err != nil {
			return nil, revert(tx.Method, ledger.ReasonBadParams)
		}
		return s.propose(tx, p)
	case ledger.MethodChallenge:
		var p ledger.ChallengeParams
		if err := tx.DecodeParams(&p); err != nil {
			return nil, revert(tx.Method, ledger.ReasonBadParams)
		}
		return s.challenge(tx, p)
	case ledger.MethodRespond:
		var p ledger.RespondParams
		if err := tx.DecodeParams(&p); err != nil {
			return nil, revert(tx.Method, ledger.ReasonBadParams)
		}
		return s.respond(tx, p)
	case ledger.MethodClaimMissing:
		var p ledger.ClaimMissingParams
		if err := tx.DecodeParams(&p); err != nil {
			return nil, revert(tx.Method, ledger.ReasonBadParams)
		}
		return s.claimMissing(tx, p)
	case ledger.MethodFinalize:
		var p ledger.FinalizeParams
		if err := tx.DecodeParams(&p); err != nil {
			return nil, revert(tx.Method, ledger.ReasonBadParams)
		}
		return s.finalize(tx, p)
	case ledger.MethodSetPrimal:
		var p ledger.SetPrimalParams
		if err := tx.DecodeParams(&p); err != nil {
			return nil, revert(tx.Method, ledger.ReasonBadParams)
		}
		return s.setPrimal(tx, p)
	case ledger.MethodCommitSeed:
		var p ledger.CommitSeedParams
		if err := tx.DecodeParams(&p); err != nil {
			return nil, revert(tx.Method, ledger.ReasonBadParams)
		}
		return s.commitSeed(tx, p)
	case ledger.MethodStartVDF:
		var p ledger.StartVDFParams
		if err := tx.DecodeParams(&p); err != nil {
			return nil, revert(tx.Method, ledger.ReasonBadParams)
		}
		return s.startVDF(tx, p)
	case ledger.MethodUpdateVDF:
		var p ledger.UpdateVDFParams
		if err := tx.DecodeParams(&p); err != nil {
			return nil, revert(tx.Method, ledger.ReasonBadParams)
		}
		return s.updateVDF(tx, p)
	case ledger.MethodSubmitVDF:
		var p ledger.SubmitVDFParams
		if err := tx.DecodeParams(&p); err != nil {
			return nil, revert(tx.Method, ledger.ReasonBadParams)
		}
		return s.submitVDF(tx, p)
	default:
		return nil, revert(tx.Method, ledger.ReasonUnknownMethod)
	}
}

func (s *Sim) proposalEvent(kind ledger.EventKind, p *ledger.Proposal) ledger.Event {
	return ledger.Event{
		Kind:       kind,
		Contract:   s.gov.Inflation,
		Generation: s.gov.Generation,
		Proposer:   p.Proposer,
		Root:       p.Root,
	}
}

func (s *Sim) reject(p *ledger.Proposal) []ledger.Event {
	p.Status = ledger.StatusRejected
	return []ledger.Event{s.proposalEvent(ledger.EventProposalRejected, p)}
}

// open returns the proposal by proposer if it can still change.
func (s *Sim) open(m ledger.Method, proposer types.Address) (*ledger.Proposal, error) {
	p, ok := s.infl.proposals[proposer]
	if !ok {
		return nil, revert(m, ledger.ReasonNoProposal)
	}
	if p.Status.Terminal() {
		return nil, revert(m, ledger.ReasonClosed)
	}
	return p, nil
}

func (s *Sim) propose(tx *ledger.Tx, params ledger.ProposeParams) ([]ledger.Event, error) {
	st := &s.infl.state
	if st.Accepted {
		return nil, revert(tx.Method, ledger.ReasonClosed)
	}
	if _, ok := s.infl.proposals[tx.From]; ok {
		return nil, revert(tx.Method, ledger.ReasonDuplicate)
	}
	for _, p := range s.infl.proposals {
		if p.Root == params.Root {
			return nil, revert(tx.Method, ledger.ReasonDuplicate)
		}
	}
	if params.Count == 0 || params.Total.IsZero() {
		return nil, revert(tx.Method, ledger.ReasonBadParams)
	}
	if !s.charge(tx.From, &st.ProposerFee.Int) {
		return nil, revert(tx.Method, ledger.ReasonInsufficientFee)
	}
	now := s.now()
	p := &ledger.Proposal{
		Proposer:                    tx.From,
		Root:                        params.Root,
		Total:                       params.Total,
		Count:                       params.Count,
		Time:                        now,
		NewChallengerSubmissionEnds: now + st.ChallengeWindow,
		LastLiveChallenge:           now,
		Status:                      ledger.StatusProposed,
	}
	s.infl.proposals[tx.From] = p
	s.infl.order = append(s.infl.order, tx.From)
	return []ledger.Event{s.proposalEvent(ledger.EventProposalCreated, p)}, nil
}

// ChallengeLimit is the most challenges one challenger may issue against a
// proposal of count leaves: a full search plus both neighbours.
func ChallengeLimit(count uint64) int {
	return 2 * (sumtree.Depth(count) + 2)
}

func (s *Sim) challenge(tx *ledger.Tx, params ledger.ChallengeParams) ([]ledger.Event, error) {
	p, err := s.open(tx.Method, params.Proposer)
	if err != nil {
		return nil, err
	}
	if tx.From == p.Proposer {
		return nil, revert(tx.Method, ledger.ReasonUnauthorized)
	}
	if params.Index >= p.Count {
		return nil, revert(tx.Method, ledger.ReasonBadParams)
	}
	now := s.now()
	issued := p.ChallengesBy(tx.From)
	inWindow := now < p.NewChallengerSubmissionEnds || (issued > 0 && now < p.LastLiveChallenge)
	if !inWindow {
		return nil, revert(tx.Method, ledger.ReasonTooLate)
	}
	if issued >= ChallengeLimit(p.Count) {
		return nil, revert(tx.Method, ledger.ReasonChallengeLimit)
	}
	if _, answered := p.Answer(params.Index); answered {
		return nil, revert(tx.Method, ledger.ReasonDuplicate)
	}
	if _, open := p.OpenChallenge(params.Index); open {
		return nil, revert(tx.Method, ledger.ReasonDuplicate)
	}
	if !s.charge(tx.From, &s.infl.state.ChallengeFee.Int) {
		return nil, revert(tx.Method, ledger.ReasonInsufficientFee)
	}

	deadline := now + s.infl.state.ResponseWindow
	p.Challenges = append(p.Challenges, ledger.Challenge{
		Challenger: tx.From,
		Index:      params.Index,
		Deadline:   deadline,
	})
	p.Pending++
	if deadline > p.LastLiveChallenge {
		p.LastLiveChallenge = deadline
	}
	p.Status = ledger.StatusChallenged

	ev := s.proposalEvent(ledger.EventChallengeRequested, p)
	ev.Challenger = tx.From
	ev.Index = params.Index
	return []ledger.Event{ev}, nil
}

// checkAnswer applies every leaf check the contract enforces.
func (s *Sim) checkAnswer(p *ledger.Proposal, proof *sumtree.LeafProof) error {
	if err := sumtree.VerifyInclusion(p.Root, p.Count, proof); err != nil {
		return err
	}
	leaf := &proof.Leaf
	if err := sumtree.CheckBalance(leaf); err != nil {
		return err
	}
	bal := s.balanceAt(s.infl.state.SnapshotBlock, leaf.Address)
	if s.excluded[leaf.Address] || !bal.Eq(&leaf.Balance) {
		return sumtree.ErrZeroBalance
	}
	if proof.Index == 0 {
		if err := sumtree.CheckFirst(leaf); err != nil {
			return err
		}
	}
	if proof.Index == p.Count-1 {
		if err := sumtree.CheckLast(leaf, &p.Total.Int); err != nil {
			return err
		}
	}
	if proof.Index > 0 {
		if left, ok := p.Answer(proof.Index - 1); ok {
			if err := sumtree.CheckAdjacent(&left, leaf); err != nil {
				return err
			}
		}
	}
	if right, ok := p.Answer(proof.Index + 1); ok {
		if err := sumtree.CheckAdjacent(leaf, &right); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sim) respond(tx *ledger.Tx, params ledger.RespondParams) ([]ledger.Event, error) {
	p, err := s.open(tx.Method, tx.From)
	if err != nil {
		return nil, err
	}
	ci := -1
	for i, c := range p.Challenges {
		if !c.Answered && c.Index == params.Proof.Index && c.Challenger == params.Challenger {
			ci = i
			break
		}
	}
	if ci < 0 {
		return nil, revert(tx.Method, ledger.ReasonNoChallenge)
	}
	if s.now() > p.Challenges[ci].Deadline {
		return nil, revert(tx.Method, ledger.ReasonTooLate)
	}
	if err := s.checkAnswer(p, &params.Proof); err != nil {
		return s.reject(p), nil
	}

	p.Challenges[ci].Answered = true
	p.Pending--
	p.Answers = append(p.Answers, ledger.Answer{
		Index:    params.Proof.Index,
		Leaf:     params.Proof.Leaf,
		Siblings: params.Proof.Siblings,
	})

	ev := s.proposalEvent(ledger.EventChallengeAnswered, p)
	ev.Challenger = params.Challenger
	ev.Index = params.Proof.Index
	return []ledger.Event{ev}, nil
}

func (s *Sim) claimMissing(tx *ledger.Tx, params ledger.ClaimMissingParams) ([]ledger.Event, error) {
	p, err := s.open(tx.Method, params.Proposer)
	if err != nil {
		return nil, err
	}
	if params.Index > p.Count {
		return nil, revert(tx.Method, ledger.ReasonBadParams)
	}
	var left, right *sumtree.Leaf
	if params.Index > 0 {
		l, ok := p.Answer(params.Index - 1)
		if !ok {
			return nil, revert(tx.Method, ledger.ReasonNeedsAnswers)
		}
		left = &l
	}
	if params.Index < p.Count {
		r, ok := p.Answer(params.Index)
		if !ok {
			return nil, revert(tx.Method, ledger.ReasonNeedsAnswers)
		}
		right = &r
	}
	if err := sumtree.CheckMissing(left, right, params.Account); err != nil {
		return nil, revert(tx.Method, ledger.ReasonNotInGap)
	}
	bal := s.balanceAt(s.infl.state.SnapshotBlock, params.Account)
	if bal.IsZero() || s.excluded[params.Account] {
		return nil, revert(tx.Method, ledger.ReasonAccountEmpty)
	}
	return s.reject(p), nil
}

func (s *Sim) finalize(tx *ledger.Tx, params ledger.FinalizeParams) ([]ledger.Event, error) {
	p, err := s.open(tx.Method, params.Proposer)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if p.Missed(now) {
		return s.reject(p), nil
	}
	if !p.Finalizable(now) {
		return nil, revert(tx.Method, ledger.ReasonTooEarly)
	}
	st := &s.infl.state
	if st.Accepted {
		return nil, revert(tx.Method, ledger.ReasonClosed)
	}
	p.Status = ledger.StatusAccepted
	st.Accepted = true
	st.AcceptedRoot = p.Root
	return []ledger.Event{s.proposalEvent(ledger.EventProposalAccepted, p)}, nil
}

type prover struct {
	y        *big.Int
	verifier *vdf.Verifier
}

type beacon struct {
	primalBlock    uint64
	primal         *big.Int
	primalDeadline uint64
	seed           *big.Int
	seedDeadline   uint64
	provers        map[types.Address]*prover
	done           bool
	output         types.Hash
	submitter      types.Address
}

func (b *beacon) state(difficulty int, addr types.Address) ledger.BeaconState {
	st := ledger.BeaconState{
		Difficulty:     difficulty,
		PrimalBlock:    b.primalBlock,
		Primal:         bigCopy(b.primal),
		PrimalDeadline: b.primalDeadline,
		Seed:           bigCopy(b.seed),
		SeedDeadline:   b.seedDeadline,
		Done:           b.done,
		Output:         b.output,
		Submitter:      b.submitter,
	}
	if p, ok := b.provers[addr]; ok {
		st.Prover = ledger.ProverState{
			Y:        bigCopy(p.y),
			Next:     p.verifier.Next(),
			Verified: p.verifier.Verified(),
		}
	}
	return st
}

func (s *Sim) beaconEvent(kind ledger.EventKind, sender types.Address) ledger.Event {
	return ledger.Event{Kind: kind, Contract: s.gov.Inflation, Generation: s.gov.Generation, Sender: sender}
}

func (s *Sim) setPrimal(tx *ledger.Tx, params ledger.SetPrimalParams) ([]ledger.Event, error) {
	b := &s.infl.beacon
	st := b.state(s.cfg.Difficulty, tx.From)
	if !st.Replaceable(s.now()) {
		return nil, revert(tx.Method, ledger.ReasonDuplicate)
	}
	if params.Block >= uint64(len(s.blocks)) || params.Block < s.infl.state.SnapshotBlock {
		return nil, revert(tx.Method, ledger.ReasonBadParams)
	}
	if !vdf.IsPrimal(s.blocks[params.Block].Hash, params.Primal) {
		return nil, revert(tx.Method, ledger.ReasonBadPrimal)
	}
	*b = beacon{
		primalBlock:    params.Block,
		primal:         bigCopy(params.Primal),
		primalDeadline: s.now() + s.cfg.SeedWindow,
		provers:        make(map[types.Address]*prover),
	}
	return nil, nil
}

func (s *Sim) commitSeed(tx *ledger.Tx, params ledger.CommitSeedParams) ([]ledger.Event, error) {
	b := &s.infl.beacon
	switch {
	case b.primal == nil:
		return nil, revert(tx.Method, ledger.ReasonWrongStage)
	case b.seed != nil:
		return nil, revert(tx.Method, ledger.ReasonDuplicate)
	case params.Seed == nil || vdf.Seed(b.primal).Cmp(params.Seed) != 0:
		return nil, revert(tx.Method, ledger.ReasonBadSeed)
	}
	b.seed = bigCopy(params.Seed)
	b.seedDeadline = s.now() + s.cfg.SeedWindow
	return []ledger.Event{s.beaconEvent(ledger.EventSeedCommitted, tx.From)}, nil
}

// live checks the beacon accepts prover traffic.
func (s *Sim) live(m ledger.Method) error {
	b := &s.infl.beacon
	switch {
	case b.done:
		return revert(m, ledger.ReasonDuplicate)
	case b.seed == nil:
		return revert(m, ledger.ReasonWrongStage)
	case s.now() >= b.seedDeadline:
		return revert(m, ledger.ReasonTooLate)
	}
	return nil
}

func (s *Sim) startVDF(tx *ledger.Tx, params ledger.StartVDFParams) ([]ledger.Event, error) {
	if err := s.live(tx.Method); err != nil {
		return nil, err
	}
	b := &s.infl.beacon
	if params.Y == nil {
		return nil, revert(tx.Method, ledger.ReasonBadParams)
	}
	v, err := vdf.Start(b.seed, s.cfg.Difficulty, params.Y)
	if err != nil {
		return nil, revert(tx.Method, ledger.ReasonBadProof)
	}
	b.provers[tx.From] = &prover{y: bigCopy(params.Y), verifier: v}
	if v.Verified() {
		return []ledger.Event{s.beaconEvent(ledger.EventVerificationSucceeded, tx.From)}, nil
	}
	return nil, nil
}

func (s *Sim) updateVDF(tx *ledger.Tx, params ledger.UpdateVDFParams) ([]ledger.Event, error) {
	if err := s.live(tx.Method); err != nil {
		return nil, err
	}
	p, ok := s.infl.beacon.provers[tx.From]
	if !ok {
		return nil, revert(tx.Method, ledger.ReasonWrongStage)
	}
	if params.U == nil || p.verifier.Update(params.Index, params.U) != nil {
		return nil, revert(tx.Method, ledger.ReasonBadProof)
	}
	if p.verifier.Verified() {
		return []ledger.Event{s.beaconEvent(ledger.EventVerificationSucceeded, tx.From)}, nil
	}
	return nil, nil
}

func (s *Sim) submitVDF(tx *ledger.Tx, params ledger.SubmitVDFParams) ([]ledger.Event, error) {
	if err := s.live(tx.Method); err != nil {
		return nil, err
	}
	b := &s.infl.beacon
	p, ok := b.provers[tx.From]
	if !ok || !p.verifier.Verified() {
		return nil, revert(tx.Method, ledger.ReasonNotVerified)
	}
	if vdf.Output(p.y) != params.Output {
		return nil, revert(tx.Method, ledger.ReasonBadProof)
	}
	b.done = true
	b.output = params.Output
	b.submitter = tx.From
	return []ledger.Event{s.beaconEvent(ledger.EventRandomnessSubmitted, tx.From)}, nil
}
