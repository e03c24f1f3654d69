package dispute

import (
	"github.com/Klingon-tech/klingnet-driver/internal/ledger"
	"github.com/Klingon-tech/klingnet-driver/pkg/sumtree"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// Search locates the leftmost leaf where an opponent's tree differs from a
// reference tree. It keeps one subtree known to differ and narrows it with
// the sibling hashes of answered challenges. A challenge at a subtree's
// first leaf reveals its whole left spine, so only right turns cost a
// round: at most Depth(count) challenges.
type Search struct {
	ref   *sumtree.Tree
	count uint64

	level int
	pos   uint64

	found     bool
	leaf      uint64
	requested map[uint64]struct{}
}

// NewSearch starts a search against a proposal of count leaves under root.
func NewSearch(ref *sumtree.Tree, root types.Hash, count uint64) *Search {
	s := &Search{
		ref:       ref,
		count:     count,
		level:     sumtree.Depth(count),
		requested: make(map[uint64]struct{}),
	}
	if count == 0 {
		s.finish(0)
		return s
	}
	if ref.SubtreeHash(s.level, 0) == root {
		// Identical leaves up to the opponent's size: the claimed count
		// or total is what disagrees.
		switch n := ref.Count(); {
		case n > count:
			s.finish(count)
		case n < count:
			s.finish(n)
		default:
			s.finish(count - 1)
		}
	}
	return s
}

func (s *Search) finish(leaf uint64) {
	s.found = true
	s.leaf = leaf
}

// Done reports whether the divergent leaf is located.
func (s *Search) Done() bool {
	return s.found
}

// Divergence returns the leftmost differing leaf index. It may equal the
// opponent's count when the opponent stops short of the reference tree.
func (s *Search) Divergence() uint64 {
	return s.leaf
}

// Rounds returns the number of distinct challenges the search asked for.
func (s *Search) Rounds() int {
	return len(s.requested)
}

// Step advances the search with the proposal's accepted answers. It returns
// the leaf index whose proof is needed next, or false once Done.
func (s *Search) Step(p *ledger.Proposal) (uint64, bool) {
	for !s.found {
		start := s.pos << uint(s.level)
		if start >= s.count || s.level == 0 {
			s.finish(start)
			break
		}
		proof, ok := p.Proof(start)
		if !ok {
			s.requested[start] = struct{}{}
			return start, true
		}
		path := proof.PathHashes()
		left := path[s.level-1]
		s.level--
		if left == s.ref.SubtreeHash(s.level, s.pos*2) {
			s.pos = s.pos*2 + 1
		} else {
			s.pos *= 2
		}
	}
	return 0, false
}

// EvidenceKind is the type of a dispute action.
type EvidenceKind uint8

const (
	EvidenceChallenge EvidenceKind = iota
	EvidenceMissing
)

// Evidence is one action that moves a proposal towards rejection.
type Evidence struct {
	Kind    EvidenceKind
	Index   uint64
	Account types.Address
}

// PlanEvidence lists the actions still needed to expose the divergence at
// leaf, given what the proposal has answered so far. It asks for the leaf
// and its left neighbour, whose adjacency check catches ordering and
// running-sum defects, and claims the reference account the proposal
// skipped when the answered leaves leave a gap around it.
func PlanEvidence(ref *sumtree.Tree, p *ledger.Proposal, leaf uint64) []Evidence {
	var out []Evidence
	needs := func(i uint64) bool {
		_, answered := p.Answer(i)
		_, open := p.OpenChallenge(i)
		return !answered && !open
	}
	answered := func(i uint64) bool {
		_, ok := p.Answer(i)
		return ok
	}

	m := p.Count
	if leaf >= m {
		if m > 0 && needs(m-1) {
			out = append(out, Evidence{Kind: EvidenceChallenge, Index: m - 1})
		}
		if ours, err := ref.Leaf(m); err == nil && (m == 0 || answered(m-1)) {
			out = append(out, Evidence{Kind: EvidenceMissing, Index: m, Account: ours.Address})
		}
		return out
	}

	if leaf > 0 && needs(leaf-1) {
		out = append(out, Evidence{Kind: EvidenceChallenge, Index: leaf - 1})
	}
	if needs(leaf) {
		out = append(out, Evidence{Kind: EvidenceChallenge, Index: leaf})
	}
	theirs, ok := p.Answer(leaf)
	if !ok || (leaf > 0 && !answered(leaf-1)) {
		return out
	}
	if ours, err := ref.Leaf(leaf); err == nil && ours.Address.Less(theirs.Address) {
		out = append(out, Evidence{Kind: EvidenceMissing, Index: leaf, Account: ours.Address})
	}
	return out
}
