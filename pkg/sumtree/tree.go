// Package sumtree builds the balance snapshot committed by a root hash
// proposal: a Merkle tree over address-sorted leaves where each leaf carries
// the running sum of every balance before it.
//
// Layout:
//
//	leaf  = H(0x00 ‖ address ‖ balance ‖ cumulativeSum)
//	node  = H(0x01 ‖ left ‖ right), or zero when both children are zero
//
// The leaf layer is padded with zero hashes up to the next power of two, so
// the sibling path of every leaf has exactly Depth(count) entries. Because an
// all-empty subtree hashes to zero at every height, the hash of an aligned
// subtree depends only on the leaves inside it, never on the overall size.
package sumtree

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"github.com/Klingon-tech/klingnet-driver/pkg/crypto"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
	"github.com/holiman/uint256"
)

// Snapshot errors.
var (
	ErrEmptySnapshot    = errors.New("empty snapshot")
	ErrDuplicateAccount = errors.New("duplicate account")
	ErrIndexOutOfRange  = errors.New("index out of range")
	ErrSumOverflow      = errors.New("balance sum overflows 256 bits")
)

// AccountBalance is one (address, balance) pair reported by the balance source.
type AccountBalance struct {
	Address types.Address
	Balance uint256.Int
}

// Leaf is a snapshot leaf.
type Leaf struct {
	Address       types.Address
	Balance       uint256.Int
	CumulativeSum uint256.Int // sum of the balances of all leaves before this one
}

// Hash returns the leaf hash.
func (l *Leaf) Hash() types.Hash {
	bal := l.Balance.Bytes32()
	cum := l.CumulativeSum.Bytes32()
	return crypto.Tagged(crypto.TagLeaf, l.Address[:], bal[:], cum[:])
}

// End returns CumulativeSum + Balance, i.e. the cumulative sum the next leaf
// must carry. The bool is false on overflow.
func (l *Leaf) End() (uint256.Int, bool) {
	var end uint256.Int
	_, overflow := end.AddOverflow(&l.CumulativeSum, &l.Balance)
	return end, !overflow
}

// Equal reports whether two leaves carry identical data.
func (l *Leaf) Equal(o *Leaf) bool {
	return l.Address == o.Address && l.Balance.Eq(&o.Balance) && l.CumulativeSum.Eq(&o.CumulativeSum)
}

// Tree is an immutable balance snapshot.
type Tree struct {
	leaves []Leaf
	levels [][]types.Hash  // levels[0] padded leaf hashes, levels[depth] = {root}
	sums   [][]uint256.Int // subtree sums, same shape as levels
	depth  int
}

// Depth returns the sibling path length for a tree of count leaves,
// ceil(log2(count)). A single-leaf tree has depth 0.
func Depth(count uint64) int {
	if count <= 1 {
		return 0
	}
	return bits.Len64(count - 1)
}

// Builder builds trees, dropping a fixed set of non-distributable addresses.
type Builder struct {
	exclude map[types.Address]struct{}
}

// NewBuilder returns a builder that ignores every address in exclude.
func NewBuilder(exclude []types.Address) *Builder {
	b := &Builder{exclude: make(map[types.Address]struct{}, len(exclude))}
	for _, a := range exclude {
		b.exclude[a] = struct{}{}
	}
	return b
}

// Build builds a tree with no excluded addresses.
func Build(accounts []AccountBalance) (*Tree, error) {
	return NewBuilder(nil).Build(accounts)
}

// Build sorts, deduplicates and filters accounts and builds the tree.
// Entries repeating an address with the same balance collapse into one;
// repeats with different balances fail with ErrDuplicateAccount.
// Zero balances and excluded addresses are dropped.
func (b *Builder) Build(accounts []AccountBalance) (*Tree, error) {
	sorted := make([]AccountBalance, len(accounts))
	copy(sorted, accounts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Address.Less(sorted[j].Address)
	})

	leaves := make([]Leaf, 0, len(sorted))
	var sum uint256.Int
	for i := range sorted {
		acct := &sorted[i]
		if i > 0 && sorted[i-1].Address == acct.Address {
			if !sorted[i-1].Balance.Eq(&acct.Balance) {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateAccount, acct.Address)
			}
			continue
		}
		if acct.Balance.IsZero() {
			continue
		}
		if _, skip := b.exclude[acct.Address]; skip {
			continue
		}
		leaves = append(leaves, Leaf{
			Address:       acct.Address,
			Balance:       acct.Balance,
			CumulativeSum: sum,
		})
		if _, overflow := sum.AddOverflow(&sum, &acct.Balance); overflow {
			return nil, ErrSumOverflow
		}
	}
	if len(leaves) == 0 {
		return nil, ErrEmptySnapshot
	}
	return newTree(leaves), nil
}

func newTree(leaves []Leaf) *Tree {
	depth := Depth(uint64(len(leaves)))
	width := 1 << depth

	t := &Tree{
		leaves: leaves,
		levels: make([][]types.Hash, depth+1),
		sums:   make([][]uint256.Int, depth+1),
		depth:  depth,
	}
	t.levels[0] = make([]types.Hash, width)
	t.sums[0] = make([]uint256.Int, width)
	for i := range leaves {
		t.levels[0][i] = leaves[i].Hash()
		t.sums[0][i] = leaves[i].Balance
	}
	for level := 1; level <= depth; level++ {
		below, belowSums := t.levels[level-1], t.sums[level-1]
		n := len(below) / 2
		t.levels[level] = make([]types.Hash, n)
		t.sums[level] = make([]uint256.Int, n)
		for i := 0; i < n; i++ {
			t.levels[level][i] = nodeHash(below[2*i], below[2*i+1])
			t.sums[level][i].Add(&belowSums[2*i], &belowSums[2*i+1])
		}
	}
	return t
}

// nodeHash combines two children. Empty subtrees stay zero at every height.
func nodeHash(left, right types.Hash) types.Hash {
	if left.IsZero() && right.IsZero() {
		return types.Hash{}
	}
	return crypto.Tagged(crypto.TagNode, left[:], right[:])
}

// Root returns the root hash.
func (t *Tree) Root() types.Hash {
	return t.levels[t.depth][0]
}

// Total returns the sum of all balances (the root sum).
func (t *Tree) Total() uint256.Int {
	return t.sums[t.depth][0]
}

// Count returns the number of leaves.
func (t *Tree) Count() uint64 {
	return uint64(len(t.leaves))
}

// Depth returns the length of every sibling path.
func (t *Tree) Depth() int {
	return t.depth
}

// Leaf returns a copy of the leaf at index.
func (t *Tree) Leaf(index uint64) (Leaf, error) {
	if index >= t.Count() {
		return Leaf{}, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, t.Count())
	}
	return t.leaves[index], nil
}

// Accounts returns the (address, balance) pairs the tree was built from,
// after filtering. Build(tree.Accounts()) reproduces the tree.
func (t *Tree) Accounts() []AccountBalance {
	out := make([]AccountBalance, len(t.leaves))
	for i := range t.leaves {
		out[i] = AccountBalance{Address: t.leaves[i].Address, Balance: t.leaves[i].Balance}
	}
	return out
}

// Find returns the index of address, or the index it would be inserted at
// and false when it is not in the snapshot.
func (t *Tree) Find(addr types.Address) (uint64, bool) {
	i := sort.Search(len(t.leaves), func(i int) bool {
		return !t.leaves[i].Address.Less(addr)
	})
	found := i < len(t.leaves) && t.leaves[i].Address == addr
	return uint64(i), found
}

// NodeSum returns the sum of balances under the node at (level, position).
// Positions past the padded width are empty and sum to zero.
func (t *Tree) NodeSum(level int, pos uint64) uint256.Int {
	if level < 0 || level > t.depth || pos >= uint64(len(t.sums[level])) {
		if level > t.depth && pos == 0 {
			return t.Total()
		}
		return uint256.Int{}
	}
	return t.sums[level][pos]
}

// SubtreeHash returns the hash of the aligned subtree of height level that
// covers leaves [pos<<level, (pos+1)<<level). Heights above the tree's own
// depth are answered as if the tree were padded further.
func (t *Tree) SubtreeHash(level int, pos uint64) types.Hash {
	if level < 0 {
		return types.Hash{}
	}
	if level <= t.depth {
		if pos >= uint64(len(t.levels[level])) {
			return types.Hash{}
		}
		return t.levels[level][pos]
	}
	if pos != 0 {
		return types.Hash{}
	}
	h := t.Root()
	for l := t.depth; l < level; l++ {
		h = nodeHash(h, types.Hash{})
	}
	return h
}

// LeafProof is the answer to a challenge: the leaf and its sibling path.
type LeafProof struct {
	Index    uint64
	Leaf     Leaf
	Siblings []types.Hash // leaf level first
}

// ProveLeaf returns the leaf at index with its sibling path.
func (t *Tree) ProveLeaf(index uint64) (*LeafProof, error) {
	leaf, err := t.Leaf(index)
	if err != nil {
		return nil, err
	}
	siblings := make([]types.Hash, t.depth)
	pos := index
	for level := 0; level < t.depth; level++ {
		siblings[level] = t.levels[level][pos^1]
		pos >>= 1
	}
	return &LeafProof{Index: index, Leaf: leaf, Siblings: siblings}, nil
}

// PathHashes returns the hashes of the nodes on the proof's path, from the
// leaf (index 0) up to the root it implies (index len(Siblings)).
func (p *LeafProof) PathHashes() []types.Hash {
	out := make([]types.Hash, len(p.Siblings)+1)
	h := p.Leaf.Hash()
	out[0] = h
	pos := p.Index
	for level, sib := range p.Siblings {
		if pos&1 == 0 {
			h = nodeHash(h, sib)
		} else {
			h = nodeHash(sib, h)
		}
		out[level+1] = h
		pos >>= 1
	}
	return out
}

// ImpliedRoot returns the root the proof hashes up to.
func (p *LeafProof) ImpliedRoot() types.Hash {
	path := p.PathHashes()
	return path[len(path)-1]
}
