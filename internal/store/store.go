// Package store persists the driver's own work so that a restart can keep
// defending a proposal and does not recompute a finished VDF proof.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/Klingon-tech/klingnet-driver/internal/storage"
	"github.com/Klingon-tech/klingnet-driver/pkg/sumtree"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
	"github.com/Klingon-tech/klingnet-driver/pkg/vdf"
)

// ErrNotFound is returned when nothing is stored under the requested key.
var ErrNotFound = errors.New("not found")

var (
	prefixTrees  = []byte("t/")
	prefixProofs = []byte("v/")
	prefixMeta   = []byte("m/")

	keyGeneration = []byte("generation")
)

// Store keeps snapshot trees, VDF proofs and driver metadata.
type Store struct {
	trees  *storage.PrefixDB
	proofs *storage.PrefixDB
	meta   *storage.PrefixDB
}

// New returns a store over db.
func New(db storage.DB) *Store {
	return &Store{
		trees:  storage.NewPrefixDB(db, prefixTrees),
		proofs: storage.NewPrefixDB(db, prefixProofs),
		meta:   storage.NewPrefixDB(db, prefixMeta),
	}
}

// treeKey is generation(8, BE) ‖ root, so a generation's trees are contiguous.
func treeKey(generation uint64, root types.Hash) []byte {
	k := make([]byte, 8+types.HashSize)
	binary.BigEndian.PutUint64(k, generation)
	copy(k[8:], root[:])
	return k
}

// PutTree stores the accounts a tree was built from.
func (s *Store) PutTree(generation uint64, tree *sumtree.Tree) error {
	data, err := json.Marshal(tree.Accounts())
	if err != nil {
		return fmt.Errorf("encode tree: %w", err)
	}
	return s.trees.Put(treeKey(generation, tree.Root()), data)
}

// Tree rebuilds the stored tree with the given root.
func (s *Store) Tree(generation uint64, root types.Hash) (*sumtree.Tree, error) {
	data, err := s.trees.Get(treeKey(generation, root))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var accounts []sumtree.AccountBalance
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	tree, err := sumtree.Build(accounts)
	if err != nil {
		return nil, fmt.Errorf("rebuild tree: %w", err)
	}
	if tree.Root() != root {
		return nil, fmt.Errorf("stored tree root %s does not match key %s", tree.Root(), root)
	}
	return tree, nil
}

// PruneTrees deletes every tree stored for generations before keep.
func (s *Store) PruneTrees(keep uint64) (int, error) {
	batch := s.trees.NewBatch()
	n := 0
	err := s.trees.ForEach(nil, func(key, _ []byte) error {
		if len(key) < 8 || binary.BigEndian.Uint64(key[:8]) >= keep {
			return nil
		}
		n++
		return batch.Delete(key)
	})
	if err != nil {
		return 0, err
	}
	return n, batch.Commit()
}

func proofKey(seed *big.Int, difficulty int) []byte {
	return []byte(fmt.Sprintf("%d/%s", difficulty, seed.Text(16)))
}

// PutProof stores a finished VDF proof for seed.
func (s *Store) PutProof(seed *big.Int, proof *vdf.Proof) error {
	data, err := json.Marshal(proof)
	if err != nil {
		return fmt.Errorf("encode proof: %w", err)
	}
	return s.proofs.Put(proofKey(seed, proof.Difficulty), data)
}

// Proof returns the stored proof for (seed, difficulty).
func (s *Store) Proof(seed *big.Int, difficulty int) (*vdf.Proof, error) {
	data, err := s.proofs.Get(proofKey(seed, difficulty))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var p vdf.Proof
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode proof: %w", err)
	}
	return &p, nil
}

// SetGeneration records the last generation the driver initialized against.
func (s *Store) SetGeneration(g uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], g)
	return s.meta.Put(keyGeneration, b[:])
}

// Generation returns the last recorded generation, or ErrNotFound.
func (s *Store) Generation() (uint64, error) {
	data, err := s.meta.Get(keyGeneration)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt generation record (%d bytes)", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}
