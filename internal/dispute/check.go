package dispute

import (
	"github.com/Klingon-tech/klingnet-driver/pkg/sumtree"
)

// SelfCheck validates a proof of the driver's own tree the way the ledger
// will, before it is submitted.
func SelfCheck(tree *sumtree.Tree, proof *sumtree.LeafProof) error {
	if err := sumtree.VerifyInclusion(tree.Root(), tree.Count(), proof); err != nil {
		return err
	}
	leaf := &proof.Leaf
	if err := sumtree.CheckBalance(leaf); err != nil {
		return err
	}
	if proof.Index == 0 {
		if err := sumtree.CheckFirst(leaf); err != nil {
			return err
		}
	} else {
		left, err := tree.Leaf(proof.Index - 1)
		if err != nil {
			return err
		}
		if err := sumtree.CheckAdjacent(&left, leaf); err != nil {
			return err
		}
	}
	if proof.Index == tree.Count()-1 {
		total := tree.Total()
		return sumtree.CheckLast(leaf, &total)
	}
	right, err := tree.Leaf(proof.Index + 1)
	if err != nil {
		return err
	}
	return sumtree.CheckAdjacent(leaf, &right)
}
