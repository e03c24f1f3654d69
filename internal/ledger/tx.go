package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/Klingon-tech/klingnet-driver/pkg/crypto"
	"github.com/Klingon-tech/klingnet-driver/pkg/sumtree"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// Method names a contract entry point.
type Method string

const (
	// Time contract.
	MethodIncrementGeneration Method = "incrementGeneration"
	// Currency and community contracts.
	MethodUpdateStage  Method = "updateStage"
	MethodCompute      Method = "compute"
	MethodDeployVoting Method = "deployVoting"
	MethodExecuteVote  Method = "executeVote"
	// Inflation contract, snapshot dispute.
	MethodProposeRoot  Method = "proposeRoot"
	MethodChallenge    Method = "challenge"
	MethodRespond      Method = "respond"
	MethodClaimMissing Method = "claimMissingAccount"
	MethodFinalize     Method = "finalize"
	// Inflation contract, randomness beacon.
	MethodSetPrimal  Method = "setPrimal"
	MethodCommitSeed Method = "commitSeed"
	MethodStartVDF   Method = "startVDF"
	MethodUpdateVDF  Method = "updateVDF"
	MethodSubmitVDF  Method = "submitVDF"
)

// ProposeParams proposes a snapshot root.
type ProposeParams struct {
	Root  types.Hash   `json:"root"`
	Total types.Amount `json:"total"`
	Count uint64       `json:"count"`
}

// ChallengeParams requests the proof of a leaf.
type ChallengeParams struct {
	Proposer types.Address `json:"proposer"`
	Index    uint64        `json:"index"`
}

// RespondParams answers a challenge.
type RespondParams struct {
	Challenger types.Address     `json:"challenger"`
	Proof      sumtree.LeafProof `json:"proof"`
}

// ClaimMissingParams claims account is absent between answered leaves
// Index-1 and Index.
type ClaimMissingParams struct {
	Proposer types.Address `json:"proposer"`
	Index    uint64        `json:"index"`
	Account  types.Address `json:"account"`
}

// FinalizeParams settles a proposal.
type FinalizeParams struct {
	Proposer types.Address `json:"proposer"`
}

// SetPrimalParams commits the primal derived from a block hash.
type SetPrimalParams struct {
	Block  uint64   `json:"block"`
	Primal *big.Int `json:"primal"`
}

// CommitSeedParams commits the VDF seed derived from the primal.
type CommitSeedParams struct {
	Seed *big.Int `json:"seed"`
}

// StartVDFParams starts verification of an output.
type StartVDFParams struct {
	Y *big.Int `json:"y"`
}

// UpdateVDFParams submits one proof sequence entry (1-based).
type UpdateVDFParams struct {
	Index int      `json:"index"`
	U     *big.Int `json:"u"`
}

// SubmitVDFParams submits the randomness derived from a verified output.
type SubmitVDFParams struct {
	Output types.Hash `json:"output"`
}

// Tx is a signed contract call.
type Tx struct {
	From     types.Address   `json:"from"`
	Nonce    uint64          `json:"nonce"`
	Contract types.Address   `json:"contract"`
	Method   Method          `json:"method"`
	Params   json.RawMessage `json:"params"`
	PubKey   []byte          `json:"pubkey"`
	Sig      []byte          `json:"sig"`
}

// NewTx builds an unsigned call with params encoded as JSON.
func NewTx(contract types.Address, method Method, params any) (*Tx, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	return &Tx{Contract: contract, Method: method, Params: raw}, nil
}

// Hash is the signing hash over every field except the signature.
func (tx *Tx) Hash() types.Hash {
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], tx.Nonce)
	return crypto.Tagged(crypto.TagTx,
		tx.From[:], nonce[:], tx.Contract[:],
		[]byte(tx.Method), []byte{0}, tx.Params)
}

// Sign fills From, PubKey and Sig using signer.
func (tx *Tx) Sign(signer crypto.Signer) error {
	tx.From = signer.Address()
	tx.PubKey = signer.PublicKey()
	h := tx.Hash()
	sig, err := signer.Sign(h[:])
	if err != nil {
		return fmt.Errorf("sign %s: %w", tx.Method, err)
	}
	tx.Sig = sig
	return nil
}

// VerifySignature checks that Sig is valid and PubKey controls From.
func (tx *Tx) VerifySignature() bool {
	if crypto.AddressFromPubKey(tx.PubKey) != tx.From {
		return false
	}
	h := tx.Hash()
	return crypto.VerifySignature(h[:], tx.Sig, tx.PubKey)
}

// DecodeParams unmarshals the call parameters into v.
func (tx *Tx) DecodeParams(v any) error {
	return json.Unmarshal(tx.Params, v)
}

// Receipt confirms a transaction was included without reverting.
type Receipt struct {
	TxHash types.Hash `json:"txHash"`
	Block  uint64     `json:"block"`
	Events []Event    `json:"events,omitempty"`
}
