// Package crypto provides the hashing and signing primitives used by the driver.
package crypto

import (
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
	"github.com/zeebo/blake3"
)

// Domain tags prefix every tagged hash so that values of one kind can never
// be replayed as values of another (a leaf as an inner node, a tx as a leaf).
const (
	TagLeaf byte = 0x00
	TagNode byte = 0x01
	TagTx   byte = 0x02
	TagVDF  byte = 0x03
	TagSeed byte = 0x04
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// Tagged hashes tag ‖ parts[0] ‖ parts[1] ‖ ... without intermediate copies.
func Tagged(tag byte, parts ...[]byte) types.Hash {
	h := blake3.New()
	h.Write([]byte{tag})
	for _, p := range parts {
		h.Write(p)
	}
	var out types.Hash
	h.Sum(out[:0])
	return out
}

// AddressFromPubKey derives an address from a compressed public key.
// Address = BLAKE3(compressed_pubkey)[:20].
func AddressFromPubKey(pubKey []byte) types.Address {
	h := Hash(pubKey)
	var addr types.Address
	copy(addr[:], h[:types.AddressSize])
	return addr
}
