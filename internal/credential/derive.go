package credential

import (
	"fmt"
	"strings"

	"github.com/Klingon-tech/klingnet-driver/pkg/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// The driver holds one key at m/44'/8888'/0'/0/0.
var derivationPath = []uint32{
	bip32.FirstHardenedChild + 44,
	bip32.FirstHardenedChild + 8888,
	bip32.FirstHardenedChild,
	0,
	0,
}

// DerivationPath is the human-readable form of the signing key path.
const DerivationPath = "m/44'/8888'/0'/0/0"

// NewMnemonic returns a fresh 24-word BIP-39 mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// NormalizeMnemonic collapses whitespace and lower-cases the words.
func NormalizeMnemonic(m string) string {
	return strings.ToLower(strings.Join(strings.Fields(m), " "))
}

// deriveKey turns a mnemonic into the driver's signing key.
func deriveKey(mnemonic, passphrase string) (*crypto.PrivateKey, error) {
	mnemonic = NormalizeMnemonic(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	defer wipe(seed)

	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	for _, idx := range derivationPath {
		if key, err = key.NewChildKey(idx); err != nil {
			return nil, fmt.Errorf("derive %s: %w", DerivationPath, err)
		}
	}
	// bip32 private keys carry a leading zero byte.
	raw := key.Key
	if len(raw) == 33 && raw[0] == 0 {
		raw = raw[1:]
	}
	return crypto.PrivateKeyFromBytes(raw)
}
