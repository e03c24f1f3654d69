// Package credential holds the single signing key the driver submits
// transactions with, stored as an encrypted BIP-39 mnemonic on disk.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	klog "github.com/Klingon-tech/klingnet-driver/internal/log"
	"github.com/Klingon-tech/klingnet-driver/pkg/crypto"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// ErrExists is returned when creating a key file that is already present.
var ErrExists = errors.New("key file already exists")

const fileVersion = 1

// Credential is an unlocked signing key.
type Credential struct {
	key  *crypto.PrivateKey
	addr types.Address
}

var _ crypto.Signer = (*Credential)(nil)

// FromMnemonic derives the credential without touching disk.
func FromMnemonic(mnemonic, passphrase string) (*Credential, error) {
	key, err := deriveKey(mnemonic, passphrase)
	if err != nil {
		return nil, err
	}
	return &Credential{key: key, addr: key.Address()}, nil
}

// Address returns the credential's ledger address.
func (c *Credential) Address() types.Address { return c.addr }

// PublicKey returns the compressed public key.
func (c *Credential) PublicKey() []byte { return c.key.PublicKey() }

// Sign produces a Schnorr signature over a 32-byte hash.
func (c *Credential) Sign(hash []byte) ([]byte, error) { return c.key.Sign(hash) }

// Zero wipes the private key from memory.
func (c *Credential) Zero() { c.key.Zero() }

// keyFile is the on-disk form.
type keyFile struct {
	Version   int           `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	Address   types.Address `json:"address"`
	Path      string        `json:"path"`
	Sealed    []byte        `json:"sealed_mnemonic"`
}

// Path returns the file a named credential lives in.
func Path(dir, name string) string {
	return filepath.Join(dir, name+".key")
}

// Create seals mnemonic under password and writes it to dir/name.key.
func Create(dir, name, mnemonic string, password []byte, p KDFParams) (*Credential, error) {
	cred, err := FromMnemonic(mnemonic, "")
	if err != nil {
		return nil, err
	}
	path := Path(dir, name)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, path)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	sealed, err := seal([]byte(NormalizeMnemonic(mnemonic)), password, p)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(keyFile{
		Version:   fileVersion,
		CreatedAt: time.Now().UTC(),
		Address:   cred.addr,
		Path:      DerivationPath,
		Sealed:    sealed,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	klog.Credential.Info().Str("address", cred.addr.String()).Str("file", path).Msg("Key file created")
	return cred, nil
}

// Load unlocks dir/name.key with password.
func Load(dir, name string, password []byte) (*Credential, error) {
	kf, err := readKeyFile(Path(dir, name))
	if err != nil {
		return nil, err
	}
	mnemonic, err := open(kf.Sealed, password)
	if err != nil {
		return nil, err
	}
	defer wipe(mnemonic)

	cred, err := FromMnemonic(string(mnemonic), "")
	if err != nil {
		return nil, err
	}
	if cred.addr != kf.Address {
		cred.Zero()
		return nil, fmt.Errorf("key file address %s does not match derived %s", kf.Address, cred.addr)
	}
	return cred, nil
}

// AddressOf reads the address recorded in a key file without unlocking it.
func AddressOf(dir, name string) (types.Address, error) {
	kf, err := readKeyFile(Path(dir, name))
	if err != nil {
		return types.Address{}, err
	}
	return kf.Address, nil
}

func readKeyFile(path string) (*keyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	if kf.Version != fileVersion {
		return nil, fmt.Errorf("unsupported key file version %d", kf.Version)
	}
	return &kf, nil
}
