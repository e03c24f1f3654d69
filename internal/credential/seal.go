package credential

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrWrongPassword is returned when a sealed blob fails authentication.
var ErrWrongPassword = errors.New("wrong password or corrupt key file")

const (
	saltSize = 16
	// sealed layout: salt | memory(4) | time(4) | threads(1) | nonce(24) | ciphertext
	sealHeader = saltSize + 4 + 4 + 1
)

// KDFParams are the Argon2id cost parameters stored with every sealed blob.
type KDFParams struct {
	Memory  uint32 // KiB
	Time    uint32
	Threads uint8
}

// DefaultKDF is the cost used for new key files.
func DefaultKDF() KDFParams {
	return KDFParams{Memory: 64 * 1024, Time: 3, Threads: 4}
}

func (p KDFParams) key(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, chacha20poly1305.KeySize)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// seal encrypts plaintext under password with Argon2id and XChaCha20-Poly1305.
func seal(plaintext, password []byte, p KDFParams) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	key := p.key(password, salt)
	defer wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	out := make([]byte, 0, sealHeader+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = binary.BigEndian.AppendUint32(out, p.Memory)
	out = binary.BigEndian.AppendUint32(out, p.Time)
	out = append(out, p.Threads)
	out = append(out, nonce...)
	// The header is authenticated so cost parameters cannot be downgraded.
	return aead.Seal(out, nonce, plaintext, out[:sealHeader]), nil
}

// open reverses seal.
func open(sealed, password []byte) ([]byte, error) {
	if len(sealed) < sealHeader+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("sealed data too short (%d bytes)", len(sealed))
	}
	p := KDFParams{
		Memory:  binary.BigEndian.Uint32(sealed[saltSize:]),
		Time:    binary.BigEndian.Uint32(sealed[saltSize+4:]),
		Threads: sealed[saltSize+8],
	}
	if p.Time == 0 || p.Threads == 0 {
		return nil, fmt.Errorf("invalid kdf parameters")
	}
	key := p.key(password, sealed[:saltSize])
	defer wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	nonce := sealed[sealHeader : sealHeader+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, sealed[sealHeader+chacha20poly1305.NonceSizeX:], sealed[:sealHeader])
	if err != nil {
		return nil, ErrWrongPassword
	}
	return plain, nil
}
