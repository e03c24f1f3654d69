package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

func hexToHash(t *testing.T, s string) types.Hash {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex: %v", err)
	}
	var h types.Hash
	copy(h[:], b)
	return h
}

func TestHash(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{
			name:  "empty input",
			input: []byte{},
			want:  "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262",
		},
		{
			name:  "hello",
			input: []byte("hello"),
			want:  "ea8f163db38682925e4491c5e58d4bb3506ef8c14eb78a86e908c5624a67200f",
		},
		{
			name:  "klingnet",
			input: []byte("klingnet"),
			want:  "677c013a662a24fb62497787316a59230409463ee36a1d7a57ba32607e20f467",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Hash(tt.input)
			want := hexToHash(t, tt.want)
			if got != want {
				t.Errorf("Hash(%q) = %x, want %x", tt.input, got, want)
			}
		})
	}
}

func TestHash_Deterministic(t *testing.T) {
	data := []byte("deterministic test input")
	h1 := Hash(data)
	h2 := Hash(data)
	if h1 != h2 {
		t.Errorf("Hash is not deterministic: %x != %x", h1, h2)
	}
}

func TestHash_DifferentInputs(t *testing.T) {
	h1 := Hash([]byte("input A"))
	h2 := Hash([]byte("input B"))
	if h1 == h2 {
		t.Error("different inputs produced the same hash")
	}
}

func TestTagged(t *testing.T) {
	a := Hash([]byte("left"))
	b := Hash([]byte("right"))
	result := Tagged(TagNode, a[:], b[:])

	if result == (types.Hash{}) {
		t.Error("Tagged returned zero hash")
	}

	// Order matters.
	if result == Tagged(TagNode, b[:], a[:]) {
		t.Error("Tagged(a,b) should differ from Tagged(b,a)")
	}

	// Tag matters.
	if result == Tagged(TagLeaf, a[:], b[:]) {
		t.Error("different tags must produce different hashes")
	}

	if result != Tagged(TagNode, a[:], b[:]) {
		t.Error("Tagged is not deterministic")
	}
}

func TestTagged_EqualsManualConcat(t *testing.T) {
	a := Hash([]byte("left"))
	b := Hash([]byte("right"))

	var buf [65]byte
	buf[0] = TagNode
	copy(buf[1:33], a[:])
	copy(buf[33:], b[:])
	want := Hash(buf[:])

	got := Tagged(TagNode, a[:], b[:])
	if got != want {
		t.Errorf("Tagged = %x, want %x", got, want)
	}
}

func TestAddressFromPubKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	pub := key.PublicKey()
	addr := AddressFromPubKey(pub)
	h := Hash(pub)
	for i := 0; i < types.AddressSize; i++ {
		if addr[i] != h[i] {
			t.Fatalf("address byte %d = %x, want %x", i, addr[i], h[i])
		}
	}
	if key.Address() != addr {
		t.Error("PrivateKey.Address() disagrees with AddressFromPubKey")
	}
}
