package node

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/Klingon-tech/klingnet-driver/config"
	"github.com/Klingon-tech/klingnet-driver/internal/credential"
	"github.com/Klingon-tech/klingnet-driver/internal/fault"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	tests := []struct {
		input, want string
	}{
		{"~/foo/bar", filepath.Join(home, "foo/bar")},
		{"~/.klingnet-driver/pw", filepath.Join(home, ".klingnet-driver/pw")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}
	for _, tt := range tests {
		got := expandHome(tt.input)
		if got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestReadPasswordFile(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		content string
		want    string
		wantErr bool
	}{
		{"hunter2\n", "hunter2", false},
		{"hunter2\r\nignored\n", "hunter2", false},
		{"no newline", "no newline", false},
		{"\n", "", true},
	}
	for i, tt := range tests {
		path := filepath.Join(dir, "pw"+string(rune('a'+i)))
		if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
			t.Fatal(err)
		}
		got, err := ReadPasswordFile(path)
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: err = %v", tt.content, err)
			continue
		}
		if string(got) != tt.want {
			t.Errorf("%q: got %q, want %q", tt.content, got, tt.want)
		}
	}
	if _, err := ReadPasswordFile(filepath.Join(dir, "missing")); err == nil {
		t.Error("missing file should fail")
	}
}

// ledgerServer answers ledger_head and nothing else.
func ledgerServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			ID     uint64 `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if req.Method == "ledger_head" {
			resp["result"] = map[string]any{"number": 7, "hash": types.Hash{1}, "time": 1000}
		} else {
			resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, rpc string) *config.Config {
	t.Helper()
	cfg := config.Default(config.Testnet)
	cfg.DataDir = t.TempDir()
	cfg.Ledger.RPC = rpc
	cfg.Ledger.WS = ""
	cfg.Governance.Root = "0xa000000000000000000000000000000000000000"
	cfg.Log.Level = "error"
	if err := config.EnsureDataDirs(cfg); err != nil {
		t.Fatalf("EnsureDataDirs: %v", err)
	}
	cfg.Root = types.MustParseAddress(cfg.Governance.Root)
	return cfg
}

func createKey(t *testing.T, cfg *config.Config, password string) types.Address {
	t.Helper()
	cred, err := credential.Create(cfg.KeystoreDir(), cfg.Signer.Wallet, testMnemonic,
		[]byte(password), credential.KDFParams{Memory: 64, Time: 1, Threads: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return cred.Address()
}

func TestNew_WrongPassword(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	createKey(t, cfg, "right")

	_, err := New(cfg, []byte("wrong"))
	if !fault.Is(err, fault.Fatal) {
		t.Errorf("expected fatal setup error, got %v", err)
	}
}

func TestNodeLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	srv := ledgerServer(t)
	cfg := testConfig(t, srv.URL)
	addr := createKey(t, cfg, "pw")

	n, err := New(cfg, []byte("pw"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n.Address() != addr {
		t.Errorf("address %s, want %s", n.Address(), addr)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := n.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if _, err := os.Stat(cfg.StateDir()); err != nil {
		t.Errorf("state dir missing: %v", err)
	}
}
