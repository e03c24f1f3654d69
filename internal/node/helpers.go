package node

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// ReadPasswordFile reads a keystore password from the first line of a
// file. Trailing newlines are stripped.
func ReadPasswordFile(path string) ([]byte, error) {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read password file: %w", err)
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	}
	data = bytes.TrimRight(data, "\r")
	if len(data) == 0 {
		return nil, fmt.Errorf("password file %s is empty", path)
	}
	return data, nil
}
