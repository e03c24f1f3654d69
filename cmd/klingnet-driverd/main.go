// Klingnet inflation driver daemon.
//
// Usage:
//
//	klingnet-driverd --root=0x...   Run the driver
//	klingnet-driverd --help         Show help
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-driver/config"
	"github.com/Klingon-tech/klingnet-driver/internal/node"
)

func main() {
	cfg, _, err := config.Load(os.Args[1:])
	if errors.Is(err, config.ErrExit) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	password, err := readPassword(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	n, err := node.New(cfg, password)
	for i := range password {
		password[i] = 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		n.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if err := n.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// readPassword reads the keystore password from the configured file, or
// prompts for it on the terminal.
func readPassword(cfg *config.Config) ([]byte, error) {
	if cfg.Signer.PasswordFile != "" {
		return node.ReadPasswordFile(cfg.Signer.PasswordFile)
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return nil, fmt.Errorf("no terminal to prompt for the %q keystore password; set signer.passwordfile", cfg.Signer.Wallet)
	}
	fmt.Fprintf(os.Stderr, "Password for %q: ", cfg.Signer.Wallet)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	return pw, nil
}
