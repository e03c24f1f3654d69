// Package config handles driver configuration.
//
// Settings come from three layers, later layers winning:
//   - Defaults for the selected network
//   - The driver.conf file in the data directory
//   - Command-line flags
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Driver Configuration
// =============================================================================

// Config holds the driver's runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// Ledger node endpoints
	Ledger LedgerConfig

	// External balance source for snapshots
	Balances BalancesConfig

	// Governance root contract
	Governance GovernanceConfig

	// Signing credential
	Signer SignerConfig

	// Snapshot dispute roles
	Inflation InflationConfig

	// Randomness beacon
	VDF VDFConfig

	// Accounts left out of every snapshot
	Blacklist []string `conf:"blacklist"`

	// Read retries and feed reconnects
	Retry RetryConfig

	// Logging
	Log LogConfig

	// Resolved by Validate (not persisted in config file)
	Root    types.Address
	Exclude []types.Address
}

// LedgerConfig holds the ledger node endpoints.
type LedgerConfig struct {
	RPC     string        `conf:"ledger.rpc"`
	WS      string        `conf:"ledger.ws"`
	Timeout time.Duration `conf:"ledger.timeout"`
}

// BalancesConfig holds the balance indexer endpoint. An empty RPC reads
// balances from the ledger node itself.
type BalancesConfig struct {
	RPC   string `conf:"balances.rpc"`
	Cache int    `conf:"balances.cache"`
}

// GovernanceConfig names the root contract the driver serves.
type GovernanceConfig struct {
	Root string `conf:"governance.root"`
}

// SignerConfig locates the driver's single signing key.
type SignerConfig struct {
	Wallet       string `conf:"signer.wallet"`
	PasswordFile string `conf:"signer.passwordfile"`
}

// InflationConfig selects the dispute roles the driver plays.
type InflationConfig struct {
	Propose   bool `conf:"inflation.propose"`
	Challenge bool `conf:"inflation.challenge"`
}

// VDFConfig holds beacon settings.
type VDFConfig struct {
	MaxAttempts int `conf:"vdf.maxattempts"`
}

// RetryConfig bounds retries of idempotent reads.
type RetryConfig struct {
	Attempts uint64        `conf:"retry.attempts"`
	Base     time.Duration `conf:"retry.base"`
	Max      time.Duration `conf:"retry.max"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet-driver
//	macOS:   ~/Library/Application Support/KlingnetDriver
//	Windows: %APPDATA%\KlingnetDriver
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet-driver"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "KlingnetDriver")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "KlingnetDriver")
		}
		return filepath.Join(home, "AppData", "Roaming", "KlingnetDriver")
	default:
		return filepath.Join(home, ".klingnet-driver")
	}
}

// NetworkDataDir returns the network-specific data directory.
func (c *Config) NetworkDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// StateDir returns the driver state database directory.
func (c *Config) StateDir() string {
	return filepath.Join(c.NetworkDataDir(), "state")
}

// KeystoreDir returns the keystore directory.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.NetworkDataDir(), "keystore")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "driver.conf")
}
