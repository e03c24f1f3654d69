package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads driver configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key = value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a driver config value by key.
func setConfigValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// Ledger
	case "ledger.rpc":
		cfg.Ledger.RPC = value
	case "ledger.ws":
		cfg.Ledger.WS = value
	case "ledger.timeout":
		cfg.Ledger.Timeout, err = time.ParseDuration(value)

	// Balances
	case "balances.rpc":
		cfg.Balances.RPC = value
	case "balances.cache":
		cfg.Balances.Cache, err = strconv.Atoi(value)

	// Governance and signer
	case "governance.root", "root":
		cfg.Governance.Root = value
	case "signer.wallet", "wallet":
		cfg.Signer.Wallet = value
	case "signer.passwordfile":
		cfg.Signer.PasswordFile = value

	// Roles
	case "inflation.propose", "propose":
		cfg.Inflation.Propose = parseBool(value)
	case "inflation.challenge", "challenge":
		cfg.Inflation.Challenge = parseBool(value)
	case "vdf.maxattempts":
		cfg.VDF.MaxAttempts, err = strconv.Atoi(value)
	case "blacklist":
		cfg.Blacklist = parseStringList(value)

	// Retries
	case "retry.attempts":
		cfg.Retry.Attempts, err = strconv.ParseUint(value, 10, 64)
	case "retry.base":
		cfg.Retry.Base, err = time.ParseDuration(value)
	case "retry.max":
		cfg.Retry.Max, err = time.ParseDuration(value)

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return err
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default driver configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	d := Default(network)
	content := `# Klingnet Inflation Driver Configuration
#
# The driver follows one governance root contract and keeps its phases
# moving with a single signing key.

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.klingnet-driver)
# datadir = ~/.klingnet-driver

# ============================================================================
# Ledger
# ============================================================================

ledger.rpc = ` + d.Ledger.RPC + `
ledger.ws = ` + d.Ledger.WS + `
ledger.timeout = ` + d.Ledger.Timeout.String() + `

# Balance indexer (default: the ledger node)
# balances.rpc = http://127.0.0.1:9000
# balances.cache = 4

# ============================================================================
# Governance
# ============================================================================

# Root contract address (20-byte hex, 0x prefix optional)
# governance.root = 0x...

# Accounts left out of every snapshot (comma-separated addresses)
# blacklist =

# ============================================================================
# Signer
# ============================================================================

signer.wallet = ` + d.Signer.Wallet + `
# File holding the keystore password (default: prompt)
# signer.passwordfile =

# ============================================================================
# Roles
# ============================================================================

inflation.propose = true
inflation.challenge = true
vdf.maxattempts = ` + strconv.Itoa(d.VDF.MaxAttempts) + `

# ============================================================================
# Retries
# ============================================================================

# retry.attempts = 4
# retry.base = 200ms
# retry.max = 5s

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
