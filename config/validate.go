package config

import (
	"fmt"
	"net/url"

	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// Validate checks the config for operator mistakes and resolves the
// address literals into Root and Exclude. Blacklist entries are rewritten
// in canonical form.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if err := validateURL(cfg.Ledger.RPC, "ledger.rpc", "http", "https"); err != nil {
		return err
	}
	if err := validateURL(cfg.Ledger.WS, "ledger.ws", "ws", "wss"); err != nil {
		return err
	}
	if cfg.Balances.RPC != "" {
		if err := validateURL(cfg.Balances.RPC, "balances.rpc", "http", "https"); err != nil {
			return err
		}
	}
	if cfg.Ledger.Timeout <= 0 {
		return fmt.Errorf("ledger.timeout must be positive")
	}
	if cfg.Balances.Cache <= 0 {
		return fmt.Errorf("balances.cache must be at least 1")
	}
	if cfg.VDF.MaxAttempts <= 0 {
		return fmt.Errorf("vdf.maxattempts must be at least 1")
	}
	if cfg.Retry.Base <= 0 || cfg.Retry.Max < cfg.Retry.Base {
		return fmt.Errorf("retry.base must be positive and no greater than retry.max")
	}
	if cfg.Signer.Wallet == "" {
		return fmt.Errorf("signer.wallet is required")
	}

	if cfg.Governance.Root == "" {
		return fmt.Errorf("governance.root is required")
	}
	root, err := types.ParseAddress(cfg.Governance.Root)
	if err != nil {
		return fmt.Errorf("governance.root: %w", err)
	}
	cfg.Root = root
	cfg.Governance.Root = root.String()

	exclude, err := types.ParseAddressList(cfg.Blacklist)
	if err != nil {
		return fmt.Errorf("blacklist: %w", err)
	}
	cfg.Exclude = exclude
	cfg.Blacklist = make([]string, len(exclude))
	for i, a := range exclude {
		cfg.Blacklist[i] = a.String()
	}
	return nil
}

func validateURL(raw, field string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be a URL, got %q", field, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use scheme %v", field, schemes)
}
