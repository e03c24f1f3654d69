package config

import "time"

// DefaultMainnet returns the default driver configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Ledger: LedgerConfig{
			RPC:     "http://127.0.0.1:8545",
			WS:      "ws://127.0.0.1:8546",
			Timeout: 30 * time.Second,
		},
		Balances: BalancesConfig{
			Cache: 4,
		},
		Signer: SignerConfig{
			Wallet: "driver",
		},
		Inflation: InflationConfig{
			Propose:   true,
			Challenge: true,
		},
		VDF: VDFConfig{
			MaxAttempts: 3,
		},
		Retry: RetryConfig{
			Attempts: 4,
			Base:     200 * time.Millisecond,
			Max:      5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default driver configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.Ledger.RPC = "http://127.0.0.1:8645"
	cfg.Ledger.WS = "ws://127.0.0.1:8646"
	return cfg
}

// Default returns the default driver configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
