package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// Version is reported by --version.
const Version = "0.1.0"

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string

	// Ledger
	LedgerRPC     string
	LedgerWS      string
	LedgerTimeout time.Duration
	BalancesRPC   string

	// Governance and signer
	Root         string
	Wallet       string
	PasswordFile string

	// Roles
	Propose     bool
	Challenge   bool
	MaxAttempts int
	Blacklist   string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetPropose   bool
	SetChallenge bool
	SetLogJSON   bool
}

// ParseFlags parses command-line flags from args.
func ParseFlags(args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("klingnet-driverd", flag.ContinueOnError)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	testnet := fs.Bool("testnet", false, "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	// Ledger
	fs.StringVar(&f.LedgerRPC, "ledger-rpc", "", "Ledger JSON-RPC endpoint")
	fs.StringVar(&f.LedgerWS, "ledger-ws", "", "Ledger websocket endpoint")
	fs.DurationVar(&f.LedgerTimeout, "ledger-timeout", 0, "Ledger request timeout")
	fs.StringVar(&f.BalancesRPC, "balances-rpc", "", "Balance indexer JSON-RPC endpoint")

	// Governance and signer
	fs.StringVar(&f.Root, "root", "", "Governance root contract address")
	fs.StringVar(&f.Wallet, "wallet", "", "Keystore name of the signing key")
	fs.StringVar(&f.PasswordFile, "password-file", "", "File holding the keystore password")

	// Roles
	fs.BoolVar(&f.Propose, "propose", true, "Propose snapshot roots")
	fs.BoolVar(&f.Challenge, "challenge", true, "Challenge incorrect snapshot roots")
	fs.IntVar(&f.MaxAttempts, "vdf-max-attempts", 0, "Beacon sessions per generation")
	fs.StringVar(&f.Blacklist, "blacklist", "", "Comma-separated accounts left out of snapshots")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.SetOutput(os.Stderr)
	fs.Usage = printUsage

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *testnet {
		f.Network = string(Testnet)
	}
	f.SetPropose = isFlagSet(fs, "propose")
	f.SetChallenge = isFlagSet(fs, "challenge")
	f.SetLogJSON = isFlagSet(fs, "log-json")

	f.Args = fs.Args()

	// Detect unparsed flags caused by positional arguments stopping the parser.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}
	return f, nil
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}

	// Ledger
	if f.LedgerRPC != "" {
		cfg.Ledger.RPC = f.LedgerRPC
	}
	if f.LedgerWS != "" {
		cfg.Ledger.WS = f.LedgerWS
	}
	if f.LedgerTimeout != 0 {
		cfg.Ledger.Timeout = f.LedgerTimeout
	}
	if f.BalancesRPC != "" {
		cfg.Balances.RPC = f.BalancesRPC
	}

	// Governance and signer
	if f.Root != "" {
		cfg.Governance.Root = f.Root
	}
	if f.Wallet != "" {
		cfg.Signer.Wallet = f.Wallet
	}
	if f.PasswordFile != "" {
		cfg.Signer.PasswordFile = f.PasswordFile
	}

	// Roles
	if f.SetPropose {
		cfg.Inflation.Propose = f.Propose
	}
	if f.SetChallenge {
		cfg.Inflation.Challenge = f.Challenge
	}
	if f.MaxAttempts != 0 {
		cfg.VDF.MaxAttempts = f.MaxAttempts
	}
	if f.Blacklist != "" {
		cfg.Blacklist = parseStringList(f.Blacklist)
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage() {
	usage := `Klingnet Inflation Driver - keeps governance phases, snapshot disputes
and the randomness beacon moving on the ledger

Usage:
  klingnet-driverd [options]
  klingnet-driverd --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --network       Network type: mainnet (default) or testnet
  --testnet       Shorthand for --network=testnet
  --datadir       Data directory (default: ~/.klingnet-driver)
  --config, -c    Config file path (default: <datadir>/driver.conf)

Ledger Options:
  --ledger-rpc      Ledger JSON-RPC endpoint (mainnet: http://127.0.0.1:8545)
  --ledger-ws       Ledger websocket endpoint (mainnet: ws://127.0.0.1:8546)
  --ledger-timeout  Ledger request timeout (default: 30s)
  --balances-rpc    Balance indexer endpoint (default: the ledger node)

Governance Options:
  --root            Governance root contract address (required)
  --blacklist       Comma-separated accounts left out of snapshots
  --wallet          Keystore name of the signing key (default: driver)
  --password-file   File holding the keystore password (default: prompt)

Role Options:
  --propose           Propose snapshot roots (default: true)
  --challenge         Challenge incorrect snapshot roots (default: true)
  --vdf-max-attempts  Beacon sessions per generation (default: 3)

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: stdout)
  --log-json      Output logs as JSON

Examples:
  # Create the signing key first
  klingnet-driver-cli key create

  # Run against a testnet root contract
  klingnet-driverd --testnet --root=0x<address>

  # Challenge only
  klingnet-driverd --root=0x<address> --propose=false
`
	fmt.Fprint(os.Stderr, usage)
}

// ErrExit is returned by Load when --help or --version was handled and the
// process should exit successfully.
var ErrExit = errors.New("exit requested")

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load(args []string) (*Config, *Flags, error) {
	flags, err := ParseFlags(args)
	if errors.Is(err, flag.ErrHelp) {
		return nil, nil, ErrExit
	}
	if err != nil {
		return nil, nil, err
	}

	// Handle help/version
	if flags.Help {
		printUsage()
		return nil, nil, ErrExit
	}
	if flags.Version {
		fmt.Println("klingnet-driverd version " + Version)
		return nil, nil, ErrExit
	}

	// Determine network first (needed for defaults)
	network := Mainnet
	if strings.ToLower(flags.Network) == string(Testnet) {
		network = Testnet
	}

	// Start with defaults
	cfg := Default(network)

	// Override datadir if specified
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	// Auto-create data directories and default config on first start.
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	// Determine config file path
	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	// Load config file
	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}

	// Apply file config
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	// Apply flags (highest precedence)
	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, flags, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. Safe to call on every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.NetworkDataDir(),
		cfg.StateDir(),
		cfg.KeystoreDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	// Create default config if it doesn't exist.
	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
