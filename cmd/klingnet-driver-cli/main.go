// klingnet-driver-cli manages the driver's signing key, builds and checks
// snapshot trees offline, and reports governance status from a ledger node.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-driver/config"
	"github.com/Klingon-tech/klingnet-driver/internal/credential"
	"github.com/Klingon-tech/klingnet-driver/internal/ledger"
	"github.com/Klingon-tech/klingnet-driver/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-driver/pkg/sumtree"
	"github.com/Klingon-tech/klingnet-driver/pkg/types"
)

// keystoreDir returns the keystore path matching klingnet-driverd's
// layout: <datadir>/<network>/keystore
func keystoreDir(dataDir, network string) string {
	return filepath.Join(dataDir, network, "keystore")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// Parse global flags that appear before the subcommand.
	rpcURL := "http://127.0.0.1:8545"
	dataDir := config.DefaultDataDir()
	network := "mainnet"

	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--datadir" && len(args) > 1:
			dataDir = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--datadir="):
			dataDir = args[0][len("--datadir="):]
			args = args[1:]
		case args[0] == "--network" && len(args) > 1:
			network = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--network="):
			network = args[0][len("--network="):]
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	ksDir := keystoreDir(dataDir, network)
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "key":
		cmdKey(cmdArgs, ksDir)
	case "snapshot":
		cmdSnapshot(cmdArgs)
	case "status":
		cmdStatus(cmdArgs, rpcURL)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: klingnet-driver-cli [global flags] <command> [flags]

Global flags:
  --rpc <url>         Ledger RPC endpoint (default: http://127.0.0.1:8545)
  --datadir <path>    Data directory (default: ~/.klingnet-driver)
  --network <net>     mainnet (default) or testnet

Commands:
  key create [--name <n>]         Create the signing key from a new mnemonic
  key import [--name <n>] --mnemonic "..."
                                  Import the signing key from a mnemonic
  key address [--name <n>]        Show the signing account

  snapshot build --balances <file.json> [--exclude <a,b>]
                                  Build a snapshot tree and print its root
  snapshot prove --balances <file.json> (--index <i> | --address <a>) [--exclude <a,b>]
                                  Print the inclusion proof of one leaf
  snapshot verify --root <hash> --count <n> --proof <file.json>
                                  Check an inclusion proof against a root

  status --root <addr> [--account <addr>]
                                  Show generation, phase and proposal status
`)
}

// ── key ─────────────────────────────────────────────────────────────────

func cmdKey(args []string, ksDir string) {
	if len(args) < 1 {
		fatal("Usage: klingnet-driver-cli key <create|import|address> [flags]")
	}

	switch args[0] {
	case "create":
		cmdKeyCreate(args[1:], ksDir)
	case "import":
		cmdKeyImport(args[1:], ksDir)
	case "address":
		cmdKeyAddress(args[1:], ksDir)
	default:
		fatal("Unknown key command: %s\nUsage: klingnet-driver-cli key <create|import|address> [flags]", args[0])
	}
}

func cmdKeyCreate(args []string, ksDir string) {
	fs := flag.NewFlagSet("key create", flag.ExitOnError)
	name := fs.String("name", "driver", "Key name")
	fs.Parse(args)

	mnemonic, err := credential.NewMnemonic()
	if err != nil {
		fatal("generate mnemonic: %v", err)
	}

	fmt.Println("Mnemonic (write this down!):")
	fmt.Printf("  %s\n\n", mnemonic)

	storeKey(ksDir, *name, mnemonic)
}

func cmdKeyImport(args []string, ksDir string) {
	fs := flag.NewFlagSet("key import", flag.ExitOnError)
	name := fs.String("name", "driver", "Key name")
	mnemonic := fs.String("mnemonic", "", "BIP-39 mnemonic")
	fs.Parse(args)

	if *mnemonic == "" {
		fatal("Usage: klingnet-driver-cli key import --mnemonic \"...\"")
	}
	storeKey(ksDir, *name, *mnemonic)
}

func storeKey(ksDir, name, mnemonic string) {
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	if string(password) != string(confirm) {
		fatal("passwords do not match")
	}

	if err := os.MkdirAll(ksDir, 0700); err != nil {
		fatal("create keystore: %v", err)
	}
	cred, err := credential.Create(ksDir, name, mnemonic, password, credential.DefaultKDF())
	if errors.Is(err, credential.ErrExists) {
		fatal("key %q already exists in %s", name, ksDir)
	}
	if err != nil {
		fatal("create key: %v", err)
	}
	defer cred.Zero()

	fmt.Printf("\nKey stored: %s\n", credential.Path(ksDir, name))
	fmt.Printf("Address: %s\n", cred.Address())
}

func cmdKeyAddress(args []string, ksDir string) {
	fs := flag.NewFlagSet("key address", flag.ExitOnError)
	name := fs.String("name", "driver", "Key name")
	fs.Parse(args)

	addr, err := credential.AddressOf(ksDir, *name)
	if err != nil {
		fatal("read key %q: %v", *name, err)
	}
	fmt.Println(addr)
}

// ── snapshot ────────────────────────────────────────────────────────────

func cmdSnapshot(args []string) {
	if len(args) < 1 {
		fatal("Usage: klingnet-driver-cli snapshot <build|prove|verify> [flags]")
	}

	switch args[0] {
	case "build":
		cmdSnapshotBuild(args[1:])
	case "prove":
		cmdSnapshotProve(args[1:])
	case "verify":
		cmdSnapshotVerify(args[1:])
	default:
		fatal("Unknown snapshot command: %s\nUsage: klingnet-driver-cli snapshot <build|prove|verify> [flags]", args[0])
	}
}

// buildTree reads a JSON balance list and builds its tree without the
// excluded accounts.
func buildTree(path, exclude string) *sumtree.Tree {
	data, err := os.ReadFile(path)
	if err != nil {
		fatal("read balances: %v", err)
	}
	var accounts []sumtree.AccountBalance
	if err := json.Unmarshal(data, &accounts); err != nil {
		fatal("decode balances: %v", err)
	}
	var excluded []types.Address
	if exclude != "" {
		excluded, err = types.ParseAddressList(strings.Split(exclude, ","))
		if err != nil {
			fatal("exclude: %v", err)
		}
	}
	tree, err := sumtree.NewBuilder(excluded).Build(accounts)
	if err != nil {
		fatal("build tree: %v", err)
	}
	return tree
}

func cmdSnapshotBuild(args []string) {
	fs := flag.NewFlagSet("snapshot build", flag.ExitOnError)
	file := fs.String("balances", "", "JSON file of {address, balance} entries")
	exclude := fs.String("exclude", "", "Comma-separated accounts to leave out")
	fs.Parse(args)

	if *file == "" {
		fatal("Usage: klingnet-driver-cli snapshot build --balances <file.json>")
	}
	tree := buildTree(*file, *exclude)
	total := tree.Total()

	fmt.Printf("Root:     %s\n", tree.Root())
	fmt.Printf("Total:    %s\n", types.FormatAmount(&total))
	fmt.Printf("Accounts: %d\n", tree.Count())
	fmt.Printf("Depth:    %d\n", tree.Depth())
}

func cmdSnapshotProve(args []string) {
	fs := flag.NewFlagSet("snapshot prove", flag.ExitOnError)
	file := fs.String("balances", "", "JSON file of {address, balance} entries")
	exclude := fs.String("exclude", "", "Comma-separated accounts to leave out")
	index := fs.Int64("index", -1, "Leaf index")
	address := fs.String("address", "", "Account address")
	fs.Parse(args)

	if *file == "" || (*index < 0 && *address == "") {
		fatal("Usage: klingnet-driver-cli snapshot prove --balances <file.json> (--index <i> | --address <a>)")
	}
	tree := buildTree(*file, *exclude)

	i := uint64(*index)
	if *address != "" {
		addr, err := types.ParseAddress(*address)
		if err != nil {
			fatal("address: %v", err)
		}
		var ok bool
		if i, ok = tree.Find(addr); !ok {
			fatal("account %s is not in the snapshot", addr)
		}
	}
	proof, err := tree.ProveLeaf(i)
	if err != nil {
		fatal("prove leaf %d: %v", i, err)
	}
	printJSON(proof)
}

func cmdSnapshotVerify(args []string) {
	fs := flag.NewFlagSet("snapshot verify", flag.ExitOnError)
	rootHex := fs.String("root", "", "Snapshot root hash")
	count := fs.Uint64("count", 0, "Number of leaves")
	file := fs.String("proof", "", "JSON proof file")
	fs.Parse(args)

	if *rootHex == "" || *count == 0 || *file == "" {
		fatal("Usage: klingnet-driver-cli snapshot verify --root <hash> --count <n> --proof <file.json>")
	}
	root, err := types.HexToHash(*rootHex)
	if err != nil {
		fatal("root: %v", err)
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		fatal("read proof: %v", err)
	}
	var proof sumtree.LeafProof
	if err := json.Unmarshal(data, &proof); err != nil {
		fatal("decode proof: %v", err)
	}
	if err := sumtree.VerifyInclusion(root, *count, &proof); err != nil {
		fatal("proof rejected: %v", err)
	}
	if err := sumtree.CheckBalance(&proof.Leaf); err != nil {
		fatal("leaf rejected: %v", err)
	}
	fmt.Printf("OK: %s holds %s at leaf %d\n",
		proof.Leaf.Address, types.FormatAmount(&proof.Leaf.Balance), proof.Index)
}

// ── status ──────────────────────────────────────────────────────────────

func cmdStatus(args []string, rpcURL string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	rootStr := fs.String("root", "", "Governance root contract")
	accountStr := fs.String("account", "", "Show this account's beacon progress")
	fs.Parse(args)

	if *rootStr == "" {
		fatal("Usage: klingnet-driver-cli status --root <addr>")
	}
	root, err := types.ParseAddress(*rootStr)
	if err != nil {
		fatal("root: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	l := ledger.NewRPC(rpcclient.New(rpcURL), "", ledger.RetryPolicy{})

	head, err := l.Head(ctx)
	if err != nil {
		fatal("ledger_head: %v", err)
	}
	gov, err := l.Governance(ctx, root)
	if err != nil {
		fatal("ledger_governance: %v", err)
	}

	fmt.Printf("Head:        #%d %s (t=%d)\n", head.Number, head.Hash.Short(), head.Time)
	fmt.Printf("Generation:  %d (next at t=%d)\n", gov.Generation, gov.NextGenerationStart)

	if !gov.Currency.IsZero() {
		cur, err := l.Currency(ctx, gov.Currency)
		if err != nil {
			fatal("ledger_currency: %v", err)
		}
		fmt.Printf("Currency:    %s (ends t=%d, computed=%v)\n", cur.Stage, cur.StageEnds, cur.Computed)
	}
	if !gov.Community.IsZero() {
		com, err := l.Community(ctx, gov.Community)
		if err != nil {
			fatal("ledger_community: %v", err)
		}
		fmt.Printf("Community:   %s (ends t=%d, executed=%v)\n", com.Stage, com.StageEnds, com.Executed)
	}
	if gov.Inflation.IsZero() {
		return
	}

	infl, err := l.Inflation(ctx, gov.Inflation)
	if err != nil {
		fatal("ledger_inflation: %v", err)
	}
	fmt.Printf("Snapshot:    block %d, proposer fee %s, challenge fee %s\n",
		infl.SnapshotBlock, infl.ProposerFee, infl.ChallengeFee)
	if infl.Accepted {
		fmt.Printf("Accepted:    %s\n", infl.AcceptedRoot)
	}

	proposals, err := l.Proposals(ctx, gov.Inflation)
	if err != nil {
		fatal("ledger_proposals: %v", err)
	}
	fmt.Printf("Proposals:   %d\n", len(proposals))
	for _, p := range proposals {
		open := 0
		for _, c := range p.Challenges {
			if !c.Answered {
				open++
			}
		}
		fmt.Printf("  %s  %-10s root %s  leaves %d  total %s  challenges %d (%d open)\n",
			p.Proposer, p.Status, p.Root.Short(), p.Count, p.Total, len(p.Challenges), open)
	}

	if *accountStr != "" {
		account, err := types.ParseAddress(*accountStr)
		if err != nil {
			fatal("account: %v", err)
		}
		b, err := l.Beacon(ctx, gov.Inflation, account)
		if err != nil {
			fatal("ledger_beacon: %v", err)
		}
		switch {
		case b.Done:
			fmt.Printf("Beacon:      done, output %s by %s\n", b.Output, b.Submitter)
		case b.HasSeed():
			fmt.Printf("Beacon:      seed committed, prover at step %d (verified=%v)\n", b.Prover.Next, b.Prover.Verified)
		case b.HasPrimal():
			fmt.Printf("Beacon:      primal from block %d, seed due t=%d\n", b.PrimalBlock, b.PrimalDeadline)
		default:
			fmt.Println("Beacon:      not started")
		}
	}
}

// ── Helpers ─────────────────────────────────────────────────────────────

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal("encode: %v", err)
	}
	fmt.Println(string(data))
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
