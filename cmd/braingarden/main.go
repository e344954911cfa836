// Command braingarden is the infrastructure CLI for the control plane:
// package installs, gate checks, ledger chain verification, and ledger
// queries. Session-facing behavior lives behind pkg/host, not here.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rabruni/Brain-Garden-sub005/pkg/config"
	"github.com/rabruni/Brain-Garden-sub005/pkg/installer"
	"github.com/rabruni/Brain-Garden-sub005/pkg/layout"
	"github.com/rabruni/Brain-Garden-sub005/pkg/ledger"
	"github.com/rabruni/Brain-Garden-sub005/pkg/query"
	"github.com/rabruni/Brain-Garden-sub005/pkg/registry"
	"github.com/rabruni/Brain-Garden-sub005/pkg/schema"
)

// Exit codes shared with the installer's error classes.
const (
	exitOK         = 0
	exitValidation = 1
	exitIntegrity  = 2
	exitIO         = 3
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches one subcommand. Separated from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	log := slog.New(slog.NewTextHandler(stderr, nil))
	slog.SetDefault(log)

	if len(args) < 2 {
		usage(stderr)
		return exitValidation
	}

	switch args[1] {
	case "install":
		return runInstall(args[2:], stdout, stderr)
	case "gate_check":
		return runGateCheck(args[2:], stdout, stderr)
	case "ledger":
		if len(args) >= 3 && args[2] == "verify" {
			return runLedgerVerify(args[3:], stdout, stderr)
		}
		fmt.Fprintln(stderr, "usage: braingarden ledger verify [--tier hot|ho2|ho1]")
		return exitValidation
	case "query":
		return runQuery(args[2:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return exitValidation
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage: braingarden <command>

commands:
  install <archive> [--dev] [--force] [--tier hot]   install a package archive
  gate_check --workspace <dir> [--gate NAME|--all]   run install gates against an extracted package
  ledger verify [--tier hot|ho2|ho1]                 verify ledger hash chains
  query <JSON request>                               run a ledger query across tiers

environment:
  CONTROL_PLANE_ROOT  install root
  DEV_MODE            gateway auth and signature bypass
  ALLOW_UNSIGNED      G5 bypass`)
}

func loadPlane(root, tierName string) (*config.Config, *layout.Layout, layout.Tier, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, nil, "", err
	}
	if root == "" {
		root = cfg.Root
	}
	tier := layout.Tier(tierName)
	if !tier.Valid() {
		return nil, nil, "", fmt.Errorf("unknown tier %q", tierName)
	}
	return cfg, layout.New(root), tier, nil
}

func installExit(stderr io.Writer, err error) int {
	var ierr *installer.Error
	if errors.As(err, &ierr) {
		fmt.Fprintln(stderr, ierr.Error())
		return ierr.ExitCode()
	}
	fmt.Fprintln(stderr, err.Error())
	return exitIO
}

func runInstall(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dev := fs.Bool("dev", false, "dev mode: bypass auth and signature gates")
	force := fs.Bool("force", false, "reinstall over an existing receipt")
	tierName := fs.String("tier", string(layout.TierHOT), "target plane")
	root := fs.String("root", "", "control plane root (default CONTROL_PLANE_ROOT)")
	if err := fs.Parse(args); err != nil {
		return exitValidation
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: braingarden install <archive> [--dev] [--force] [--tier hot]")
		return exitValidation
	}

	cfg, lay, tier, err := loadPlane(*root, *tierName)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return exitValidation
	}
	if err := lay.EnsureTier(tier); err != nil {
		return installExit(stderr, err)
	}

	validator, err := schema.NewValidator()
	if err != nil {
		return installExit(stderr, err)
	}
	lc, err := ledger.Open(lay.PrimaryLedgerPath(tier), ledger.Options{
		MaxSegmentBytes:   cfg.Ledger.MaxSegmentBytes,
		MaxSegmentEntries: cfg.Ledger.MaxSegmentEntries,
	})
	if err != nil {
		return installExit(stderr, err)
	}
	own := registry.NewOwnershipLog(lay.RegistryPath(tier, "file_ownership"))

	ins := installer.New(lay, tier, validator, lc, own)
	ins.DevMode = *dev || cfg.DevMode
	ins.AllowUnsigned = cfg.AllowUnsigned
	ins.Force = *force

	res, err := ins.Install(context.Background(), fs.Arg(0))
	if err != nil {
		return installExit(stderr, err)
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return installExit(stderr, err)
	}
	fmt.Fprintln(stdout, string(out))
	return exitOK
}

func runGateCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("gate_check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	gateName := fs.String("gate", "", "single gate to run (G0A, G0B, G1, G1-COMPLETE, G5)")
	all := fs.Bool("all", false, "run every gate")
	workspace := fs.String("workspace", "", "extracted package directory containing manifest.json")
	tierName := fs.String("tier", string(layout.TierHOT), "target plane")
	root := fs.String("root", "", "control plane root (default CONTROL_PLANE_ROOT)")
	if err := fs.Parse(args); err != nil {
		return exitValidation
	}
	if *workspace == "" {
		fmt.Fprintln(stderr, "gate_check requires --workspace")
		return exitValidation
	}

	cfg, lay, tier, err := loadPlane(*root, *tierName)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return exitValidation
	}
	validator, err := schema.NewValidator()
	if err != nil {
		return installExit(stderr, err)
	}
	m, err := installer.LoadManifest(filepath.Join(*workspace, installer.ManifestName), validator)
	if err != nil {
		return installExit(stderr, err)
	}

	var gates []installer.Gate
	if *gateName != "" && !*all {
		g, err := installer.GateByName(*gateName)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return exitValidation
		}
		gates = []installer.Gate{g}
	} else {
		gates = installer.Gates()
	}

	cc := &installer.CheckContext{
		Manifest:      m,
		Workspace:     *workspace,
		Lay:           lay,
		Tier:          tier,
		DevMode:       cfg.DevMode,
		AllowUnsigned: cfg.AllowUnsigned,
	}
	code := exitOK
	for _, g := range gates {
		if err := g.Check(cc); err != nil {
			fmt.Fprintf(stdout, "%-12s FAIL  %v\n", g.Name(), err)
			if code == exitOK {
				code = installExitCode(err)
			}
			continue
		}
		fmt.Fprintf(stdout, "%-12s PASS\n", g.Name())
	}
	return code
}

func installExitCode(err error) int {
	var ierr *installer.Error
	if errors.As(err, &ierr) {
		return ierr.ExitCode()
	}
	return exitIO
}

func runLedgerVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ledger verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tierName := fs.String("tier", "", "verify one tier only")
	root := fs.String("root", "", "control plane root (default CONTROL_PLANE_ROOT)")
	if err := fs.Parse(args); err != nil {
		return exitValidation
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return exitValidation
	}
	r := *root
	if r == "" {
		r = cfg.Root
	}
	lay := layout.New(r)

	tiers := layout.AllTiers()
	if *tierName != "" {
		tier := layout.Tier(*tierName)
		if !tier.Valid() {
			fmt.Fprintf(stderr, "unknown tier %q\n", *tierName)
			return exitValidation
		}
		tiers = []layout.Tier{tier}
	}

	code := exitOK
	for _, tier := range tiers {
		path := lay.PrimaryLedgerPath(tier)
		lc, err := ledger.Open(path, ledger.Options{})
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", tier, err)
			return exitIO
		}
		ok, brk, err := lc.VerifyChain()
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", tier, err)
			return exitIO
		}
		if !ok {
			fmt.Fprintf(stdout, "%-4s BROKEN  entry %s: %s\n", tier, brk.EntryID, brk.Reason)
			code = exitIntegrity
			continue
		}
		root, err := lc.MerkleRoot()
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", tier, err)
			return exitIO
		}
		fmt.Fprintf(stdout, "%-4s OK  %d entries  root %s\n", tier, lc.Len(), root)
	}
	return code
}

func runQuery(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: braingarden query '<JSON request>'")
		return exitValidation
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return exitValidation
	}
	lay := layout.New(cfg.Root)

	var req query.Request
	if err := json.Unmarshal([]byte(args[0]), &req); err != nil {
		fmt.Fprintf(stderr, "bad query request: %v\n", err)
		return exitValidation
	}

	engine := query.NewEngine(cfg)
	for _, tier := range layout.AllTiers() {
		lc, err := ledger.Open(lay.PrimaryLedgerPath(tier), ledger.Options{})
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", tier, err)
			return exitIO
		}
		engine.AddSource(string(tier), lc)
	}

	res, err := engine.Query(context.Background(), &req)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return exitValidation
	}
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return exitIO
	}
	fmt.Fprintln(stdout, string(out))
	return exitOK
}
