// Package layout centralizes the on-disk control-plane tree so no other
// package hardcodes paths.
//
//	<root>/
//	  HOT/ | HO2/ | HO1/
//	    kernel/ config/ schemas/ scripts/
//	    ledger/{governance|workorder|worker}.jsonl
//	    ledger/sessions/<session_id>/{exec,evidence}.jsonl
//	    ledger/<AGENT_CLASS>/...
//	    registries/*.csv
//	    installed/<pkg_id>/{manifest.json,receipt.json}
//	  tmp/<session_id>/
//	  output/<session_id>/
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Tier identifies one cognitive tier of the control plane.
type Tier string

const (
	TierHOT Tier = "hot"
	TierHO2 Tier = "ho2"
	TierHO1 Tier = "ho1"
)

// EnvRoot is the environment variable naming the control-plane root.
const EnvRoot = "CONTROL_PLANE_ROOT"

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierHOT, TierHO2, TierHO1:
		return true
	}
	return false
}

// DirName returns the uppercase directory name for the tier.
func (t Tier) DirName() string {
	return strings.ToUpper(string(t))
}

// PrimaryLedgerName returns the tier's main ledger file stem.
func (t Tier) PrimaryLedgerName() string {
	switch t {
	case TierHOT:
		return "governance"
	case TierHO2:
		return "workorder"
	default:
		return "worker"
	}
}

// AllTiers in governance order, highest first.
func AllTiers() []Tier {
	return []Tier{TierHOT, TierHO2, TierHO1}
}

// Layout resolves paths under a control-plane root.
type Layout struct {
	Root string
}

// New returns a Layout rooted at root, falling back to CONTROL_PLANE_ROOT
// and then the working directory.
func New(root string) *Layout {
	if root == "" {
		root = os.Getenv(EnvRoot)
	}
	if root == "" {
		root = "."
	}
	return &Layout{Root: root}
}

func (l *Layout) TierRoot(t Tier) string {
	return filepath.Join(l.Root, t.DirName())
}

func (l *Layout) ConfigDir(t Tier) string  { return filepath.Join(l.TierRoot(t), "config") }
func (l *Layout) SchemasDir(t Tier) string { return filepath.Join(l.TierRoot(t), "schemas") }
func (l *Layout) KernelDir(t Tier) string  { return filepath.Join(l.TierRoot(t), "kernel") }

func (l *Layout) LedgerDir(t Tier) string {
	return filepath.Join(l.TierRoot(t), "ledger")
}

// PrimaryLedgerPath is the tier ledger: governance, workorder, or worker.
func (l *Layout) PrimaryLedgerPath(t Tier) string {
	return filepath.Join(l.LedgerDir(t), t.PrimaryLedgerName()+".jsonl")
}

// ClassLedgerDir is the per-agent-class ledger partition.
func (l *Layout) ClassLedgerDir(t Tier, agentClass string) string {
	return filepath.Join(l.LedgerDir(t), strings.ToUpper(agentClass))
}

// ClassLedgerPath is the primary ledger inside an agent-class partition.
func (l *Layout) ClassLedgerPath(t Tier, agentClass string) string {
	return filepath.Join(l.ClassLedgerDir(t, agentClass), t.PrimaryLedgerName()+".jsonl")
}

func (l *Layout) SessionLedgerDir(t Tier, sessionID string) string {
	return filepath.Join(l.LedgerDir(t), "sessions", sessionID)
}

// SessionExecLedgerPath holds the execution trace of one session.
func (l *Layout) SessionExecLedgerPath(t Tier, sessionID string) string {
	return filepath.Join(l.SessionLedgerDir(t, sessionID), "exec.jsonl")
}

// SessionEvidenceLedgerPath holds capability-violation evidence.
func (l *Layout) SessionEvidenceLedgerPath(t Tier, sessionID string) string {
	return filepath.Join(l.SessionLedgerDir(t, sessionID), "evidence.jsonl")
}

func (l *Layout) RegistriesDir(t Tier) string {
	return filepath.Join(l.TierRoot(t), "registries")
}

// RegistryPath returns a CSV registry path; name is bare (no extension).
func (l *Layout) RegistryPath(t Tier, name string) string {
	return filepath.Join(l.RegistriesDir(t), name+".csv")
}

func (l *Layout) InstalledDir(t Tier) string {
	return filepath.Join(l.TierRoot(t), "installed")
}

func (l *Layout) ReceiptPath(t Tier, pkgID string) string {
	return filepath.Join(l.InstalledDir(t), pkgID, "receipt.json")
}

func (l *Layout) InstalledManifestPath(t Tier, pkgID string) string {
	return filepath.Join(l.InstalledDir(t), pkgID, "manifest.json")
}

// TmpDir is the session-scoped scratch root.
func (l *Layout) TmpDir(sessionID string) string {
	return filepath.Join(l.Root, "tmp", sessionID)
}

// OutputDir is the session-scoped declared-output root.
func (l *Layout) OutputDir(sessionID string) string {
	return filepath.Join(l.Root, "output", sessionID)
}

// EnsureTier creates the directory skeleton for one tier.
func (l *Layout) EnsureTier(t Tier) error {
	if !t.Valid() {
		return fmt.Errorf("layout: unknown tier %q", t)
	}
	for _, dir := range []string{
		l.KernelDir(t), l.ConfigDir(t), l.SchemasDir(t),
		l.LedgerDir(t), l.RegistriesDir(t), l.InstalledDir(t),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("layout: creating %s: %w", dir, err)
		}
	}
	return nil
}
