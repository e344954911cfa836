// Package sandbox confines a turn's filesystem writes to session-scoped tmp
// and output roots and verifies, fail-closed, that every realized write was
// declared up front.
package sandbox

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/rabruni/Brain-Garden-sub005/pkg/canonicalize"
	"github.com/rabruni/Brain-Garden-sub005/pkg/layout"
	"github.com/rabruni/Brain-Garden-sub005/pkg/ledger"
)

// DeclaredOutput is one write the turn promises to make, relative to the
// session output root.
type DeclaredOutput struct {
	Path string `json:"path"`
	Role string `json:"role"`
}

// RealizedWrite is one file found after the turn, with its content hash.
type RealizedWrite struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Violation describes one declared-vs-realized mismatch.
type Violation struct {
	Kind string `json:"kind"` // "missing_declared" or "undeclared_write"
	Path string `json:"path"`
}

// VerifyResult is the outcome of the write-surface check. Scratch holds the
// tmp-root files: inspected and hashed like outputs, but not matched against
// the declaration.
type VerifyResult struct {
	Realized   []RealizedWrite `json:"realized"`
	Scratch    []RealizedWrite `json:"scratch,omitempty"`
	Valid      bool            `json:"valid"`
	Violations []Violation     `json:"violations,omitempty"`
}

// envKeys redirected while a sandbox is active.
var envKeys = []string{"TMPDIR", "TEMP", "TMP"}

// Sandbox is one active turn sandbox.
type Sandbox struct {
	SessionID string
	TmpRoot   string
	OutRoot   string

	declared []DeclaredOutput
	saved    map[string]string
	evidence *ledger.Client
}

// Enter creates the session tmp and output roots, redirects the temp
// environment into the tmp root and records declared outputs. evidence may be
// nil when no evidence ledger is wired (violations still fail verification).
func Enter(lay *layout.Layout, sessionID string, declared []DeclaredOutput, evidence *ledger.Client) (*Sandbox, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sandbox: empty session id")
	}
	sb := &Sandbox{
		SessionID: sessionID,
		TmpRoot:   lay.TmpDir(sessionID),
		OutRoot:   lay.OutputDir(sessionID),
		declared:  declared,
		saved:     make(map[string]string),
		evidence:  evidence,
	}
	for _, dir := range []string{sb.TmpRoot, sb.OutRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sandbox: creating %s: %w", dir, err)
		}
	}

	for _, key := range envKeys {
		sb.saved[key] = os.Getenv(key)
		if err := os.Setenv(key, sb.TmpRoot); err != nil {
			return nil, fmt.Errorf("sandbox: setting %s: %w", key, err)
		}
	}
	sb.saved["PYTHONDONTWRITEBYTECODE"] = os.Getenv("PYTHONDONTWRITEBYTECODE")
	if err := os.Setenv("PYTHONDONTWRITEBYTECODE", "1"); err != nil {
		return nil, err
	}
	return sb, nil
}

// Exit restores the environment. The tmp and output trees are left in place
// for verification and promotion.
func (sb *Sandbox) Exit() {
	for key, val := range sb.saved {
		if val == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, val)
		}
	}
}

// walk collects every regular file under root, relative to root.
func walk(root string) ([]RealizedWrite, error) {
	var out []RealizedWrite
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		hash, err := canonicalize.FileHash(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, RealizedWrite{Path: rel, Hash: hash, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: walking %s: %w", root, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// VerifyWrites walks both sandbox roots, hashing every file found. Output-root
// writes are compared against the declaration; validity requires set equality:
// every declared path exists and no undeclared path exists. Tmp-root files are
// scratch: recorded with their hashes for evidence, exempt from declaration
// matching. Violations are appended to the evidence ledger.
func (sb *Sandbox) VerifyWrites(ctx context.Context) (*VerifyResult, error) {
	realized, err := walk(sb.OutRoot)
	if err != nil {
		return nil, err
	}
	scratch, err := walk(sb.TmpRoot)
	if err != nil {
		return nil, err
	}

	declaredSet := make(map[string]bool, len(sb.declared))
	for _, d := range sb.declared {
		declaredSet[filepath.Clean(d.Path)] = true
	}
	realizedSet := make(map[string]bool, len(realized))
	for _, r := range realized {
		realizedSet[filepath.Clean(r.Path)] = true
	}

	res := &VerifyResult{Realized: realized, Scratch: scratch, Valid: true}
	for path := range declaredSet {
		if !realizedSet[path] {
			res.Valid = false
			res.Violations = append(res.Violations, Violation{Kind: "missing_declared", Path: path})
		}
	}
	for path := range realizedSet {
		if !declaredSet[path] {
			res.Valid = false
			res.Violations = append(res.Violations, Violation{Kind: "undeclared_write", Path: path})
		}
	}
	sort.Slice(res.Violations, func(i, j int) bool { return res.Violations[i].Path < res.Violations[j].Path })

	if !res.Valid && sb.evidence != nil {
		detail := map[string]any{"violations": res.Violations, "realized_count": len(realized), "scratch_count": len(scratch)}
		_, err := sb.evidence.Append(ctx, &ledger.Entry{
			EventType: ledger.EventCapabilityViolation,
			Metadata: ledger.Metadata{
				Provenance: ledger.Provenance{SessionID: sb.SessionID},
				Scope:      ledger.Scope{Tier: string(layout.TierHO1)},
				Outcome:    ledger.Outcome{Status: "failed", Error: "CAPABILITY_VIOLATION"},
				Detail:     detail,
			},
		})
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Promote moves declared outputs from the session output root to finalDir.
// It refuses to promote when verification failed.
func (sb *Sandbox) Promote(ctx context.Context, finalDir string) error {
	res, err := sb.VerifyWrites(ctx)
	if err != nil {
		return err
	}
	if !res.Valid {
		return fmt.Errorf("sandbox: CAPABILITY_VIOLATION: %d write-surface violations, outputs not promoted", len(res.Violations))
	}
	for _, r := range res.Realized {
		dst := filepath.Join(finalDir, r.Path)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.Rename(filepath.Join(sb.OutRoot, r.Path), dst); err != nil {
			return fmt.Errorf("sandbox: promoting %s: %w", r.Path, err)
		}
	}
	return nil
}
