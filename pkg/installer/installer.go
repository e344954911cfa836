package installer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rabruni/Brain-Garden-sub005/pkg/canonicalize"
	"github.com/rabruni/Brain-Garden-sub005/pkg/layout"
	"github.com/rabruni/Brain-Garden-sub005/pkg/ledger"
	"github.com/rabruni/Brain-Garden-sub005/pkg/registry"
	"github.com/rabruni/Brain-Garden-sub005/pkg/schema"
)

// Installer runs the gated install pipeline for one plane.
type Installer struct {
	Lay       *layout.Layout
	Tier      layout.Tier
	Validator *schema.Validator
	Ledger    *ledger.Client
	Ownership *registry.OwnershipLog

	Keyring       *Keyring
	DevMode       bool
	AllowUnsigned bool
	Force         bool
	Completeness  CompletenessValidator

	Log   *slog.Logger
	Clock func() time.Time
}

func New(lay *layout.Layout, tier layout.Tier, v *schema.Validator, lc *ledger.Client, own *registry.OwnershipLog) *Installer {
	return &Installer{
		Lay:       lay,
		Tier:      tier,
		Validator: v,
		Ledger:    lc,
		Ownership: own,
		Log:       slog.Default(),
		Clock:     time.Now,
	}
}

// Result reports a completed install.
type Result struct {
	Receipt       *Receipt          `json:"receipt"`
	TransferPaths map[string]string `json:"transfer_paths,omitempty"`
	LedgerEntryID string            `json:"ledger_entry_id"`
}

// Install fetches, gates and installs one package archive. Validation and
// integrity failures leave the plane untouched; post-copy validation failures
// roll the copy back; a ledger write failure after copy aborts without
// touching ownership rows or receipts.
func (ins *Installer) Install(ctx context.Context, archiveRef string) (*Result, error) {
	staging, err := os.MkdirTemp("", "bg-install-*")
	if err != nil {
		return nil, &Error{Class: ClassIO, Err: err}
	}
	defer os.RemoveAll(staging)

	fetcher, err := ResolveFetcher(ctx, archiveRef)
	if err != nil {
		return nil, err
	}
	archive, err := fetcher.Fetch(ctx, archiveRef, staging)
	if err != nil {
		return nil, err
	}

	workspace := filepath.Join(staging, "workspace")
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, &Error{Class: ClassIO, Err: err}
	}
	if err := Extract(archive, workspace); err != nil {
		return nil, err
	}

	m, err := LoadManifest(filepath.Join(workspace, ManifestName), ins.Validator)
	if err != nil {
		return nil, err
	}
	if !ins.Force {
		if _, statErr := os.Stat(ins.Lay.ReceiptPath(ins.Tier, m.PackageID)); statErr == nil {
			return nil, &Error{Class: ClassValidation,
				Err: fmt.Errorf("package %s is already installed; re-run with --force to reinstall", m.PackageID)}
		}
	}
	ins.Log.Info("install started", "package_id", m.PackageID, "version", m.Version, "assets", len(m.Assets))

	if _, err := ins.appendEvent(ctx, ledger.EventInstallStarted, m, ledger.Outcome{Status: "started"}, nil); err != nil {
		return nil, &Error{Class: ClassLedger, Err: err}
	}

	cc := &CheckContext{
		Manifest:      m,
		Workspace:     workspace,
		Lay:           ins.Lay,
		Tier:          ins.Tier,
		Keyring:       ins.Keyring,
		DevMode:       ins.DevMode,
		AllowUnsigned: ins.AllowUnsigned,
		Completeness:  ins.Completeness,
	}
	for _, gate := range Gates() {
		if err := gate.Check(cc); err != nil {
			ins.failEvent(ctx, m, err)
			return nil, err
		}
	}

	transferPaths, err := ins.transferPaths(m)
	if err != nil {
		ins.failEvent(ctx, m, err)
		return nil, err
	}

	backupDir := filepath.Join(staging, "backup")
	backed, err := ins.backup(m, backupDir)
	if err != nil {
		ins.failEvent(ctx, m, err)
		return nil, err
	}

	installed, err := ins.copyAssets(m, workspace)
	if err != nil {
		ins.rollback(installed, backed, backupDir)
		ins.failEvent(ctx, m, err)
		return nil, err
	}

	if err := ins.postValidate(m); err != nil {
		ins.rollback(installed, backed, backupDir)
		ins.failEvent(ctx, m, err)
		return nil, err
	}

	// Commit order: ledger first. The ledger is truth; ownership rows and
	// receipts follow it, never precede it.
	entryID, err := ins.appendEvent(ctx, ledger.EventInstalled, m, ledger.Outcome{Status: "success"},
		map[string]any{"transfer_paths": transferPaths})
	if err != nil {
		return nil, &Error{Class: ClassLedger, Err: err}
	}

	var rows []registry.OwnershipRow
	for _, asset := range m.Assets {
		rows = append(rows, ins.Ownership.RecordInstall(asset.Path, m.PackageID, asset.SHA256, asset.Classification))
	}
	for path, oldOwner := range transferPaths {
		rows = append(rows, ins.Ownership.RecordSupersession(path, oldOwner, m.PackageID))
	}
	if err := ins.Ownership.Append(rows); err != nil {
		return nil, &Error{Class: ClassIO, Err: fmt.Errorf("ownership append after commit: %w", err)}
	}

	receipt := NewReceipt(m, ins.Clock())
	if err := ins.writeReceipt(m, receipt, workspace); err != nil {
		return nil, err
	}

	ins.Log.Info("install committed", "package_id", m.PackageID, "transfers", len(transferPaths))
	return &Result{Receipt: receipt, TransferPaths: transferPaths, LedgerEntryID: entryID}, nil
}

// transferPaths maps each asset path currently owned by another package to
// that owner.
func (ins *Installer) transferPaths(m *Manifest) (map[string]string, error) {
	out := make(map[string]string)
	for _, asset := range m.Assets {
		owner, err := ins.Ownership.CurrentOwner(asset.Path)
		if err != nil {
			return nil, &Error{Class: ClassIO, Err: err}
		}
		if owner != "" && owner != m.PackageID {
			out[asset.Path] = owner
		}
	}
	return out, nil
}

// backup copies files about to be overwritten into backupDir, returning the
// relative paths preserved.
func (ins *Installer) backup(m *Manifest, backupDir string) ([]string, error) {
	var backed []string
	for _, asset := range m.Assets {
		src := filepath.Join(ins.Lay.TierRoot(ins.Tier), asset.Path)
		if _, err := os.Stat(src); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return backed, &Error{Class: ClassIO, Err: err}
		}
		dst := filepath.Join(backupDir, asset.Path)
		if err := copyFile(src, dst); err != nil {
			return backed, &Error{Class: ClassIO, Err: fmt.Errorf("backup %s: %w", asset.Path, err)}
		}
		backed = append(backed, asset.Path)
	}
	return backed, nil
}

// copyAssets moves the extracted files into the plane root, returning the
// relative paths written so far for rollback.
func (ins *Installer) copyAssets(m *Manifest, workspace string) ([]string, error) {
	var installed []string
	for _, asset := range m.Assets {
		src := filepath.Join(workspace, asset.Path)
		dst := filepath.Join(ins.Lay.TierRoot(ins.Tier), asset.Path)
		if err := copyFile(src, dst); err != nil {
			return installed, &Error{Class: ClassIO, Err: fmt.Errorf("installing %s: %w", asset.Path, err)}
		}
		installed = append(installed, asset.Path)
	}
	return installed, nil
}

// postValidate rehashes every installed file against the manifest.
func (ins *Installer) postValidate(m *Manifest) error {
	for _, asset := range m.Assets {
		full := filepath.Join(ins.Lay.TierRoot(ins.Tier), asset.Path)
		digest, err := canonicalize.FileHash(full)
		if err != nil {
			return &Error{Class: ClassIntegrity, Err: fmt.Errorf("post-install rehash %s: %w", asset.Path, err)}
		}
		if hash := canonicalize.FormatHash(digest); hash != asset.SHA256 {
			return &Error{Class: ClassIntegrity,
				Err: fmt.Errorf("post-install mismatch %s: have %s want %s", asset.Path, hash, asset.SHA256)}
		}
	}
	return nil
}

// rollback restores backups, removes files this install wrote, and prunes
// directories left empty.
func (ins *Installer) rollback(installed, backed []string, backupDir string) {
	root := ins.Lay.TierRoot(ins.Tier)
	restored := make(map[string]bool, len(backed))
	for _, rel := range backed {
		if err := copyFile(filepath.Join(backupDir, rel), filepath.Join(root, rel)); err != nil {
			ins.Log.Error("rollback restore failed", "path", rel, "error", err)
			continue
		}
		restored[rel] = true
	}
	for _, rel := range installed {
		if restored[rel] {
			continue
		}
		full := filepath.Join(root, rel)
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			ins.Log.Error("rollback remove failed", "path", rel, "error", err)
			continue
		}
		pruneEmptyDirs(filepath.Dir(full), root)
	}
}

func pruneEmptyDirs(dir, stop string) {
	for dir != stop && dir != "." && dir != string(filepath.Separator) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (ins *Installer) writeReceipt(m *Manifest, r *Receipt, workspace string) error {
	dir := filepath.Join(ins.Lay.InstalledDir(ins.Tier), m.PackageID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &Error{Class: ClassIO, Err: err}
	}
	if err := copyFile(filepath.Join(workspace, ManifestName), ins.Lay.InstalledManifestPath(ins.Tier, m.PackageID)); err != nil {
		return &Error{Class: ClassIO, Err: err}
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return &Error{Class: ClassIO, Err: err}
	}
	if err := os.WriteFile(ins.Lay.ReceiptPath(ins.Tier, m.PackageID), data, 0o644); err != nil {
		return &Error{Class: ClassIO, Err: err}
	}
	return nil
}

func (ins *Installer) appendEvent(ctx context.Context, eventType string, m *Manifest, outcome ledger.Outcome, extra map[string]any) (string, error) {
	assets := make([]map[string]any, len(m.Assets))
	for i, a := range m.Assets {
		assets[i] = map[string]any{"path": a.Path, "sha256": a.SHA256, "classification": a.Classification}
	}
	detail := map[string]any{
		"version": m.Version,
		"spec_id": m.SpecID,
		"assets":  assets,
	}
	for k, v := range extra {
		detail[k] = v
	}
	return ins.Ledger.Append(ctx, &ledger.Entry{
		EventType: eventType,
		Metadata: ledger.Metadata{
			Provenance: ledger.Provenance{PackageID: m.PackageID},
			Scope:      ledger.Scope{Tier: string(ins.Tier)},
			Outcome:    outcome,
			Detail:     detail,
		},
	})
}

// failEvent best-effort records an INSTALL_FAILED entry; a failing ledger at
// this point must not mask the original error.
func (ins *Installer) failEvent(ctx context.Context, m *Manifest, cause error) {
	if _, err := ins.appendEvent(ctx, ledger.EventInstallFailed, m,
		ledger.Outcome{Status: "failed", Error: cause.Error()}, nil); err != nil {
		ins.Log.Error("INSTALL_FAILED entry not written", "package_id", m.PackageID, "error", err)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
