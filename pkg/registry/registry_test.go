package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadFilterLookup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "specs.csv")
	body := "spec_id,framework_id,status\nspec.chat,fw.conversation,active\nspec.install,fw.infra,active\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	rows, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}

	active := Filter(rows, map[string]string{"status": "active", "framework_id": "fw.infra"})
	if len(active) != 1 || active[0]["spec_id"] != "spec.install" {
		t.Errorf("filter = %v", active)
	}

	if row := Lookup(rows, "spec_id", "spec.chat"); row == nil || row["framework_id"] != "fw.conversation" {
		t.Errorf("lookup = %v", row)
	}
	if row := Lookup(rows, "spec_id", "spec.nope"); row != nil {
		t.Errorf("lookup miss = %v", row)
	}
}

func TestRead_MissingFileIsEmpty(t *testing.T) {
	rows, err := Read(filepath.Join(t.TempDir(), "absent.csv"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows != nil {
		t.Errorf("rows = %v", rows)
	}
}

func TestAppendRows_WritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frameworks.csv")
	header := []string{"framework_id", "status"}

	if err := AppendRows(path, header, []Row{{"framework_id": "fw.a", "status": "active"}}); err != nil {
		t.Fatal(err)
	}
	if err := AppendRows(path, header, []Row{{"framework_id": "fw.b", "status": "active"}}); err != nil {
		t.Fatal(err)
	}

	rows, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2 (header must not repeat)", len(rows))
	}
}

func fixedClock() time.Time {
	return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
}

func TestOwnership_TransferPreservesHistory(t *testing.T) {
	log := NewOwnershipLog(filepath.Join(t.TempDir(), "file_ownership.csv"))
	log.Clock = fixedClock

	// Package A installs lib/foo.
	if err := log.Append([]OwnershipRow{log.RecordInstall("lib/foo", "pkg.a", "sha256:aa", "code")}); err != nil {
		t.Fatal(err)
	}
	owner, err := log.CurrentOwner("lib/foo")
	if err != nil {
		t.Fatal(err)
	}
	if owner != "pkg.a" {
		t.Fatalf("owner = %q", owner)
	}

	// Package B takes it over: ownership row for B, supersession row for A.
	err = log.Append([]OwnershipRow{
		log.RecordInstall("lib/foo", "pkg.b", "sha256:bb", "code"),
		log.RecordSupersession("lib/foo", "pkg.a", "pkg.b"),
	})
	if err != nil {
		t.Fatal(err)
	}

	owner, _ = log.CurrentOwner("lib/foo")
	if owner != "pkg.b" {
		t.Errorf("owner after transfer = %q, want pkg.b", owner)
	}

	history, _ := log.History("lib/foo")
	if len(history) != 3 {
		t.Fatalf("history rows = %d, want 3", len(history))
	}
	// A's original row is untouched.
	if history[0].PackageID != "pkg.a" || history[0].ReplacedDate != "" || history[0].SupersededBy != "" {
		t.Errorf("original row mutated: %+v", history[0])
	}
	// Supersession row records the transfer.
	last := history[2]
	if last.PackageID != "pkg.a" || last.SupersededBy != "pkg.b" || last.ReplacedDate == "" {
		t.Errorf("supersession row = %+v", last)
	}
}

func TestOwnership_Owners(t *testing.T) {
	log := NewOwnershipLog(filepath.Join(t.TempDir(), "file_ownership.csv"))
	log.Clock = fixedClock

	_ = log.Append([]OwnershipRow{
		log.RecordInstall("a.txt", "pkg.a", "sha256:01", "doc"),
		log.RecordInstall("b.txt", "pkg.a", "sha256:02", "doc"),
	})
	_ = log.Append([]OwnershipRow{
		log.RecordInstall("b.txt", "pkg.b", "sha256:03", "doc"),
		log.RecordSupersession("b.txt", "pkg.a", "pkg.b"),
	})

	owners, err := log.Owners()
	if err != nil {
		t.Fatal(err)
	}
	if owners["a.txt"] != "pkg.a" || owners["b.txt"] != "pkg.b" {
		t.Errorf("owners = %v", owners)
	}
}
