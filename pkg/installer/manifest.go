// Package installer installs governed packages into the control plane through
// the gate pipeline: integrity, declaration, chain, completeness and signature
// checks, then an atomic copy with backup and rollback. The ledger commits
// first; ownership rows and receipts follow it.
package installer

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/rabruni/Brain-Garden-sub005/pkg/schema"
)

// Asset is one governed file in a package.
type Asset struct {
	Path           string `json:"path"`
	SHA256         string `json:"sha256"`
	Classification string `json:"classification"`
}

// Manifest describes one installable package.
type Manifest struct {
	PackageID     string   `json:"package_id"`
	SchemaVersion string   `json:"schema_version"`
	Version       string   `json:"version"`
	SpecID        string   `json:"spec_id"`
	PlaneID       string   `json:"plane_id"`
	PackageType   string   `json:"package_type"`
	Assets        []Asset  `json:"assets"`
	Dependencies  []string `json:"dependencies,omitempty"`
	Signature     string   `json:"signature,omitempty"`
}

// ManifestName is the manifest's filename inside an archive.
const ManifestName = "manifest.json"

// LoadManifest parses and validates a manifest file.
func LoadManifest(path string, v *schema.Validator) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Class: ClassIO, Err: fmt.Errorf("reading manifest: %w", err)}
	}
	return ParseManifest(data, v)
}

// ParseManifest parses and validates manifest bytes.
func ParseManifest(data []byte, v *schema.Validator) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &Error{Class: ClassValidation, Err: fmt.Errorf("parsing manifest: %w", err)}
	}
	if err := v.Validate(schema.KindPackageManifest, &m); err != nil {
		return nil, &Error{Class: ClassValidation, Err: err}
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return nil, &Error{Class: ClassValidation, Err: fmt.Errorf("version %q is not semver: %w", m.Version, err)}
	}
	if _, err := semver.NewVersion(m.SchemaVersion); err != nil {
		return nil, &Error{Class: ClassValidation, Err: fmt.Errorf("schema_version %q is not semver: %w", m.SchemaVersion, err)}
	}
	return &m, nil
}

// SignedPayload is the canonical byte string a package signature covers: the
// manifest with the signature field emptied.
func (m *Manifest) SignedPayload() ([]byte, error) {
	clone := *m
	clone.Signature = ""
	return json.Marshal(&clone)
}

// Receipt mirrors the manifest plus install metadata. Receipts drive G0B
// system-integrity rehashing on later installs.
type Receipt struct {
	Manifest
	InstalledAt string `json:"installed_at"`
}

// NewReceipt stamps a receipt for a completed install.
func NewReceipt(m *Manifest, at time.Time) *Receipt {
	return &Receipt{Manifest: *m, InstalledAt: at.UTC().Format(time.RFC3339)}
}
