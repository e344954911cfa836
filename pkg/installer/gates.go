package installer

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rabruni/Brain-Garden-sub005/pkg/canonicalize"
	"github.com/rabruni/Brain-Garden-sub005/pkg/layout"
	"github.com/rabruni/Brain-Garden-sub005/pkg/registry"
)

// CompletenessValidator is the G1-COMPLETE capability. Absent at Layer 0
// bootstrap, in which case the gate passes trivially.
type CompletenessValidator interface {
	ValidateFramework(frameworkID string, m *Manifest) error
}

// CheckContext carries everything a gate may inspect.
type CheckContext struct {
	Manifest  *Manifest
	Workspace string // extracted archive root
	Lay       *layout.Layout
	Tier      layout.Tier

	Keyring       *Keyring
	DevMode       bool
	AllowUnsigned bool
	Completeness  CompletenessValidator
}

// Gate is one install check. Gates never mutate state.
type Gate interface {
	Name() string
	Check(cc *CheckContext) error
}

// Gates returns the pipeline in check order.
func Gates() []Gate {
	return []Gate{G0B{}, G0A{}, G1{}, G1Complete{}, G5{}}
}

// GateByName resolves a single gate for CLI gate_check.
func GateByName(name string) (Gate, error) {
	for _, g := range Gates() {
		if g.Name() == name {
			return g, nil
		}
	}
	return nil, fmt.Errorf("installer: unknown gate %q", name)
}

// G0B rehashes every file listed in existing receipts against the plane.
// A plane with no receipts passes trivially.
type G0B struct{}

func (G0B) Name() string { return "G0B" }

func (G0B) Check(cc *CheckContext) error {
	installedDir := cc.Lay.InstalledDir(cc.Tier)
	entries, err := os.ReadDir(installedDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &Error{Class: ClassIO, Gate: "G0B", Err: err}
	}

	var mismatches []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		receiptPath := cc.Lay.ReceiptPath(cc.Tier, e.Name())
		data, err := os.ReadFile(receiptPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return &Error{Class: ClassIO, Gate: "G0B", Err: err}
		}
		var r Receipt
		if err := json.Unmarshal(data, &r); err != nil {
			return &Error{Class: ClassIntegrity, Gate: "G0B", Err: fmt.Errorf("corrupt receipt for %s: %w", e.Name(), err)}
		}
		for _, asset := range r.Assets {
			full := filepath.Join(cc.Lay.TierRoot(cc.Tier), asset.Path)
			digest, err := canonicalize.FileHash(full)
			if err != nil {
				mismatches = append(mismatches, fmt.Sprintf("%s: missing (%v)", asset.Path, err))
				continue
			}
			if hash := canonicalize.FormatHash(digest); hash != asset.SHA256 {
				mismatches = append(mismatches, fmt.Sprintf("%s: have %s want %s", asset.Path, hash, asset.SHA256))
			}
		}
	}
	if len(mismatches) > 0 {
		sort.Strings(mismatches)
		return &Error{Class: ClassIntegrity, Gate: "G0B",
			Err: fmt.Errorf("system integrity violated for %d files: %s", len(mismatches), strings.Join(mismatches, "; "))}
	}
	return nil
}

// G0A checks the extracted set against the manifest declaration: every file
// declared, every declaration present, every hash matching, no path escapes.
type G0A struct{}

func (G0A) Name() string { return "G0A" }

func unsafePath(p string) bool {
	return filepath.IsAbs(p) || p != filepath.Clean(p) ||
		p == ".." || strings.HasPrefix(p, "../") || strings.Contains(p, "/../")
}

func (G0A) Check(cc *CheckContext) error {
	declared := make(map[string]string, len(cc.Manifest.Assets))
	for _, asset := range cc.Manifest.Assets {
		if unsafePath(asset.Path) {
			return &Error{Class: ClassValidation, Gate: "G0A",
				Err: fmt.Errorf("asset path %q escapes the package root", asset.Path)}
		}
		declared[asset.Path] = asset.SHA256
	}

	extracted := make(map[string]bool)
	err := filepath.WalkDir(cc.Workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(cc.Workspace, path)
		if err != nil {
			return err
		}
		if rel == ManifestName {
			return nil
		}
		extracted[rel] = true
		return nil
	})
	if err != nil {
		return &Error{Class: ClassIO, Gate: "G0A", Err: err}
	}

	var problems []string
	for path := range extracted {
		if _, ok := declared[path]; !ok {
			problems = append(problems, fmt.Sprintf("%s: undeclared", path))
		}
	}
	for path, want := range declared {
		if !extracted[path] {
			problems = append(problems, fmt.Sprintf("%s: declared but missing", path))
			continue
		}
		digest, err := canonicalize.FileHash(filepath.Join(cc.Workspace, path))
		if err != nil {
			return &Error{Class: ClassIO, Gate: "G0A", Err: err}
		}
		if hash := canonicalize.FormatHash(digest); hash != want {
			problems = append(problems, fmt.Sprintf("%s: have %s want %s", path, hash, want))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return &Error{Class: ClassValidation, Gate: "G0A",
			Err: fmt.Errorf("declaration mismatch: %s", strings.Join(problems, "; "))}
	}
	return nil
}

// G1 resolves the manifest's spec in the specs registry and that spec's
// framework in the frameworks registry.
type G1 struct{}

func (G1) Name() string { return "G1" }

func (G1) Check(cc *CheckContext) error {
	specs, err := registry.Read(cc.Lay.RegistryPath(cc.Tier, "specs"))
	if err != nil {
		return &Error{Class: ClassIO, Gate: "G1", Err: err}
	}
	spec := registry.Lookup(specs, "spec_id", cc.Manifest.SpecID)
	if spec == nil {
		return &Error{Class: ClassValidation, Gate: "G1",
			Err: fmt.Errorf("spec_id %q not in specs registry", cc.Manifest.SpecID)}
	}

	frameworkID := spec["framework_id"]
	frameworks, err := registry.Read(cc.Lay.RegistryPath(cc.Tier, "frameworks"))
	if err != nil {
		return &Error{Class: ClassIO, Gate: "G1", Err: err}
	}
	if registry.Lookup(frameworks, "framework_id", frameworkID) == nil {
		return &Error{Class: ClassValidation, Gate: "G1",
			Err: fmt.Errorf("framework_id %q (via spec %s) not in frameworks registry", frameworkID, cc.Manifest.SpecID)}
	}
	return nil
}

// G1Complete invokes the completeness validator when one is registered.
type G1Complete struct{}

func (G1Complete) Name() string { return "G1-COMPLETE" }

func (G1Complete) Check(cc *CheckContext) error {
	if cc.Completeness == nil {
		return nil
	}
	specs, err := registry.Read(cc.Lay.RegistryPath(cc.Tier, "specs"))
	if err != nil {
		return &Error{Class: ClassIO, Gate: "G1-COMPLETE", Err: err}
	}
	frameworkID := ""
	if spec := registry.Lookup(specs, "spec_id", cc.Manifest.SpecID); spec != nil {
		frameworkID = spec["framework_id"]
	}
	if err := cc.Completeness.ValidateFramework(frameworkID, cc.Manifest); err != nil {
		return &Error{Class: ClassValidation, Gate: "G1-COMPLETE", Err: err}
	}
	return nil
}

// G5 verifies the package signature against the trust keyring. Bypassed in
// dev mode or when unsigned packages are explicitly allowed.
type G5 struct{}

func (G5) Name() string { return "G5" }

func (G5) Check(cc *CheckContext) error {
	if cc.DevMode || cc.AllowUnsigned {
		return nil
	}
	if cc.Manifest.Signature == "" {
		return &Error{Class: ClassValidation, Gate: "G5", Err: fmt.Errorf("package is unsigned")}
	}
	if cc.Keyring == nil {
		return &Error{Class: ClassValidation, Gate: "G5", Err: fmt.Errorf("no trust keyring configured")}
	}
	sig, err := hex.DecodeString(cc.Manifest.Signature)
	if err != nil {
		return &Error{Class: ClassValidation, Gate: "G5", Err: fmt.Errorf("malformed signature: %w", err)}
	}
	payload, err := cc.Manifest.SignedPayload()
	if err != nil {
		return &Error{Class: ClassIO, Gate: "G5", Err: err}
	}
	if _, ok := cc.Keyring.Verify(payload, sig); !ok {
		return &Error{Class: ClassValidation, Gate: "G5", Err: fmt.Errorf("signature matches no trusted key")}
	}
	return nil
}
