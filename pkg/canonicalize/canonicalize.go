// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 helpers for deterministic hashing of kernel
// artifacts: ledger entries, manifests, assembled contexts.
//
// Convention: string payloads (keys and values) are NFC-normalized before
// canonical serialization, so visually identical non-ASCII payloads hash
// identically regardless of producer normalization form.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// HashPrefix is the scheme prefix used for hash fields in manifests and
// registries: "sha256:<64 hex>".
const HashPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with the standard library (respecting json tags),
// decoded into a generic tree with json.Number to preserve numeric exactness,
// NFC-normalized, and finally transformed by gowebpki/jcs.
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}

	normalized, err := marshalNormalized(normalizeStrings(generic))
	if err != nil {
		return nil, err
	}

	canonical, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return canonical, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical form of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes as a lowercase hex string.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HashString computes the SHA-256 hash of a UTF-8 string.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// FileHash computes the SHA-256 hash of a file's contents.
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("canonicalize: hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FormatHash renders a bare hex digest as a prefixed manifest hash field.
func FormatHash(hexDigest string) string {
	return HashPrefix + hexDigest
}

// ParseHash strips the sha256 prefix from a manifest hash field and validates
// the digest length.
func ParseHash(field string) (string, error) {
	if !strings.HasPrefix(field, HashPrefix) {
		return "", fmt.Errorf("canonicalize: hash field %q missing %q prefix", field, HashPrefix)
	}
	digest := strings.TrimPrefix(field, HashPrefix)
	if len(digest) != 64 {
		return "", fmt.Errorf("canonicalize: hash field %q: digest must be 64 hex chars", field)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("canonicalize: hash field %q: %w", field, err)
	}
	return strings.ToLower(digest), nil
}

func normalizeStrings(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []interface{}:
		for i, elem := range t {
			t[i] = normalizeStrings(elem)
		}
		return t
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalizeStrings(val)
		}
		return out
	default:
		return v
	}
}

// marshalNormalized re-encodes the generic tree without HTML escaping so the
// jcs transform sees the raw string bytes.
func marshalNormalized(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonicalize: normalized marshal failed: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
