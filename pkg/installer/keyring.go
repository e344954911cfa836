package installer

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyProvider abstracts signing so the in-memory backend can be swapped for
// an HSM or KMS.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider holds a keypair in process memory.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey { return m.pub }

// Keyring is the trusted-key registry G5 verifies signatures against.
// Publishers are registered by id; per-publisher keys may be derived from a
// master seed with HKDF so a plane can be re-keyed deterministically.
type Keyring struct {
	trusted map[string]ed25519.PublicKey
}

func NewKeyring() *Keyring {
	return &Keyring{trusted: make(map[string]ed25519.PublicKey)}
}

// Trust registers a publisher key.
func (k *Keyring) Trust(publisherID string, pub ed25519.PublicKey) {
	k.trusted[publisherID] = pub
}

// Verify checks sig over msg against any trusted key, returning the matching
// publisher id.
func (k *Keyring) Verify(msg, sig []byte) (string, bool) {
	for id, pub := range k.trusted {
		if ed25519.Verify(pub, msg, sig) {
			return id, true
		}
	}
	return "", false
}

// DerivePublisher derives a deterministic publisher keypair from a master
// seed via HKDF-SHA256, with the publisher id as the info string.
func DerivePublisher(masterSeed []byte, publisherID string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if len(masterSeed) < ed25519.SeedSize {
		return nil, nil, fmt.Errorf("installer: master seed must be at least %d bytes", ed25519.SeedSize)
	}
	if publisherID == "" {
		return nil, nil, fmt.Errorf("installer: empty publisher id")
	}
	r := hkdf.New(sha256.New, masterSeed, nil, []byte("braingarden/publisher/"+publisherID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, nil, fmt.Errorf("installer: hkdf expand: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv, nil
}

// SignManifest signs a manifest with the provider and stores the hex
// signature in its signature field.
func SignManifest(m *Manifest, p KeyProvider) error {
	payload, err := m.SignedPayload()
	if err != nil {
		return err
	}
	sig, err := p.Sign(payload)
	if err != nil {
		return err
	}
	m.Signature = hex.EncodeToString(sig)
	return nil
}
