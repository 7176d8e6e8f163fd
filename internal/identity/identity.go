// Package identity implements the node's long-lived Ed25519 keypair, its
// Node ID (NID) and DID forms, and the SSH-style fingerprint that guards
// against running a node against a mismatched key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/multiformats/go-multibase"
)

// NID is a node identifier: an Ed25519 public key.
type NID [ed25519.PublicKeySize]byte

// NIDFromPublicKey copies an ed25519.PublicKey into a NID.
func NIDFromPublicKey(pub ed25519.PublicKey) (NID, error) {
	var n NID
	if len(pub) != ed25519.PublicKeySize {
		return n, fmt.Errorf("identity: invalid public key length %d", len(pub))
	}
	copy(n[:], pub)
	return n, nil
}

// PublicKey returns the NID as an ed25519.PublicKey.
func (n NID) PublicKey() ed25519.PublicKey {
	pk := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pk, n[:])
	return pk
}

// String renders the NID as multibase base58-btc, e.g. "z6MkhaXg...".
func (n NID) String() string {
	s, err := multibase.Encode(multibase.Base58BTC, n[:])
	if err != nil {
		// multibase.Encode only fails for unsupported bases.
		panic(fmt.Sprintf("identity: encode nid: %v", err))
	}
	return s
}

// DID renders the NID as a did:key URN, wrapping the multibase form.
func (n NID) DID() string {
	return "did:key:" + n.String()
}

// ParseNID parses the multibase base58-btc textual form produced by String.
func ParseNID(s string) (NID, error) {
	var n NID
	_, data, err := multibase.Decode(s)
	if err != nil {
		return n, fmt.Errorf("identity: parse nid: %w", err)
	}
	if len(data) != ed25519.PublicKeySize {
		return n, fmt.Errorf("identity: nid must be %d bytes, got %d", ed25519.PublicKeySize, len(data))
	}
	copy(n[:], data)
	return n, nil
}

// ParseDID strips the "did:key:" prefix before delegating to ParseNID.
func ParseDID(s string) (NID, error) {
	const prefix = "did:key:"
	if !strings.HasPrefix(s, prefix) {
		return NID{}, fmt.Errorf("identity: not a did:key URN: %s", s)
	}
	return ParseNID(strings.TrimPrefix(s, prefix))
}

// Keypair is the node's long-lived signing identity.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh random Ed25519 keypair.
func Generate() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	return &Keypair{Public: pub, Private: priv}, nil
}

// NID returns the Node ID corresponding to this keypair's public key.
func (k *Keypair) NID() NID {
	n, err := NIDFromPublicKey(k.Public)
	if err != nil {
		// Private was validated at Generate/Load time.
		panic(err)
	}
	return n
}

// Sign signs msg with the keypair's private key.
func (k *Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.Private, msg)
}

// Verify checks sig for msg against the keypair's public key.
func (k *Keypair) Verify(msg, sig []byte) bool {
	return ed25519.Verify(k.Public, msg, sig)
}

// Fingerprint returns the SSH-style fingerprint of the public key, e.g.
// "SHA256:47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU".
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// LoadOrCreateKeypair reads an Ed25519 private key from keyPath, creating one
// with a fresh random seed if the file does not yet exist. The file is
// written with 0600 permissions.
func LoadOrCreateKeypair(keyPath string) (*Keypair, bool, error) {
	data, err := os.ReadFile(keyPath)
	if err == nil {
		if len(data) != ed25519.SeedSize {
			return nil, false, fmt.Errorf("identity: key file %s has unexpected length %d", keyPath, len(data))
		}
		priv := ed25519.NewKeyFromSeed(data)
		return &Keypair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("identity: read key %s: %w", keyPath, err)
	}

	kp, err := Generate()
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, false, fmt.Errorf("identity: create key dir: %w", err)
	}
	seed := kp.Private.Seed()
	if err := os.WriteFile(keyPath, seed, 0o600); err != nil {
		return nil, false, fmt.Errorf("identity: write key %s: %w", keyPath, err)
	}
	return kp, true, nil
}

// CheckFingerprint compares the keypair's fingerprint against the one
// recorded at fpPath on a prior run. On first run (file absent) it writes
// the current fingerprint and succeeds. A mismatch returns a *FingerprintMismatchError
// without touching the file, per spec scenario 1 (first-boot fingerprint
// mismatch aborts startup, file untouched).
func CheckFingerprint(kp *Keypair, fpPath string) error {
	want := Fingerprint(kp.Public)

	existing, err := os.ReadFile(fpPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("identity: read fingerprint: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(fpPath), 0o700); err != nil {
			return fmt.Errorf("identity: create fingerprint dir: %w", err)
		}
		return os.WriteFile(fpPath, []byte(want), 0o600)
	}

	got := strings.TrimSpace(string(existing))
	if got != want {
		return &FingerprintMismatchError{Want: got, Got: want}
	}
	return nil
}

// FingerprintMismatchError reports that the running key's fingerprint does
// not match the one recorded from a previous run.
type FingerprintMismatchError struct {
	Want string // recorded on disk
	Got  string // derived from the current key
}

func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("identity: fingerprint mismatch: stored %s, running key is %s", e.Want, e.Got)
}
