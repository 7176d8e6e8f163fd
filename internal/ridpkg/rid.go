// Package ridpkg implements the Repository Identifier (RID): a 20-byte
// content address of a repository's initial identity document.
package ridpkg

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // content-addressing hash, not used for security
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/multiformats/go-multibase"
)

// Size is the length in bytes of a RID.
const Size = 20

// RID is a 20-byte content address of a repository's initial identity
// document. RIDs are totally ordered, hashable, and embeddable in Git
// reference names via their hex form.
type RID [Size]byte

// FromIdentityRoot derives a RID by hashing the canonical bytes of a
// repository's initial identity document (its root revision).
func FromIdentityRoot(canonicalDoc []byte) RID {
	sum := sha1.Sum(canonicalDoc) //nolint:gosec
	var r RID
	copy(r[:], sum[:Size])
	return r
}

// String renders the RID in canonical textual form: "rad:" followed by the
// multibase base58-btc encoding of the raw bytes, e.g.
// "rad:z3gqcJUoA1n9HaHKufZs5FCSGazv5".
func (r RID) String() string {
	enc, err := multibase.Encode(multibase.Base58BTC, r[:])
	if err != nil {
		panic(fmt.Sprintf("ridpkg: encode rid: %v", err))
	}
	return "rad:" + enc
}

// Hex renders the RID as lowercase hex, suitable for embedding in Git
// reference names such as refs/rad/<hex>/id.
func (r RID) Hex() string {
	return hex.EncodeToString(r[:])
}

// Compare provides a total order over RIDs, lexicographic on the raw bytes.
func (r RID) Compare(other RID) int {
	return bytes.Compare(r[:], other[:])
}

// IsZero reports whether r is the zero value.
func (r RID) IsZero() bool {
	return r == RID{}
}

// Parse accepts the canonical "rad:z..." form, a bare "z..." multibase
// string, or a "rad://z..." URL-like form.
func Parse(s string) (RID, error) {
	s = strings.TrimPrefix(s, "rad://")
	s = strings.TrimPrefix(s, "rad:")
	var r RID
	_, data, err := multibase.Decode(s)
	if err != nil {
		return r, fmt.Errorf("ridpkg: parse %q: %w", s, err)
	}
	if len(data) != Size {
		return r, fmt.Errorf("ridpkg: rid must be %d bytes, got %d", Size, len(data))
	}
	copy(r[:], data)
	return r, nil
}

// MarshalText implements encoding.TextMarshaler for JSON/YAML round-tripping.
func (r RID) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
