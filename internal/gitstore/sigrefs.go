package gitstore

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"

	"driftwood/internal/identity"
)

// SigrefsPayload is the signable body published under a peer's sigrefs ref:
// a snapshot of every reference the peer holds under its own namespace,
// monotonically versioned (spec.md §3 "Signed refs (sigrefs)").
type SigrefsPayload struct {
	RID     string            `json:"rid"`
	NID     string            `json:"nid"`
	Version uint64            `json:"version"`
	Refs    map[string]string `json:"refs"` // refname -> hex OID
}

// Canonicalize returns a deterministic encoding of the payload suitable for
// signing: map keys sorted, no whitespace.
func (p SigrefsPayload) Canonicalize() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("gitstore: marshal sigrefs: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("gitstore: canonicalize sigrefs: %w", err)
	}
	return canonicalJSON(generic)
}

// Sigrefs is a signed snapshot of a peer's refs for one repository.
type Sigrefs struct {
	Payload   SigrefsPayload `json:"payload"`
	Signature []byte         `json:"signature"`
}

// Sign produces a signed Sigrefs for refs, published by kp at the given
// version.
func Sign(kp *identity.Keypair, rid string, version uint64, refs map[string]string) (Sigrefs, error) {
	payload := SigrefsPayload{
		RID:     rid,
		NID:     kp.NID().String(),
		Version: version,
		Refs:    refs,
	}
	canon, err := payload.Canonicalize()
	if err != nil {
		return Sigrefs{}, err
	}
	return Sigrefs{Payload: payload, Signature: kp.Sign(canon)}, nil
}

// Verify checks the signature against pub and that the payload's NID matches
// the signer's own public key, per spec.md's "sigrefs must be self-signed"
// invariant.
func (s Sigrefs) Verify(pub ed25519.PublicKey) error {
	nid, err := identity.NIDFromPublicKey(pub)
	if err != nil {
		return err
	}
	if s.Payload.NID != nid.String() {
		return fmt.Errorf("gitstore: sigrefs signer %s does not match payload nid %s", nid, s.Payload.NID)
	}
	canon, err := s.Payload.Canonicalize()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, canon, s.Signature) {
		return fmt.Errorf("gitstore: sigrefs signature invalid for nid %s", s.Payload.NID)
	}
	return nil
}

// Supersedes reports whether s is a newer publication than other for the
// same (rid, nid) pair: a strictly greater version number. Ties and
// regressions are rejected by callers applying incoming sigrefs, per
// spec.md's "monotonic per-origin timestamps" rule for announcements
// applied to the same origin.
func (s Sigrefs) Supersedes(other Sigrefs) bool {
	return s.Payload.Version > other.Payload.Version
}

// SortedRefnames returns the payload's reference names in sorted order, used
// when building deterministic ref-update plans.
func (p SigrefsPayload) SortedRefnames() []string {
	names := make([]string, 0, len(p.Refs))
	for name := range p.Refs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func canonicalJSON(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := canonicalJSON(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []any:
		out := []byte{'['}
		for i, e := range val {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := canonicalJSON(e)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}
