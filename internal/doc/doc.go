// Package doc implements the repository identity document: metadata,
// delegates, signing threshold, visibility, and canonical-reference rules.
package doc

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"driftwood/internal/identity"
)

// Visibility controls who may fetch a repository.
type Visibility string

const (
	// VisibilityPublic allows any node to fetch.
	VisibilityPublic Visibility = "public"
	// VisibilityPrivate restricts fetches to Allow.
	VisibilityPrivate Visibility = "private"
)

// CanonicalRule maps a reference pattern to the quorum required to accept a
// canonical target for it.
type CanonicalRule struct {
	Threshold int      `json:"threshold"`
	Allow     []string `json:"allow"` // DIDs, or the literal "delegates" keyword
}

// UsesDelegateSet reports whether the rule defers to the full delegate set
// rather than naming an explicit allow-list.
func (r CanonicalRule) UsesDelegateSet() bool {
	return len(r.Allow) == 1 && r.Allow[0] == "delegates"
}

// Payload is the signable body of an identity document.
type Payload struct {
	Name          string                   `json:"name"`
	Description   string                   `json:"description"`
	DefaultBranch string                   `json:"default_branch"`
	Delegates     []string                 `json:"delegates"` // DIDs
	Threshold     int                      `json:"threshold"`
	Visibility    Visibility               `json:"visibility"`
	Allow         []string                 `json:"allow,omitempty"` // DIDs, when Visibility == private
	CanonicalRefs map[string]CanonicalRule `json:"canonical_refs"`
	Revision      uint64                   `json:"revision"`
}

// Canonicalize returns a deterministic JSON encoding of the payload, with
// object keys sorted, suitable for hashing and signing.
func (p Payload) Canonicalize() ([]byte, error) {
	// encoding/json sorts map keys already; re-marshal through a generic
	// value to guarantee it for nested structures too.
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("doc: marshal payload: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("doc: canonicalize: %w", err)
	}
	return canonicalJSON(generic)
}

func canonicalJSON(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := canonicalJSON(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			eb, err := canonicalJSON(e)
			if err != nil {
				return nil, err
			}
			buf.Write(eb)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return json.Marshal(val)
	}
}

// Signature is one delegate's signature over a document revision.
type Signature struct {
	Signer string `json:"signer"` // DID
	Sig    []byte `json:"sig"`
}

// Doc is a signed identity document: a payload plus the signatures
// authorizing it. A document is valid when at least Threshold distinct
// delegates' signatures verify against the canonical payload bytes.
type Doc struct {
	Payload    Payload     `json:"payload"`
	Signatures []Signature `json:"signatures"`
}

// IsDelegate reports whether did is one of the payload's delegates.
func (p Payload) IsDelegate(did string) bool {
	for _, d := range p.Delegates {
		if d == did {
			return true
		}
	}
	return false
}

// IsAllowed reports whether did may fetch the repository: always true for a
// public repository, otherwise true only if did is in Allow or is a
// delegate.
func (p Payload) IsAllowed(did string) bool {
	if p.Visibility == VisibilityPublic {
		return true
	}
	if p.IsDelegate(did) {
		return true
	}
	for _, a := range p.Allow {
		if a == did {
			return true
		}
	}
	return false
}

// Verify checks that the document carries signatures from at least
// Threshold distinct delegates, each verifying against the canonical
// payload bytes. Signatures from non-delegates, or from signers that do not
// resolve to an Ed25519 key, are not counted.
func (d Doc) Verify(resolve func(did string) (ed25519.PublicKey, error)) error {
	canon, err := d.Payload.Canonicalize()
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, sig := range d.Signatures {
		if !d.Payload.IsDelegate(sig.Signer) {
			continue // non-delegate signatures don't count toward quorum
		}
		pub, err := resolve(sig.Signer)
		if err != nil {
			continue
		}
		if ed25519.Verify(pub, canon, sig.Sig) {
			seen[sig.Signer] = true
		}
	}
	if len(seen) < d.Payload.Threshold {
		return fmt.Errorf("doc: %d of %d required delegate signatures verified", len(seen), d.Payload.Threshold)
	}
	return nil
}

// Sign produces a Signature for the document's canonical payload using kp,
// identified by its DID.
func Sign(p Payload, kp *identity.Keypair) (Signature, error) {
	canon, err := p.Canonicalize()
	if err != nil {
		return Signature{}, err
	}
	return Signature{Signer: kp.NID().DID(), Sig: kp.Sign(canon)}, nil
}

func emptyTree(repo *git.Repository) (plumbing.Hash, error) {
	obj := repo.Storer.NewEncodedObject()
	if err := (&object.Tree{}).Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("doc: encode empty tree: %w", err)
	}
	hash, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("doc: store empty tree: %w", err)
	}
	return hash, nil
}

// PublishToRepo commits d as the new tip of ref, parented on the ref's
// current tip if it already exists (a linear history of document
// revisions, mirroring internal/cob's change-as-commit-message encoding:
// the document carries no tree content of its own).
func PublishToRepo(repo *git.Repository, ref plumbing.ReferenceName, d Doc, author string) (plumbing.Hash, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("doc: marshal document: %w", err)
	}

	var parents []plumbing.Hash
	if cur, err := repo.Reference(ref, true); err == nil {
		parents = []plumbing.Hash{cur.Hash()}
	} else if err != plumbing.ErrReferenceNotFound {
		return plumbing.ZeroHash, fmt.Errorf("doc: resolve %s: %w", ref, err)
	}

	tree, err := emptyTree(repo)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	sig := object.Signature{Name: author, Email: author, When: time.Now().UTC()}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      string(body),
		TreeHash:     tree,
		ParentHashes: parents,
	}
	obj := repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("doc: encode document commit: %w", err)
	}
	hash, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("doc: store document commit: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(ref, hash)); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("doc: update ref %s: %w", ref, err)
	}
	return hash, nil
}

// LoadFromRepo resolves ref to its tip commit and unmarshals the commit
// message as a Doc. It returns plumbing.ErrReferenceNotFound, unwrapped,
// when the ref does not exist so callers can distinguish "no identity
// published yet" from a genuine read error.
func LoadFromRepo(repo *git.Repository, ref plumbing.ReferenceName) (*Doc, error) {
	r, err := repo.Reference(ref, true)
	if err != nil {
		return nil, err
	}
	commit, err := repo.CommitObject(r.Hash())
	if err != nil {
		return nil, fmt.Errorf("doc: load commit %s: %w", r.Hash(), err)
	}
	var d Doc
	if err := json.Unmarshal([]byte(commit.Message), &d); err != nil {
		return nil, fmt.Errorf("doc: unmarshal document commit %s: %w", commit.Hash, err)
	}
	return &d, nil
}

// ValidateRules checks that no rule in CanonicalRefs declares the pattern
// matching the default branch explicitly; that is always derived from
// DefaultBranch and conflicts are rejected (spec.md §4.5).
func (p Payload) ValidateRules() error {
	defaultPattern := "refs/heads/" + p.DefaultBranch
	if _, ok := p.CanonicalRefs[defaultPattern]; ok {
		return fmt.Errorf("doc: rule for default branch %q must not be declared explicitly", defaultPattern)
	}
	return nil
}
