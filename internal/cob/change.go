// Package cob implements the collaborative-object engine: a typed,
// append-only DAG of signed changes stored as Git commits inside a
// repository, with per-type evaluation and migration-aware deserialization
// (spec.md §4.7).
package cob

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"driftwood/internal/identity"
)

const (
	trailerResource = "Rad-Resource"
	trailerRelated  = "Rad-Related"
)

// Embed is a named byte blob attached to a change, resolved lazily from the
// repository's object database (spec.md §4.7 "Embeds").
type Embed struct {
	Name string        `json:"name"`
	OID  plumbing.Hash `json:"-"`
}

// Change is one node in a collaborative object's change DAG.
type Change struct {
	TypeName  string
	Parents   []plumbing.Hash
	Embeds    []Embed
	Contents  json.RawMessage
	Author    string // DID
	Timestamp time.Time

	// Resource and Related are carried as commit trailers rather than in the
	// signed payload, matching Git's own Signed-off-by convention; they are
	// not covered by Signature.
	Resource string
	Related  []string

	// Signature and OID are populated once the change has been committed.
	Signature []byte
	OID       plumbing.Hash
}

// changeWire is the on-disk JSON shape of a Change: hashes as hex strings so
// the commit body round-trips human-readably.
type changeWire struct {
	TypeName  string          `json:"type"`
	Parents   []string        `json:"parents"`
	Embeds    []embedWire     `json:"embeds,omitempty"`
	Contents  json.RawMessage `json:"contents"`
	Author    string          `json:"author"`
	Timestamp int64           `json:"timestamp"`
	Signature []byte          `json:"signature,omitempty"`
}

type embedWire struct {
	Name string `json:"name"`
	OID  string `json:"oid"`
}

func (c Change) toWire() changeWire {
	parents := make([]string, len(c.Parents))
	for i, p := range sortedHashes(c.Parents) {
		parents[i] = p.String()
	}
	embeds := make([]embedWire, len(c.Embeds))
	for i, e := range c.Embeds {
		embeds[i] = embedWire{Name: e.Name, OID: e.OID.String()}
	}
	return changeWire{
		TypeName:  c.TypeName,
		Parents:   parents,
		Embeds:    embeds,
		Contents:  c.Contents,
		Author:    c.Author,
		Timestamp: c.Timestamp.Unix(),
		Signature: c.Signature,
	}
}

func (w changeWire) toChange() Change {
	parents := make([]plumbing.Hash, len(w.Parents))
	for i, p := range w.Parents {
		parents[i] = plumbing.NewHash(p)
	}
	embeds := make([]Embed, len(w.Embeds))
	for i, e := range w.Embeds {
		embeds[i] = Embed{Name: e.Name, OID: plumbing.NewHash(e.OID)}
	}
	return Change{
		TypeName:  w.TypeName,
		Parents:   parents,
		Embeds:    embeds,
		Contents:  w.Contents,
		Author:    w.Author,
		Timestamp: time.Unix(w.Timestamp, 0).UTC(),
		Signature: w.Signature,
	}
}

// MarshalJSON renders the change with hex-string hashes.
func (c Change) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.toWire())
}

// UnmarshalJSON parses the hex-string-hash wire form.
func (c *Change) UnmarshalJSON(data []byte) error {
	var w changeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = w.toChange()
	return nil
}

// canonicalPayload returns the deterministic bytes a change's signature
// covers: every field except Signature, OID and the Resource/Related
// trailers.
func (c Change) canonicalPayload() ([]byte, error) {
	w := c.toWire()
	w.Signature = nil
	raw, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("cob: marshal change payload: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return canonicalJSON(generic)
}

func sortedHashes(hs []plumbing.Hash) []plumbing.Hash {
	out := make([]plumbing.Hash, len(hs))
	copy(out, hs)
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Sign computes the change's signature using kp and sets Author to the
// signer's DID.
func (c *Change) Sign(kp *identity.Keypair) error {
	c.Author = kp.NID().DID()
	payload, err := c.canonicalPayload()
	if err != nil {
		return err
	}
	c.Signature = kp.Sign(payload)
	return nil
}

// Verify checks the change's signature against the author's resolved public
// key.
func (c Change) Verify(resolve func(did string) (ed25519.PublicKey, error)) error {
	pub, err := resolve(c.Author)
	if err != nil {
		return fmt.Errorf("cob: resolve author %s: %w", c.Author, err)
	}
	payload, err := c.canonicalPayload()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, payload, c.Signature) {
		return fmt.Errorf("cob: signature verification failed for change by %s", c.Author)
	}
	return nil
}

// commitMessage renders the change as a Git commit message: a JSON body
// followed by Rad-Resource / Rad-Related trailers, one per related entry.
func (c Change) commitMessage() (string, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("cob: marshal change body: %w", err)
	}
	var sb strings.Builder
	sb.Write(body)
	sb.WriteString("\n\n")
	if c.Resource != "" {
		fmt.Fprintf(&sb, "%s: %s\n", trailerResource, c.Resource)
	}
	for _, rel := range c.Related {
		fmt.Fprintf(&sb, "%s: %s\n", trailerRelated, rel)
	}
	return sb.String(), nil
}

// parseCommitMessage splits a commit message into its JSON change body and
// trailer values.
func parseCommitMessage(msg string) (body string, resource string, related []string, err error) {
	parts := strings.SplitN(msg, "\n\n", 2)
	body = parts[0]
	if len(parts) < 2 {
		return body, "", nil, nil
	}
	for _, line := range strings.Split(strings.TrimRight(parts[1], "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, trailerResource+": "):
			resource = strings.TrimPrefix(line, trailerResource+": ")
		case strings.HasPrefix(line, trailerRelated+": "):
			related = append(related, strings.TrimPrefix(line, trailerRelated+": "))
		}
	}
	return body, resource, related, nil
}

// ChangeFromCommit reconstructs a Change from a Git commit object.
func ChangeFromCommit(c *object.Commit) (Change, error) {
	body, resource, related, err := parseCommitMessage(c.Message)
	if err != nil {
		return Change{}, err
	}
	var ch Change
	if err := json.Unmarshal([]byte(body), &ch); err != nil {
		return Change{}, fmt.Errorf("cob: unmarshal change commit %s: %w", c.Hash, err)
	}
	ch.Resource = resource
	ch.Related = related
	ch.OID = c.Hash
	return ch, nil
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
