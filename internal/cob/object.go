package cob

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"driftwood/internal/gitstore"
	"driftwood/internal/identity"
)

// RefForObject is the reference a peer publishes a collaborative object's
// current tip under, within its own namespace (spec.md §4.7 "Update an
// object reference under the peer's namespace").
func RefForObject(nid identity.NID, typeName string, objectID plumbing.Hash) plumbing.ReferenceName {
	return gitstore.NamespaceRef(nid, plumbing.ReferenceName(fmt.Sprintf("refs/cobs/%s/%s", typeName, objectID)))
}

func emptyTree(repo *git.Repository) (plumbing.Hash, error) {
	obj := repo.Storer.NewEncodedObject()
	if err := (&object.Tree{}).Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("cob: encode empty tree: %w", err)
	}
	hash, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("cob: store empty tree: %w", err)
	}
	return hash, nil
}

// commitChange writes change as a Git commit object with the given parents
// and returns its hash. Changes carry no file content of their own; the
// tree is always empty, matching the "opaque binary storage" non-goal —
// the change's payload lives in the commit body, not the tree.
func commitChange(repo *git.Repository, change Change, parents []plumbing.Hash) (plumbing.Hash, error) {
	msg, err := change.commitMessage()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	tree, err := emptyTree(repo)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	sig := object.Signature{Name: change.Author, Email: change.Author, When: change.Timestamp}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      msg,
		TreeHash:     tree,
		ParentHashes: parents,
	}
	obj := repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("cob: encode change commit: %w", err)
	}
	hash, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("cob: store change commit: %w", err)
	}
	return hash, nil
}

// Create builds a new collaborative object: a signed root change, evaluated
// before it is persisted, with the object's ref updated to point at it
// (spec.md §4.7 "Creation").
func Create(repo *git.Repository, registry *Registry, kp *identity.Keypair, typeName, resource string, related []string, contents json.RawMessage, embeds []Embed) (Change, State, error) {
	ev, ok := registry.Evaluator(typeName)
	if !ok {
		return Change{}, nil, fmt.Errorf("cob: no evaluator registered for type %q", typeName)
	}

	change := Change{
		TypeName:  typeName,
		Contents:  contents,
		Resource:  resource,
		Related:   related,
		Embeds:    embeds,
		Timestamp: time.Now().UTC(),
	}
	if err := change.Sign(kp); err != nil {
		return Change{}, nil, err
	}

	state, err := ev.Apply(ev.Zero(), change)
	if err != nil {
		return Change{}, nil, fmt.Errorf("cob: root change rejected: %w", err)
	}

	hash, err := commitChange(repo, change, nil)
	if err != nil {
		return Change{}, nil, err
	}
	change.OID = hash

	ref := RefForObject(kp.NID(), typeName, hash)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(ref, hash)); err != nil {
		return Change{}, nil, fmt.Errorf("cob: update object ref %s: %w", ref, err)
	}
	return change, state, nil
}

// Update appends a child change to an existing object, re-evaluating before
// persisting; a rejected evaluation leaves the object untouched (spec.md
// §4.7 "Update").
func Update(repo *git.Repository, registry *Registry, kp *identity.Keypair, typeName string, objectID plumbing.Hash, priorState State, parents []plumbing.Hash, resource string, related []string, contents json.RawMessage, embeds []Embed) (Change, State, error) {
	ev, ok := registry.Evaluator(typeName)
	if !ok {
		return Change{}, nil, fmt.Errorf("cob: no evaluator registered for type %q", typeName)
	}
	if len(parents) == 0 {
		return Change{}, nil, fmt.Errorf("cob: update requires at least one parent tip")
	}

	change := Change{
		TypeName:  typeName,
		Parents:   parents,
		Contents:  contents,
		Resource:  resource,
		Related:   related,
		Embeds:    embeds,
		Timestamp: time.Now().UTC(),
	}
	if err := change.Sign(kp); err != nil {
		return Change{}, nil, err
	}

	next, err := ev.Apply(priorState, change)
	if err != nil {
		return Change{}, nil, fmt.Errorf("cob: update rejected: %w", err)
	}

	hash, err := commitChange(repo, change, parents)
	if err != nil {
		return Change{}, nil, err
	}
	change.OID = hash

	ref := RefForObject(kp.NID(), typeName, objectID)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(ref, hash)); err != nil {
		return Change{}, nil, fmt.Errorf("cob: update object ref %s: %w", ref, err)
	}
	return change, next, nil
}

// LoadChanges walks the commit graph from tip back to the object's root,
// reconstructing every Change reachable, for full re-evaluation.
func LoadChanges(repo *git.Repository, tip plumbing.Hash) ([]Change, error) {
	seen := make(map[plumbing.Hash]bool)
	var out []Change

	var walk func(h plumbing.Hash) error
	walk = func(h plumbing.Hash) error {
		if h.IsZero() || seen[h] {
			return nil
		}
		seen[h] = true
		commit, err := repo.CommitObject(h)
		if err != nil {
			return fmt.Errorf("cob: load commit %s: %w", h, err)
		}
		ch, err := ChangeFromCommit(commit)
		if err != nil {
			return err
		}
		out = append(out, ch)
		for _, p := range commit.ParentHashes {
			if err := walk(p); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(tip); err != nil {
		return nil, err
	}
	return out, nil
}
