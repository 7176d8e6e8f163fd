package canonical

import (
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// RepoGraph adapts a go-git repository to Graph, resolving hex object ids
// to commits on demand.
type RepoGraph struct {
	Repo *git.Repository
}

func (g RepoGraph) commit(oid string) (*plumbing.Hash, error) {
	h := plumbing.NewHash(oid)
	if _, err := g.Repo.CommitObject(h); err != nil {
		return nil, err
	}
	return &h, nil
}

// IsAncestor reports whether ancestor is an ancestor of (or equal to)
// descendant.
func (g RepoGraph) IsAncestor(ancestor, descendant string) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	ah, err := g.commit(ancestor)
	if err != nil {
		return false, err
	}
	a, err := g.Repo.CommitObject(*ah)
	if err != nil {
		return false, err
	}
	dh, err := g.commit(descendant)
	if err != nil {
		return false, err
	}
	d, err := g.Repo.CommitObject(*dh)
	if err != nil {
		return false, err
	}
	return a.IsAncestor(d)
}

// MergeBase returns the best common ancestor of a and b.
func (g RepoGraph) MergeBase(a, b string) (string, error) {
	ah, err := g.commit(a)
	if err != nil {
		return "", err
	}
	ca, err := g.Repo.CommitObject(*ah)
	if err != nil {
		return "", err
	}
	bh, err := g.commit(b)
	if err != nil {
		return "", err
	}
	cb, err := g.Repo.CommitObject(*bh)
	if err != nil {
		return "", err
	}
	bases, err := ca.MergeBase(cb)
	if err != nil {
		return "", err
	}
	if len(bases) == 0 {
		return "", nil
	}
	return bases[0].Hash.String(), nil
}

// TipAt reads the tip of name in repo, reporting ok=false when the ref does
// not exist (the NamespacedTips abstention case).
func TipAt(repo *git.Repository, name plumbing.ReferenceName) (Tip, bool) {
	ref, err := repo.Reference(name, true)
	if err != nil {
		return Tip{}, false
	}
	hash := ref.Hash()
	obj, err := repo.Storer.EncodedObject(plumbing.AnyObject, hash)
	if err != nil {
		return Tip{}, false
	}
	kind := KindCommit
	if obj.Type() == plumbing.TagObject {
		kind = KindTag
	}
	return Tip{OID: hash.String(), Kind: kind}, true
}
