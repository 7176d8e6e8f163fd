package gitstore

import (
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// RejectReason names why a proposed ref update was refused.
type RejectReason string

const (
	RejectNonFastForward RejectReason = "non-fast-forward"
	RejectSymbolicRef    RejectReason = "symbolic-ref-update"
	RejectUnknownObject  RejectReason = "unknown-object"
	RejectPruneProtected RejectReason = "prune-of-protected-ref"
)

// Rejected records one ref update that was refused.
type Rejected struct {
	Name   plumbing.ReferenceName
	Reason RejectReason
	Detail string
}

// Update describes one proposed change to a namespaced ref: New being the
// zero hash means deletion.
type Update struct {
	Name plumbing.ReferenceName
	Old  plumbing.Hash // informational; ApplyUpdates does not compare it with the ref's current value
	New  plumbing.Hash // zero means delete
}

// Applied is the result of applying a batch of ref updates, per spec.md
// §4.6 "Ref-update application".
type Applied struct {
	Updated  []plumbing.ReferenceName
	Rejected []Rejected
}

// ApplyOptions controls update policy.
type ApplyOptions struct {
	// AllowNonFastForward permits an update whose new value is not a
	// descendant of the old value (force-push semantics). Tag refs never
	// allow this regardless; every other ref, the namespace's sigrefs and id
	// refs included, follows this flag.
	AllowNonFastForward bool
	// Protected names a set of refs (e.g. the default branch's canonical
	// target) that can never be pruned, only fast-forwarded.
	Protected map[plumbing.ReferenceName]bool
}

// ApplyUpdates applies a batch of proposed reference changes to repo,
// enforcing fast-forward policy, symbolic-ref rejection, and protected-ref
// pruning rules before touching the store. All updates that pass validation
// are applied; updates that fail are reported in Rejected and left
// untouched, matching the teacher pack's pattern of explicit ref mutation
// through repo.Storer (see gogit.go's RemoveDefaultBranches).
func ApplyUpdates(repo *git.Repository, updates []Update, opts ApplyOptions) (Applied, error) {
	var result Applied

	for _, u := range updates {
		if existing, err := repo.Storer.Reference(u.Name); err == nil && existing.Type() == plumbing.SymbolicReference {
			result.Rejected = append(result.Rejected, Rejected{
				Name: u.Name, Reason: RejectSymbolicRef,
				Detail: fmt.Sprintf("existing symbolic ref %s -> %s", u.Name, existing.Target()),
			})
			continue
		}

		if u.New.IsZero() {
			if opts.Protected[u.Name] {
				result.Rejected = append(result.Rejected, Rejected{
					Name: u.Name, Reason: RejectPruneProtected,
					Detail: "protected ref cannot be pruned",
				})
				continue
			}
			if err := repo.Storer.RemoveReference(u.Name); err != nil && err != plumbing.ErrReferenceNotFound {
				return result, fmt.Errorf("gitstore: remove ref %s: %w", u.Name, err)
			}
			result.Updated = append(result.Updated, u.Name)
			continue
		}

		if _, err := repo.Object(plumbing.AnyObject, u.New); err != nil {
			result.Rejected = append(result.Rejected, Rejected{
				Name: u.Name, Reason: RejectUnknownObject,
				Detail: fmt.Sprintf("object %s not found", u.New),
			})
			continue
		}

		current, err := repo.Storer.Reference(u.Name)
		hasCurrent := err == nil
		if hasCurrent && !opts.AllowNonFastForward && !isTagRef(u.Name) {
			ff, ffErr := isFastForward(repo, current.Hash(), u.New)
			if ffErr != nil {
				return result, fmt.Errorf("gitstore: check fast-forward for %s: %w", u.Name, ffErr)
			}
			if !ff {
				result.Rejected = append(result.Rejected, Rejected{
					Name: u.Name, Reason: RejectNonFastForward,
					Detail: fmt.Sprintf("%s is not a descendant of %s", u.New, current.Hash()),
				})
				continue
			}
		}
		if hasCurrent && isTagRef(u.Name) && current.Hash() != u.New {
			result.Rejected = append(result.Rejected, Rejected{
				Name: u.Name, Reason: RejectNonFastForward,
				Detail: "tags are immutable once published",
			})
			continue
		}

		ref := plumbing.NewHashReference(u.Name, u.New)
		if err := repo.Storer.SetReference(ref); err != nil {
			return result, fmt.Errorf("gitstore: set ref %s: %w", u.Name, err)
		}
		result.Updated = append(result.Updated, u.Name)
	}

	return result, nil
}

func isTagRef(name plumbing.ReferenceName) bool {
	return name.IsTag() || hasNamespacedSuffix(name, "refs/tags/")
}

func hasNamespacedSuffix(name plumbing.ReferenceName, suffix string) bool {
	s := name.String()
	for i := 0; i+len(suffix) <= len(s); i++ {
		if s[i:i+len(suffix)] == suffix {
			return true
		}
	}
	return false
}

// isFastForward reports whether to is a descendant of (or equal to) from,
// walking commit parents. Annotated tags and non-commit objects are treated
// as never fast-forwarding, forcing an explicit force-update decision.
func isFastForward(repo *git.Repository, from, to plumbing.Hash) (bool, error) {
	if from == to {
		return true, nil
	}
	toCommit, err := repo.CommitObject(to)
	if err != nil {
		return false, nil //nolint:nilerr // non-commit target: caller treats as non-fast-forward
	}
	fromCommit, err := repo.CommitObject(from)
	if err != nil {
		return false, nil //nolint:nilerr
	}

	found := false
	walker := object.NewCommitIterBSF(toCommit, nil, nil)
	err = walker.ForEach(func(c *object.Commit) error {
		if c.Hash == fromCommit.Hash {
			found = true
			return storerStop
		}
		return nil
	})
	if err != nil && err != storerStop {
		return false, fmt.Errorf("gitstore: walk commits: %w", err)
	}
	return found, nil
}

var storerStop = fmt.Errorf("gitstore: stop commit walk")
