// Package canonical computes canonical references for a repository by
// quorum over its identity document's delegates, per spec.md §4.5.
package canonical

import (
	"errors"
	"fmt"
	"sort"

	"driftwood/internal/doc"
)

// ObjectKind distinguishes the two kinds of Git objects a ref may point at.
type ObjectKind int

const (
	KindCommit ObjectKind = iota
	KindTag
)

// Tip is a (object id, kind) pair published by a delegate under a given
// reference pattern.
type Tip struct {
	OID  string
	Kind ObjectKind
}

// Graph abstracts the ancestry queries the commit-voting algorithm needs
// over a repository's commit graph, so the engine can be tested without a
// real Git repository.
type Graph interface {
	// IsAncestor reports whether ancestor is an ancestor of (or equal to)
	// descendant.
	IsAncestor(ancestor, descendant string) (bool, error)
	// MergeBase returns the best common ancestor of a and b.
	MergeBase(a, b string) (string, error)
}

// DifferentTypesError is returned when voters for a pattern disagree on
// whether the canonical target is a commit or a tag.
type DifferentTypesError struct {
	Pattern string
}

func (e *DifferentTypesError) Error() string {
	return fmt.Sprintf("canonical: %s: voters disagree on object type (commit vs tag)", e.Pattern)
}

// DivergingCommitsError is returned when commit votes do not converge: no
// candidate reaches the threshold, or two candidates that reach it are not
// descendants of one another.
type DivergingCommitsError struct {
	Pattern string
	Base    string // merge-base of the two leading candidates
	A, B    string // the two diverging commit OIDs
}

func (e *DivergingCommitsError) Error() string {
	return fmt.Sprintf("canonical: %s: diverging commits base=%s a=%s b=%s", e.Pattern, e.Base, e.A, e.B)
}

// DivergingTagsError is returned when tag votes tie across distinct OIDs.
type DivergingTagsError struct {
	Pattern    string
	Candidates []string
}

func (e *DivergingTagsError) Error() string {
	return fmt.Sprintf("canonical: %s: diverging tags %v", e.Pattern, e.Candidates)
}

// HeadsDivergeError is returned when a computed canonical commit would move
// the existing canonical ref to a non-descendant of its current target.
type HeadsDivergeError struct {
	Pattern         string
	Current, Target string
}

func (e *HeadsDivergeError) Error() string {
	return fmt.Sprintf("canonical: %s: target %s is not a descendant of current %s", e.Pattern, e.Target, e.Current)
}

// ErrNoQuorum is a sentinel that Evaluate never returns; a failed quorum is
// reported as the more specific DivergingCommitsError / DivergingTagsError.
var ErrNoQuorum = errors.New("canonical: no quorum")

// Result is the outcome of evaluating one rule.
type Result struct {
	Pattern string
	Target  Tip // valid only if Err == nil
	Err     error
}

// Delegates resolves the allow-set for a rule: either its explicit Allow
// list, or every payload delegate when the rule uses the "delegates"
// keyword.
func Delegates(payload doc.Payload, rule doc.CanonicalRule) []string {
	if rule.UsesDelegateSet() {
		return payload.Delegates
	}
	return rule.Allow
}

// NamespacedTips supplies, for one delegate, the tip published under its
// namespace for a reference pattern (ok=false means abstention: the
// delegate publishes no matching ref).
type NamespacedTips func(delegate, pattern string) (Tip, bool)

// Evaluate computes the canonical target for one rule given the identity
// document, the delegate allow-set, and a tip lookup function, per spec.md
// §4.5 steps 1-4.
func Evaluate(g Graph, payload doc.Payload, pattern string, rule doc.CanonicalRule, tips NamespacedTips) Result {
	delegates := Delegates(payload, rule)

	votes := make(map[string]Tip) // delegate -> tip (abstentions omitted)
	for _, d := range delegates {
		if t, ok := tips(d, pattern); ok {
			votes[d] = t
		}
	}
	if len(votes) == 0 {
		return Result{Pattern: pattern, Err: fmt.Errorf("canonical: %s: no votes", pattern)}
	}

	kind := KindCommit
	first := true
	mixed := false
	for _, t := range votes {
		if first {
			kind = t.Kind
			first = false
			continue
		}
		if t.Kind != kind {
			mixed = true
		}
	}
	if mixed {
		return Result{Pattern: pattern, Err: &DifferentTypesError{Pattern: pattern}}
	}

	if kind == KindTag {
		target, err := evaluateTags(pattern, votes, rule.Threshold)
		return Result{Pattern: pattern, Target: target, Err: err}
	}
	target, err := evaluateCommits(g, pattern, votes, rule.Threshold)
	return Result{Pattern: pattern, Target: target, Err: err}
}

func evaluateTags(pattern string, votes map[string]Tip, threshold int) (Tip, error) {
	counts := make(map[string]int)
	for _, t := range votes {
		counts[t.OID]++
	}
	best := ""
	bestCount := 0
	tieCount := 0
	oids := sortedKeys(counts)
	for _, oid := range oids {
		c := counts[oid]
		if c > bestCount {
			best = oid
			bestCount = c
			tieCount = 1
		} else if c == bestCount {
			tieCount++
		}
	}
	if bestCount < threshold || tieCount > 1 {
		return Tip{}, &DivergingTagsError{Pattern: pattern, Candidates: oids}
	}
	return Tip{OID: best, Kind: KindTag}, nil
}

func evaluateCommits(g Graph, pattern string, votes map[string]Tip, threshold int) (Tip, error) {
	oids := make([]string, 0, len(votes))
	for _, t := range votes {
		oids = append(oids, t.OID)
	}
	sort.Strings(oids)

	// Direct votes plus inherited votes via ancestry: each voter's commit
	// also counts as a vote for each of its ancestors that another voter
	// directly named, per spec.md §4.5 step 3.
	score := make(map[string]int)
	for _, oid := range oids {
		score[oid]++
	}
	for _, a := range oids {
		for _, b := range oids {
			if a == b {
				continue
			}
			if anc, err := g.IsAncestor(a, b); err == nil && anc {
				score[a]++
			}
		}
	}

	best := ""
	bestScore := -1
	for _, oid := range oids {
		if score[oid] > bestScore {
			best = oid
			bestScore = score[oid]
		}
	}

	if bestScore < threshold {
		base, a, b := divergencePair(g, oids)
		return Tip{}, &DivergingCommitsError{Pattern: pattern, Base: base, A: a, B: b}
	}

	// Among the candidates that reach the threshold, the winner is the one
	// that descends from all the others; two such candidates that do not
	// descend from each other diverge.
	for _, oid := range oids {
		if oid == best || score[oid] < threshold {
			continue
		}
		if anc, err := g.IsAncestor(oid, best); err == nil && anc {
			continue
		}
		if anc, err := g.IsAncestor(best, oid); err == nil && anc {
			best = oid
			continue
		}
		base, _ := g.MergeBase(best, oid)
		return Tip{}, &DivergingCommitsError{Pattern: pattern, Base: base, A: best, B: oid}
	}

	return Tip{OID: best, Kind: KindCommit}, nil
}

func divergencePair(g Graph, oids []string) (base, a, b string) {
	if len(oids) < 2 {
		if len(oids) == 1 {
			return "", oids[0], ""
		}
		return "", "", ""
	}
	a, b = oids[0], oids[1]
	base, _ = g.MergeBase(a, b)
	return base, a, b
}

func sortedKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CheckHeadMovement refuses to move an existing canonical commit ref to a
// target that is not its descendant, per the push-time rule in spec.md
// §4.5's final paragraph.
func CheckHeadMovement(g Graph, pattern, current, target string) error {
	if current == "" || current == target {
		return nil
	}
	anc, err := g.IsAncestor(current, target)
	if err != nil {
		return fmt.Errorf("canonical: %s: check ancestry: %w", pattern, err)
	}
	if !anc {
		return &HeadsDivergeError{Pattern: pattern, Current: current, Target: target}
	}
	return nil
}
