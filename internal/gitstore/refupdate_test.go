package gitstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

// commitFile writes content to name in the worktree and commits it,
// returning the new commit hash.
func commitFile(t *testing.T, repo *git.Repository, dir, name, content, msg string) plumbing.Hash {
	t.Helper()
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	_, err = wt.Add(name)
	require.NoError(t, err)
	sig := &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Unix(1700000000, 0)}
	hash, err := wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)
	return hash
}

func newWorkingRepo(t *testing.T) (*git.Repository, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return repo, dir
}

func TestApplyUpdatesAcceptsFastForward(t *testing.T) {
	repo, dir := newWorkingRepo(t)
	c1 := commitFile(t, repo, dir, "a.txt", "one", "first")
	c2 := commitFile(t, repo, dir, "a.txt", "two", "second")

	branch := plumbing.ReferenceName("refs/namespaces/n1/refs/heads/main")
	result, err := ApplyUpdates(repo, []Update{{Name: branch, New: c1}}, ApplyOptions{})
	require.NoError(t, err)
	require.Empty(t, result.Rejected)
	require.Equal(t, []plumbing.ReferenceName{branch}, result.Updated)

	result, err = ApplyUpdates(repo, []Update{{Name: branch, Old: c1, New: c2}}, ApplyOptions{})
	require.NoError(t, err)
	require.Empty(t, result.Rejected)
}

func TestApplyUpdatesRejectsNonFastForward(t *testing.T) {
	repo, dir := newWorkingRepo(t)
	c1 := commitFile(t, repo, dir, "a.txt", "one", "first")
	c2 := commitFile(t, repo, dir, "a.txt", "two", "second")

	branch := plumbing.ReferenceName("refs/namespaces/n1/refs/heads/main")
	_, err := ApplyUpdates(repo, []Update{{Name: branch, New: c2}}, ApplyOptions{})
	require.NoError(t, err)

	result, err := ApplyUpdates(repo, []Update{{Name: branch, New: c1}}, ApplyOptions{})
	require.NoError(t, err)
	require.Len(t, result.Rejected, 1)
	require.Equal(t, RejectNonFastForward, result.Rejected[0].Reason)
}

func TestApplyUpdatesAllowsForcedNonFastForward(t *testing.T) {
	repo, dir := newWorkingRepo(t)
	c1 := commitFile(t, repo, dir, "a.txt", "one", "first")
	c2 := commitFile(t, repo, dir, "a.txt", "two", "second")

	branch := plumbing.ReferenceName("refs/namespaces/n1/refs/heads/main")
	_, err := ApplyUpdates(repo, []Update{{Name: branch, New: c2}}, ApplyOptions{})
	require.NoError(t, err)

	result, err := ApplyUpdates(repo, []Update{{Name: branch, New: c1}}, ApplyOptions{AllowNonFastForward: true})
	require.NoError(t, err)
	require.Empty(t, result.Rejected)
}

func TestApplyUpdatesRejectsUnknownObject(t *testing.T) {
	repo, _ := newWorkingRepo(t)
	branch := plumbing.ReferenceName("refs/namespaces/n1/refs/heads/main")
	bogus := plumbing.NewHash("deadbeefdeadbeefdeadbeefdeadbeefdeadbeef")

	result, err := ApplyUpdates(repo, []Update{{Name: branch, New: bogus}}, ApplyOptions{})
	require.NoError(t, err)
	require.Len(t, result.Rejected, 1)
	require.Equal(t, RejectUnknownObject, result.Rejected[0].Reason)
}

func TestApplyUpdatesRejectsTagRewrite(t *testing.T) {
	repo, dir := newWorkingRepo(t)
	c1 := commitFile(t, repo, dir, "a.txt", "one", "first")
	c2 := commitFile(t, repo, dir, "a.txt", "two", "second")

	tag := plumbing.ReferenceName("refs/namespaces/n1/refs/tags/v1")
	_, err := ApplyUpdates(repo, []Update{{Name: tag, New: c1}}, ApplyOptions{})
	require.NoError(t, err)

	result, err := ApplyUpdates(repo, []Update{{Name: tag, New: c2}}, ApplyOptions{})
	require.NoError(t, err)
	require.Len(t, result.Rejected, 1)
	require.Equal(t, RejectNonFastForward, result.Rejected[0].Reason)
}

func TestApplyUpdatesPruneRespectsProtected(t *testing.T) {
	repo, dir := newWorkingRepo(t)
	c1 := commitFile(t, repo, dir, "a.txt", "one", "first")

	branch := plumbing.ReferenceName("refs/namespaces/n1/refs/heads/main")
	_, err := ApplyUpdates(repo, []Update{{Name: branch, New: c1}}, ApplyOptions{})
	require.NoError(t, err)

	result, err := ApplyUpdates(repo, []Update{{Name: branch, New: plumbing.ZeroHash}}, ApplyOptions{
		Protected: map[plumbing.ReferenceName]bool{branch: true},
	})
	require.NoError(t, err)
	require.Len(t, result.Rejected, 1)
	require.Equal(t, RejectPruneProtected, result.Rejected[0].Reason)

	result, err = ApplyUpdates(repo, []Update{{Name: branch, New: plumbing.ZeroHash}}, ApplyOptions{})
	require.NoError(t, err)
	require.Empty(t, result.Rejected)
	require.Equal(t, []plumbing.ReferenceName{branch}, result.Updated)
}

func TestApplyUpdatesRejectsSymbolicRefUpdate(t *testing.T) {
	repo, dir := newWorkingRepo(t)
	c1 := commitFile(t, repo, dir, "a.txt", "one", "first")

	alias := plumbing.ReferenceName("refs/namespaces/n1/HEAD")
	target := plumbing.ReferenceName("refs/namespaces/n1/refs/heads/main")
	require.NoError(t, repo.Storer.SetReference(plumbing.NewSymbolicReference(alias, target)))

	result, err := ApplyUpdates(repo, []Update{{Name: alias, New: c1}}, ApplyOptions{})
	require.NoError(t, err)
	require.Len(t, result.Rejected, 1)
	require.Equal(t, RejectSymbolicRef, result.Rejected[0].Reason)
}
