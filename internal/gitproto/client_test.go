package gitproto

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"driftwood/internal/wire"
)

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

func TestSortedUniquePrefixes(t *testing.T) {
	got := sortedUniquePrefixes([]string{"refs/heads/", "refs/tags/", "refs/heads/"})
	require.Equal(t, []string{"refs/heads/", "refs/tags/"}, got)
}

func TestWantsHavesClassifiesByLocalState(t *testing.T) {
	repo, dir := newWorkingRepo(t)
	c1 := commitFile(t, repo, dir, "a.txt", "one", "first")
	c2 := commitFile(t, repo, dir, "a.txt", "two", "second")

	require.NoError(t, repo.Storer.SetReference(plumbing.NewHashReference("refs/namespaces/n1/refs/heads/main", c1)))

	advertised := []RefAt{
		{Name: "refs/namespaces/n1/refs/heads/main", Hash: c1}, // local ref already at this tip -> have
		{Name: "refs/namespaces/n2/refs/heads/main", Hash: c2}, // object present locally, ref absent -> have
		{Name: "refs/namespaces/n3/refs/heads/main", Hash: plumbing.NewHash("deadbeefdeadbeefdeadbeefdeadbeefdeadbeef")}, // unknown -> want
	}

	wants, haves := WantsHaves(advertised, repo)
	require.Equal(t, []plumbing.Hash{plumbing.NewHash("deadbeefdeadbeefdeadbeefdeadbeefdeadbeef")}, wants)
	require.ElementsMatch(t, []plumbing.Hash{c1, c2}, haves)
}

func TestHandshakeExchangesAgent(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	go func() {
		body, err := wire.ReadFrame(serverSide)
		if err != nil {
			return
		}
		caps := decodeCapabilities(body)
		if caps["version"] != "2" {
			return
		}
		_ = wire.WriteFrame(serverSide, encodeCapabilities(map[string]string{"agent": Agent}))
	}()

	agent, err := Handshake(clientSide)
	require.NoError(t, err)
	require.Equal(t, Agent, agent)
}
