package gitproto

import (
	"net"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/require"

	"driftwood/internal/doc"
	"driftwood/internal/identity"
	"driftwood/internal/ridpkg"
	"driftwood/internal/wire"
)

func mustHashRef(name string, hash plumbing.Hash) *plumbing.Reference {
	return plumbing.NewHashReference(plumbing.ReferenceName(name), hash)
}

func sendHeader(t *testing.T, rw net.Conn, rid, remote string) {
	t.Helper()
	w := wire.NewWriter()
	w.PutString(rid)
	w.PutString(remote)
	require.NoError(t, wire.WriteFrame(rw, w.Bytes()))
}

func TestServeLsRefsAndFetchEndToEnd(t *testing.T) {
	serverRepo, dir := newWorkingRepo(t)
	c1 := commitFile(t, serverRepo, dir, "a.txt", "one", "first")

	require.NoError(t, serverRepo.Storer.SetReference(
		mustHashRef("refs/namespaces/n1/refs/heads/main", c1)))

	rid := ridpkg.FromIdentityRoot([]byte("repo"))

	srv := &Server{
		Policy: func(ridpkg.RID) (bool, error) { return false, nil },
		Doc:    func(ridpkg.RID) (*doc.Doc, error) { return nil, nil },
		Open:   func(ridpkg.RID) (*git.Repository, error) { return serverRepo, nil },
	}

	kp, err := identity.Generate()
	require.NoError(t, err)

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	go func() {
		_ = srv.Serve(serverSide, kp.NID(), nil)
		serverSide.Close()
	}()

	sendHeader(t, clientSide, rid.String(), "")

	ack, err := wire.ReadFrame(clientSide)
	require.NoError(t, err)
	require.Empty(t, ack)

	refs, err := LsRefs(clientSide, []string{"refs/namespaces/n1/"})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, c1, refs[0].Hash)

	clientRepo, _ := newWorkingRepo(t)
	wants, haves := WantsHaves(refs, clientRepo)
	require.Equal(t, []plumbing.Hash{c1}, wants)
	require.Empty(t, haves)

	packHash, err := Fetch(clientSide, clientRepo, wants, haves)
	require.NoError(t, err)
	require.False(t, packHash.IsZero())

	_, err = clientRepo.CommitObject(c1)
	require.NoError(t, err)
}

func TestServeRejectsSeedBlockedRepository(t *testing.T) {
	serverRepo, _ := newWorkingRepo(t)
	rid := ridpkg.FromIdentityRoot([]byte("blocked-repo"))

	srv := &Server{
		Policy: func(ridpkg.RID) (bool, error) { return true, nil },
		Doc:    func(ridpkg.RID) (*doc.Doc, error) { return nil, nil },
		Open:   func(ridpkg.RID) (*git.Repository, error) { return serverRepo, nil },
	}

	kp, err := identity.Generate()
	require.NoError(t, err)

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(serverSide, kp.NID(), nil)
		serverSide.Close()
	}()

	sendHeader(t, clientSide, rid.String(), "")

	ack, err := wire.ReadFrame(clientSide)
	require.NoError(t, err)
	require.NotEmpty(t, ack)

	require.Error(t, <-serveErr)
}
