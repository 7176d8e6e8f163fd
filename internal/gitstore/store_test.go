package gitstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"driftwood/internal/identity"
	"driftwood/internal/ridpkg"
)

func testRID(t *testing.T) ridpkg.RID {
	t.Helper()
	return ridpkg.FromIdentityRoot([]byte("test-identity-root"))
}

func TestInitCreatesBareRepoWithoutDefaultRefs(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	rid := testRID(t)

	require.False(t, s.Exists(rid))
	repo, err := s.Init(rid)
	require.NoError(t, err)
	require.True(t, s.Exists(rid))

	_, err = repo.Head()
	require.Error(t, err)
}

func TestOpenOrInitIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	rid := testRID(t)

	repo1, err := s.OpenOrInit(rid)
	require.NoError(t, err)
	require.NotNil(t, repo1)

	repo2, err := s.OpenOrInit(rid)
	require.NoError(t, err)
	require.NotNil(t, repo2)
}

func TestLockIsStableAcrossCalls(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	rid := testRID(t)

	l1 := s.Lock(rid)
	l2 := s.Lock(rid)
	require.Same(t, l1, l2)
}

func TestNamespaceRefLayout(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)
	nid := kp.NID()

	require.Equal(t, "refs/namespaces/"+nid.String()+"/refs/rad/sigrefs", SigrefsRef(nid).String())
	require.Equal(t, "refs/namespaces/"+nid.String()+"/refs/rad/id", IdentityRef(nid).String())
}
