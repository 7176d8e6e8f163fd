package gitstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"driftwood/internal/identity"
)

func TestSignAndVerifySigrefs(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)

	refs := map[string]string{
		"refs/heads/main": "aaaa",
		"refs/tags/v1":    "bbbb",
	}
	s, err := Sign(kp, "rad:ztest", 1, refs)
	require.NoError(t, err)
	require.NoError(t, s.Verify(kp.Public))
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	kp1, err := identity.Generate()
	require.NoError(t, err)
	kp2, err := identity.Generate()
	require.NoError(t, err)

	s, err := Sign(kp1, "rad:ztest", 1, map[string]string{"refs/heads/main": "aaaa"})
	require.NoError(t, err)
	require.Error(t, s.Verify(kp2.Public))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)

	s, err := Sign(kp, "rad:ztest", 1, map[string]string{"refs/heads/main": "aaaa"})
	require.NoError(t, err)
	s.Payload.Refs["refs/heads/main"] = "cccc"
	require.Error(t, s.Verify(kp.Public))
}

func TestSupersedesComparesVersion(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)

	older, err := Sign(kp, "rad:ztest", 1, nil)
	require.NoError(t, err)
	newer, err := Sign(kp, "rad:ztest", 2, nil)
	require.NoError(t, err)

	require.True(t, newer.Supersedes(older))
	require.False(t, older.Supersedes(newer))
	require.False(t, older.Supersedes(older))
}

func TestCanonicalizeIsOrderIndependent(t *testing.T) {
	p1 := SigrefsPayload{RID: "rad:z1", NID: "n1", Version: 1, Refs: map[string]string{"b": "2", "a": "1"}}
	p2 := SigrefsPayload{RID: "rad:z1", NID: "n1", Version: 1, Refs: map[string]string{"a": "1", "b": "2"}}

	c1, err := p1.Canonicalize()
	require.NoError(t, err)
	c2, err := p2.Canonicalize()
	require.NoError(t, err)
	require.Equal(t, c1, c2)
}
