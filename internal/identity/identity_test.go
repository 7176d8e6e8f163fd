package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNIDRoundTrip(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	nid := kp.NID()
	s := nid.String()
	require.True(t, len(s) > 0 && s[0] == 'z')

	parsed, err := ParseNID(s)
	require.NoError(t, err)
	require.Equal(t, nid, parsed)

	did := nid.DID()
	fromDID, err := ParseDID(did)
	require.NoError(t, err)
	require.Equal(t, nid, fromDID)
}

func TestSignVerify(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	msg := []byte("hello driftwood")
	sig := kp.Sign(msg)
	require.True(t, kp.Verify(msg, sig))
	require.False(t, kp.Verify([]byte("tampered"), sig))
}

func TestLoadOrCreateKeypairPersists(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "keys", "ed25519")

	kp1, created, err := LoadOrCreateKeypair(keyPath)
	require.NoError(t, err)
	require.True(t, created)

	kp2, created2, err := LoadOrCreateKeypair(keyPath)
	require.NoError(t, err)
	require.False(t, created2)
	require.Equal(t, kp1.NID(), kp2.NID())
}

func TestCheckFingerprintMismatchAbortsAndLeavesFileUntouched(t *testing.T) {
	dir := t.TempDir()
	fpPath := filepath.Join(dir, "node", "fingerprint")

	kpA, err := Generate()
	require.NoError(t, err)
	require.NoError(t, CheckFingerprint(kpA, fpPath))

	before, err := os.ReadFile(fpPath)
	require.NoError(t, err)

	kpB, err := Generate()
	require.NoError(t, err)
	err = CheckFingerprint(kpB, fpPath)
	require.Error(t, err)
	var mismatch *FingerprintMismatchError
	require.ErrorAs(t, err, &mismatch)

	after, err := os.ReadFile(fpPath)
	require.NoError(t, err)
	require.Equal(t, before, after)
}
