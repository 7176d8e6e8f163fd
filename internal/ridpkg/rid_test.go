package ridpkg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRIDRoundTrip(t *testing.T) {
	r := FromIdentityRoot([]byte(`{"name":"heartwood"}`))
	s := r.String()
	require.True(t, len(s) > 4 && s[:4] == "rad:")

	parsed, err := Parse(s)
	require.NoError(t, err)
	require.Equal(t, r, parsed)

	parsed2, err := Parse("rad://" + s[4:])
	require.NoError(t, err)
	require.Equal(t, r, parsed2)

	parsed3, err := Parse(s[4:])
	require.NoError(t, err)
	require.Equal(t, r, parsed3)
}

func TestRIDOrdering(t *testing.T) {
	a := RID{0x01}
	b := RID{0x02}
	require.Negative(t, a.Compare(b))
	require.Positive(t, b.Compare(a))
	require.Zero(t, a.Compare(a))
}

func TestRIDZero(t *testing.T) {
	var r RID
	require.True(t, r.IsZero())
}
