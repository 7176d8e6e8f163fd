package gossip

import (
	"testing"

	"github.com/stretchr/testify/require"

	"driftwood/internal/ridpkg"
)

func randRID(b byte) ridpkg.RID {
	var r ridpkg.RID
	r[0] = b
	r[1] = b + 1
	return r
}

func TestFilterNoFalseNegatives(t *testing.T) {
	ids := make([]ridpkg.RID, 0, 100)
	for i := 0; i < 100; i++ {
		ids = append(ids, randRID(byte(i)))
	}
	f := NewFilter(ids)
	for _, id := range ids {
		require.True(t, f.Contains(id), "inserted id must always be reported present")
	}
}

func TestMatchAllFilterMatchesEverything(t *testing.T) {
	f := MatchAllFilter()
	require.True(t, f.Contains(randRID(1)))
	require.True(t, f.Contains(randRID(200)))
}

func TestEmptyFilterMatchesNothing(t *testing.T) {
	f := EmptyFilter()
	require.False(t, f.Contains(randRID(1)))
}

func TestFilterSizeTiers(t *testing.T) {
	small := make([]ridpkg.RID, 10)
	require.Equal(t, FilterSizeS, NewFilter(small).Size())

	medium := make([]ridpkg.RID, 2000)
	require.Equal(t, FilterSizeM, NewFilter(medium).Size())

	large := make([]ridpkg.RID, 15000)
	require.Equal(t, FilterSizeL, NewFilter(large).Size())
}

func TestFilterWireRoundTrip(t *testing.T) {
	ids := []ridpkg.RID{randRID(1), randRID(50), randRID(99)}
	f := NewFilter(ids)
	data := f.Bytes()

	f2 := FilterFromBytes(f.Size(), data)
	for _, id := range ids {
		require.True(t, f2.Contains(id))
	}
}
