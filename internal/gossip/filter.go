package gossip

import (
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/bits-and-blooms/bitset"

	"driftwood/internal/ridpkg"
)

// Bloom filter sizes, in bytes, mirroring the three tiers used for
// subscription filters: small, medium, large. FilterSizeS at FilterFPRate
// stores roughly 855 items, FilterSizeM roughly 3,419, FilterSizeL roughly
// 13,675.
const (
	FilterSizeS = 1 * 1024
	FilterSizeM = 4 * 1024
	FilterSizeL = 16 * 1024
)

// FilterSizes lists the valid wire sizes for a subscription filter, smallest
// first.
var FilterSizes = [3]int{FilterSizeS, FilterSizeM, FilterSizeL}

// FilterFPRate is the target false-positive rate used to size filters.
const FilterFPRate = 0.01

// FilterHashes is the number of hash functions used per inserted item.
const FilterHashes = 7

// Filter is a bloom filter over the set of RIDs a peer is interested in
// hearing announcements about. The zero value is not usable; use NewFilter,
// MatchAllFilter, or EmptyFilter.
type Filter struct {
	bits *bitset.BitSet
	size int // bytes
}

// MatchAllFilter returns the default filter with every bit set, matching
// every RID. This is what a peer uses before it has computed its real
// subscription, per spec.md §4.4.
func MatchAllFilter() *Filter {
	bits := bitset.New(uint(FilterSizeS * 8))
	bits.FlipRange(0, uint(FilterSizeS*8))
	return &Filter{bits: bits, size: FilterSizeS}
}

// EmptyFilter returns a filter with no bits set, matching nothing.
func EmptyFilter() *Filter {
	return &Filter{bits: bitset.New(uint(FilterSizeS * 8)), size: FilterSizeS}
}

// NewFilter builds a filter sized to the number of ids, rounded up to the
// smallest tier in FilterSizes that meets FilterFPRate.
func NewFilter(ids []ridpkg.RID) *Filter {
	size := optimalSize(len(ids))
	f := &Filter{bits: bitset.New(uint(size * 8)), size: size}
	for _, id := range ids {
		f.Insert(id)
	}
	return f
}

func optimalSize(n int) int {
	if n == 0 {
		return FilterSizeS
	}
	bits := optimalBits(n, FilterFPRate)
	bytes := (bits + 7) / 8
	for _, s := range FilterSizes {
		if bytes <= s {
			return s
		}
	}
	return FilterSizeL
}

// optimalBits computes the number of bits needed to store n items at the
// given false-positive rate, the standard bloom-filter sizing formula:
// m = -n*ln(p) / (ln2)^2.
func optimalBits(n int, fpRate float64) int {
	if n <= 0 {
		return 0
	}
	m := -float64(n) * math.Log(fpRate) / (math.Ln2 * math.Ln2)
	return int(math.Ceil(m))
}

func (f *Filter) hashIndexes(id ridpkg.RID) []uint {
	// Double hashing (Kirsch-Mitzenmacher): derive FilterHashes indices from
	// two independent 64-bit hashes of the id.
	sum := sha256.Sum256(id[:])
	h1 := binary.BigEndian.Uint64(sum[0:8])
	h2 := binary.BigEndian.Uint64(sum[8:16])
	nbits := uint64(f.size * 8)

	idx := make([]uint, FilterHashes)
	for i := 0; i < FilterHashes; i++ {
		idx[i] = uint((h1 + uint64(i)*h2) % nbits)
	}
	return idx
}

// Insert adds id to the filter.
func (f *Filter) Insert(id ridpkg.RID) {
	for _, i := range f.hashIndexes(id) {
		f.bits.Set(i)
	}
}

// Contains reports whether id may be in the filter. False positives are
// possible at the configured rate; false negatives never occur (spec.md §8).
func (f *Filter) Contains(id ridpkg.RID) bool {
	for _, i := range f.hashIndexes(id) {
		if !f.bits.Test(i) {
			return false
		}
	}
	return true
}

// Size returns the filter's size in bytes, as carried on the wire.
func (f *Filter) Size() int { return f.size }

// Bytes serializes the filter's bitset for transmission.
func (f *Filter) Bytes() []byte {
	out := make([]byte, f.size)
	words := f.bits.Bytes()
	for i, w := range words {
		if i*8 >= f.size {
			break
		}
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], w)
		n := copy(out[i*8:], tmp[:])
		_ = n
	}
	return out
}

// FilterFromBytes reconstructs a Filter from its wire bytes. size must be
// one of FilterSizes.
func FilterFromBytes(size int, data []byte) *Filter {
	bits := bitset.New(uint(size * 8))
	for byteIdx, b := range data {
		if byteIdx >= size {
			break
		}
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) != 0 {
				bits.Set(uint(byteIdx*8 + bit))
			}
		}
	}
	return &Filter{bits: bits, size: size}
}
