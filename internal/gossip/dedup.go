package gossip

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"driftwood/internal/wire"
)

// DedupCacheSize bounds the relay-dedup LRU; large enough to cover a busy
// network's announcement rate between two ticks of cache eviction.
const DedupCacheSize = 65536

// MaxTimestampSkew bounds how far an announcement's timestamp may lead the
// local clock before it is dropped as malformed (spec.md §4.4).
const MaxTimestampSkew = 5 * 60 // seconds

// dedupKey identifies an announcement for relay deduplication: its kind,
// originator, and timestamp (spec.md §4.4).
type dedupKey struct {
	kind      wire.MessageType
	originator string
	timestamp uint64
}

// Dedup tracks seen announcements (for relay suppression) and the highest
// timestamp accepted per (kind, originator), enforcing per-origin
// monotonicity.
type Dedup struct {
	seen     *lru.Cache[dedupKey, struct{}]
	lastSeen map[originKey]uint64
}

type originKey struct {
	kind      wire.MessageType
	originator string
}

// NewDedup creates a Dedup with the default cache size.
func NewDedup() *Dedup {
	c, err := lru.New[dedupKey, struct{}](DedupCacheSize)
	if err != nil {
		// Only fails for a non-positive size, which DedupCacheSize never is.
		panic(fmt.Sprintf("gossip: create dedup cache: %v", err))
	}
	return &Dedup{seen: c, lastSeen: make(map[originKey]uint64)}
}

// Accept reports whether an announcement of kind from originator at
// timestamp should be processed and relayed: it must be strictly newer than
// the last accepted timestamp from that (kind, originator) pair, and must
// not already be in the relay-dedup cache.
func (d *Dedup) Accept(kind wire.MessageType, originator string, timestamp uint64) bool {
	ok := originKey{kind: kind, originator: originator}
	if last, exists := d.lastSeen[ok]; exists && timestamp <= last {
		return false
	}
	key := dedupKey{kind: kind, originator: originator, timestamp: timestamp}
	if _, hit := d.seen.Get(key); hit {
		return false
	}
	d.seen.Add(key, struct{}{})
	d.lastSeen[ok] = timestamp
	return true
}

// SkewValid reports whether timestamp is within MaxTimestampSkew of now
// (both in unix seconds), rejecting announcements claiming to be from the
// future beyond clock drift tolerance.
func SkewValid(timestamp uint64, now uint64) bool {
	if timestamp <= now {
		return true
	}
	return timestamp-now <= MaxTimestampSkew
}
