package gossip

import (
	"time"

	"driftwood/internal/ridpkg"
	"driftwood/internal/wire"
)

// State is a session's position in the Initial -> Handshake -> Active ->
// Terminated lifecycle (spec.md §4.4).
type State int

const (
	StateInitial State = iota
	StateHandshake
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateHandshake:
		return "handshake"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// InflightFetch tracks a fetch task running against this session.
type InflightFetch struct {
	RID      string
	Deadline time.Time
}

// RateLimiter is a simple token bucket guarding a session's outbound
// bandwidth, refilled at a fixed rate (spec.md §4.4 "bandwidth/rate-limit
// token").
type RateLimiter struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

// NewRateLimiter creates a limiter with a burst of max tokens refilling at
// rate tokens/sec.
func NewRateLimiter(max, rate float64, now time.Time) *RateLimiter {
	return &RateLimiter{tokens: max, max: max, rate: rate, lastFill: now}
}

// Allow reports whether a token is available at now, consuming it if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	elapsed := now.Sub(r.lastFill).Seconds()
	if elapsed > 0 {
		r.tokens += elapsed * r.rate
		if r.tokens > r.max {
			r.tokens = r.max
		}
		r.lastFill = now
	}
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// Session is a live peer connection, fully owned by the gossip service's
// single thread (spec.md §4.4, §5 "no data races on session state").
type Session struct {
	NID   string
	State State

	Features   uint64
	Version    uint8
	RemoteNode *wire.NodeAnnouncement

	LastPing time.Time
	Inflight map[string]InflightFetch // keyed by RID

	Limiter *RateLimiter
	Filter  *Filter

	connectedAt time.Time
}

// NewSession creates a session in StateInitial for a just-accepted or
// just-dialled connection.
func NewSession(nid string, now time.Time) *Session {
	return &Session{
		NID:         nid,
		State:       StateInitial,
		Inflight:    make(map[string]InflightFetch),
		Limiter:     NewRateLimiter(64, 8, now),
		Filter:      MatchAllFilter(),
		connectedAt: now,
	}
}

// Activate transitions a handshaken session to Active, recording the
// remote's node announcement and negotiated feature set.
func (s *Session) Activate(remote wire.NodeAnnouncement, now time.Time) {
	s.RemoteNode = &remote
	s.Features = remote.Features
	s.Version = remote.Version
	s.State = StateActive
	s.LastPing = now
}

// Terminate moves the session to its terminal state; callers must still
// remove it from the service's session table.
func (s *Session) Terminate() { s.State = StateTerminated }

// Interested reports whether the session's subscription filter indicates
// interest in rid, per the relay policy in spec.md §4.4.
func (s *Session) Interested(rid ridpkg.RID) bool {
	if s.Filter == nil {
		return true
	}
	return s.Filter.Contains(rid)
}
