// Package gossip implements the single-threaded gossip and session service
// (spec.md §4.4): the session table, announcement relay with dedup, the
// bloom-filter subscription model, and the fetch scheduler that turns
// routing hints into concrete replication tasks.
package gossip

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"driftwood/internal/ridpkg"
	"driftwood/internal/store"
	"driftwood/internal/wire"
)

var log = logrus.WithField("subsystem", "gossip")

// FetchDispatcher hands a concrete fetch task to the replication worker
// pool; the gossip service never performs network I/O itself.
type FetchDispatcher func(ctx context.Context, task Task)

// RelayFunc transmits a raw envelope to the session identified by nid; the
// reactor thread supplies this, since the gossip service only decides who
// should receive a message, never writes to a stream itself.
type RelayFunc func(nid string, raw []byte)

// Event is emitted to control-socket Subscribe streams (spec.md §4.8).
type Event struct {
	Kind string
	NID  string
	RID  string
	At   time.Time
	Data map[string]any
}

// Emitter broadcasts Events to any number of Subscribe listeners.
type Emitter struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewEmitter creates an empty Emitter.
func NewEmitter() *Emitter { return &Emitter{subs: make(map[chan Event]struct{})} }

// Subscribe registers a new listener; callers must Unsubscribe when done.
func (e *Emitter) Subscribe() chan Event {
	ch := make(chan Event, 64)
	e.mu.Lock()
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (e *Emitter) Unsubscribe(ch chan Event) {
	e.mu.Lock()
	if _, ok := e.subs[ch]; ok {
		delete(e.subs, ch)
		close(ch)
	}
	e.mu.Unlock()
}

// Publish broadcasts ev to every current subscriber, dropping it for any
// listener whose buffer is full rather than blocking the service thread.
func (e *Emitter) Publish(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
			log.WithField("kind", ev.Kind).Warn("dropped event for slow subscriber")
		}
	}
}

// Stores bundles the persisted stores the service consults; all access to
// them happens only from the service's own thread (spec.md §5 "Shared
// state").
type Stores struct {
	Policy  *store.PolicyStore
	Routing *store.RoutingStore
	Address *store.AddressStore
}

// commandFunc is a closure posted to the service's command channel; it runs
// with exclusive access to the service's state.
type commandFunc func(*Service)

// Service is the single-threaded gossip state machine. All mutation to its
// fields happens inside Run's goroutine by draining the commands channel;
// external callers only ever post commands or read Events, never touch
// state directly (spec.md §4.4, §5).
type Service struct {
	selfNID       string
	powDifficulty uint8
	stores        Stores
	dedup         *Dedup
	sched         *Scheduler
	events        *Emitter
	dispatch      FetchDispatcher
	relayOut      RelayFunc

	sessions map[string]*Session // NID -> session

	commands chan commandFunc
	done     chan struct{}
}

// Config controls how a Service is constructed.
type Config struct {
	SelfNID          string
	MaxInflightFetch int
	Dispatch         FetchDispatcher
	Relay            RelayFunc

	// PoWDifficulty is the number of leading zero bits a node
	// announcement's proof-of-work nonce must solve before it is
	// accepted and relayed (spec.md §4.4). Zero disables the check.
	PoWDifficulty uint8
}

// New creates a Service bound to stores, not yet running.
func New(cfg Config, stores Stores) *Service {
	if cfg.MaxInflightFetch <= 0 {
		cfg.MaxInflightFetch = 32
	}
	return &Service{
		selfNID:       cfg.SelfNID,
		powDifficulty: cfg.PoWDifficulty,
		stores:        stores,
		dedup:         NewDedup(),
		sched:         NewScheduler(cfg.MaxInflightFetch),
		events:        NewEmitter(),
		dispatch:      cfg.Dispatch,
		relayOut:      cfg.Relay,
		sessions:      make(map[string]*Session),
		commands:      make(chan commandFunc, 1024),
		done:          make(chan struct{}),
	}
}

// Events returns the service's event emitter, used to serve Subscribe.
func (s *Service) Events() *Emitter { return s.events }

// Run drains the command queue until ctx is cancelled, executing every
// command on this single goroutine. This is the service thread of
// spec.md §5.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(s.done)
			return
		case cmd := <-s.commands:
			cmd(s)
		}
	}
}

// post submits fn to run on the service thread, blocking the caller until
// it has executed. Suitable for control-socket handlers, which are allowed
// to block their own per-connection goroutine (spec.md §5).
func (s *Service) post(fn func(*Service)) {
	done := make(chan struct{})
	select {
	case s.commands <- func(svc *Service) {
		fn(svc)
		close(done)
	}:
		<-done
	case <-s.done:
	}
}

// Connected registers a new session for nid in StateInitial, called when
// the reactor thread establishes a transport connection.
func (s *Service) Connected(nid string, now time.Time) {
	s.post(func(svc *Service) {
		if _, exists := svc.sessions[nid]; exists {
			return
		}
		svc.sessions[nid] = NewSession(nid, now)
	})
}

// Handshaken transitions a session from Initial to Handshake once the
// transport-level handshake completes.
func (s *Service) Handshaken(nid string) {
	s.post(func(svc *Service) {
		if sess, ok := svc.sessions[nid]; ok {
			sess.State = StateHandshake
		}
	})
}

// Activated transitions a session to Active once its first node
// announcement is received.
func (s *Service) Activated(nid string, remote wire.NodeAnnouncement, now time.Time) {
	s.post(func(svc *Service) {
		sess, ok := svc.sessions[nid]
		if !ok {
			sess = NewSession(nid, now)
			svc.sessions[nid] = sess
		}
		sess.Activate(remote, now)
		svc.events.Publish(Event{Kind: "session-active", NID: nid, At: now})
	})
}

// Disconnected tears down nid's session.
func (s *Service) Disconnected(nid string, now time.Time) {
	s.post(func(svc *Service) {
		if sess, ok := svc.sessions[nid]; ok {
			sess.Terminate()
			delete(svc.sessions, nid)
			svc.events.Publish(Event{Kind: "session-terminated", NID: nid, At: now})
		}
	})
}

// Sessions returns a snapshot of every current session, for the Sessions
// control command.
func (s *Service) Sessions() []Session {
	var out []Session
	s.post(func(svc *Service) {
		for _, sess := range svc.sessions {
			out = append(out, *sess)
		}
	})
	return out
}

// Session returns a snapshot of the session for nid, if any.
func (s *Service) Session(nid string) (Session, bool) {
	var out Session
	var ok bool
	s.post(func(svc *Service) {
		sess, exists := svc.sessions[nid]
		if exists {
			out, ok = *sess, true
		}
	})
	return out, ok
}

// HandleNodeAnnouncement validates and (if accepted) relays a node
// announcement from the session it arrived on. raw is the originally
// received envelope, forwarded verbatim (signature intact) to interested
// sessions.
func (s *Service) HandleNodeAnnouncement(fromNID string, ann wire.NodeAnnouncement, raw []byte, now time.Time) {
	s.post(func(svc *Service) {
		if !SkewValid(ann.Timestamp, uint64(now.Unix())) {
			log.WithField("origin", fromNID).Warn("dropping node announcement: timestamp skew")
			return
		}
		// The puzzle is bound to the announcement's signed origin, which
		// differs from fromNID when the announcement was relayed.
		origin := fromNID
		if env, _, err := wire.DecodeEnvelope(raw); err == nil && env.Origin != "" {
			origin = env.Origin
		}
		if !ann.ValidPoW(origin, svc.powDifficulty) {
			log.WithField("origin", fromNID).Warn("dropping node announcement: invalid proof of work")
			return
		}
		if !svc.dedup.Accept(wire.TypeNodeAnnouncement, fromNID, ann.Timestamp) {
			return
		}
		if sess, ok := svc.sessions[fromNID]; ok {
			sess.Activate(ann, now)
		}
		svc.relay(fromNID, ridpkg.RID{}, false, raw)
		svc.events.Publish(Event{Kind: "node-announcement", NID: fromNID, At: now})
	})
}

// HandleInventoryAnnouncement validates, records, and relays an inventory
// announcement.
func (s *Service) HandleInventoryAnnouncement(fromNID string, inv wire.InventoryAnnouncement, raw []byte, now time.Time) {
	s.post(func(svc *Service) {
		if !SkewValid(inv.Timestamp, uint64(now.Unix())) {
			return
		}
		if !svc.dedup.Accept(wire.TypeInventoryAnnouncement, fromNID, inv.Timestamp) {
			return
		}
		for _, rid := range inv.Inventory {
			if svc.stores.Routing != nil {
				_ = svc.stores.Routing.Seen(rid, fromNID, now)
			}
		}
		svc.relay(fromNID, ridpkg.RID{}, true, raw)
		svc.events.Publish(Event{Kind: "inventory-announcement", NID: fromNID, At: now})
	})
}

// HandleRefsAnnouncement validates a refs announcement, records the route,
// relays it to interested sessions, and proposes a fetch task when our seed
// policy allows it.
func (s *Service) HandleRefsAnnouncement(fromNID string, ra wire.RefsAnnouncement, raw []byte, now time.Time) {
	s.post(func(svc *Service) {
		if !SkewValid(ra.Timestamp, uint64(now.Unix())) {
			return
		}
		if !svc.dedup.Accept(wire.TypeRefsAnnouncement, ra.RemoteNID, ra.Timestamp) {
			return
		}

		rid, err := ridpkg.Parse(ra.RID)
		if err != nil {
			log.WithError(err).Warn("refs announcement with unparseable rid")
			return
		}

		if svc.stores.Routing != nil {
			_ = svc.stores.Routing.Seen(ra.RID, ra.RemoteNID, now)
		}

		svc.relay(fromNID, rid, true, raw)
		svc.events.Publish(Event{Kind: "refs-announcement", NID: ra.RemoteNID, RID: ra.RID, At: now})

		svc.maybeScheduleFetch(ra.RID, ra.RemoteNID, now)
	})
}

func (s *Service) maybeScheduleFetch(rid, nid string, now time.Time) {
	if s.stores.Policy == nil {
		return
	}
	policy, err := s.stores.Policy.Seed(rid)
	if err != nil || policy.Decision == store.SeedBlock {
		return
	}
	task, ok := s.sched.Propose(rid, nid, DefaultReplicationFactor, now)
	if !ok {
		return
	}
	if s.dispatch != nil {
		s.dispatch(context.Background(), task)
	}
}

// FetchCompleted reports a fetch's outcome back to the scheduler, called
// directly by cmd/driftwoodd's dispatchFetch and by the control socket's
// Fetch command when the fetch ends.
func (s *Service) FetchCompleted(rid, nid string, success bool, now time.Time) {
	s.post(func(svc *Service) {
		svc.sched.Complete(rid, nid, success, now)
		kind := "fetch-succeeded"
		if !success {
			kind = "fetch-failed"
		}
		svc.events.Publish(Event{Kind: kind, NID: nid, RID: rid, At: now})
	})
}

// relay forwards raw, an already-encoded envelope originated by fromNID, to
// every active session interested in rid (or unconditionally when
// ridScoped is false, e.g. node announcements), excluding the originating
// session.
func (s *Service) relay(fromNID string, rid ridpkg.RID, ridScoped bool, raw []byte) {
	if s.relayOut == nil {
		return
	}
	for nid, sess := range s.sessions {
		if nid == fromNID || sess.State != StateActive {
			continue
		}
		if ridScoped && !sess.Interested(rid) {
			continue
		}
		s.relayOut(nid, raw)
	}
}

// AnnounceRefsFor validates rid and publishes a local
// "refs-announced-locally" event naming the given namespaces; exposed to the
// control socket. It builds no refs announcement and sends nothing to peers.
func (s *Service) AnnounceRefsFor(rid string, namespaces []string, now time.Time) error {
	if _, err := ridpkg.Parse(rid); err != nil {
		return fmt.Errorf("gossip: announce refs for invalid rid %s: %w", rid, err)
	}
	s.post(func(svc *Service) {
		svc.events.Publish(Event{Kind: "refs-announced-locally", RID: rid, At: now,
			Data: map[string]any{"namespaces": namespaces}})
	})
	return nil
}

// SeedsFor returns the known seeds for rid, reading the routing store on
// the service goroutine.
func (s *Service) SeedsFor(rid string) ([]string, error) {
	if s.stores.Routing == nil {
		return nil, nil
	}
	var seeds []string
	var err error
	s.post(func(svc *Service) {
		seeds, err = svc.stores.Routing.SeedsFor(rid)
	})
	return seeds, err
}
