// Package reactor implements the gossip wire-protocol reactor thread
// (spec.md §5 "the reactor thread"): one goroutine per open gossip stream,
// reading and writing framed wire.Envelope messages and feeding decoded
// announcements into the gossip service's single command queue. The
// service itself never touches a network.Stream; this package is the only
// place that does.
package reactor

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/sirupsen/logrus"

	"driftwood/internal/gossip"
	"driftwood/internal/identity"
	"driftwood/internal/metrics"
	"driftwood/internal/transport"
	"driftwood/internal/wire"
)

var log = logrus.WithField("subsystem", "reactor")

// PingInterval is how often an active session exchanges keepalive pings.
const PingInterval = 30 * time.Second

// AnnounceInterval is how often a node re-floods its own node announcement
// on the broadcast topic, independent of per-session pings.
const AnnounceInterval = 5 * time.Minute

// BroadcastTopic is the GossipSub topic node announcements are flooded on,
// a network-wide supplement to the per-stream gossip the reactor otherwise
// only exchanges with directly connected peers.
const BroadcastTopic = "/driftwood/gossip/announce/1"

// Reactor owns every open gossip stream and is the sole writer/reader on
// each one.
type Reactor struct {
	gossip     *gossip.Service
	transport  *transport.Transport
	self       *identity.Keypair
	metrics    *metrics.Metrics
	difficulty uint8

	liveMu sync.RWMutex
	live   map[string]network.Stream // NID -> open gossip stream

	bc *transport.Broadcast
}

// New creates a Reactor bound to svc, using kp to sign outbound
// announcements and t to open outbound gossip streams. m may be nil.
// difficulty is the node announcement proof-of-work difficulty our own
// hellos must solve before sending (spec.md §4.4); it must match the
// value svc was configured with, since a self-mined announcement below
// the network's difficulty would simply be dropped by every receiver.
func New(svc *gossip.Service, t *transport.Transport, kp *identity.Keypair, m *metrics.Metrics, difficulty uint8) *Reactor {
	return &Reactor{
		gossip:     svc,
		transport:  t,
		self:       kp,
		metrics:    m,
		difficulty: difficulty,
		live:       make(map[string]network.Stream),
	}
}

// Relay is installed as the gossip service's gossip.RelayFunc: it looks up
// the live stream for nid and writes raw to it, dropping silently if the
// session has no open stream (the service's own session table already
// reflects liveness; a stream gone missing here just means the teardown
// race lost, and the next announcement cycle will recover).
func (r *Reactor) Relay(nid string, raw []byte) {
	r.liveMu.RLock()
	s, ok := r.live[nid]
	r.liveMu.RUnlock()
	if !ok {
		return
	}
	if _, err := s.Write(raw); err != nil {
		log.WithError(err).WithField("nid", nid).Warn("relay write failed")
	}
}

// HandleStream is registered as the libp2p stream handler for
// transport.ProtocolGossip. It runs the per-session read loop until the
// stream closes or ctx is cancelled.
func (r *Reactor) HandleStream(ctx context.Context, s network.Stream) {
	remoteNID, err := transport.NIDFromPeerID(s.Conn().RemotePeer())
	if err != nil {
		log.WithError(err).Warn("gossip stream from peer with unrecoverable NID")
		s.Reset()
		return
	}
	nid := remoteNID.String()

	r.register(nid, s)
	defer r.unregister(nid)

	now := time.Now()
	r.gossip.Connected(nid, now)
	defer r.gossip.Disconnected(nid, time.Now())

	if err := r.sendHello(s); err != nil {
		log.WithError(err).WithField("nid", nid).Warn("failed to send hello announcement")
		s.Reset()
		return
	}
	r.gossip.Handshaken(nid)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := wire.ReadEnvelope(s)
		if err != nil {
			if err != io.EOF {
				log.WithError(err).WithField("nid", nid).Debug("gossip stream closed")
			}
			return
		}
		r.handleEnvelope(nid, env)
	}
}

func (r *Reactor) handleEnvelope(nid string, env wire.Envelope) {
	now := time.Now()
	switch env.Type {
	case wire.TypeNodeAnnouncement:
		ann, err := wire.DecodeNodeAnnouncement(env.Body)
		if err != nil {
			log.WithError(err).WithField("nid", nid).Warn("malformed node announcement")
			return
		}
		if !r.verify(env) {
			log.WithField("nid", nid).Warn("node announcement with invalid signature")
			return
		}
		r.gossip.HandleNodeAnnouncement(nid, ann, env.Encode(), now)
		r.countRelay("NodeAnnouncement")

	case wire.TypeInventoryAnnouncement:
		inv, err := wire.DecodeInventoryAnnouncement(env.Body)
		if err != nil {
			log.WithError(err).WithField("nid", nid).Warn("malformed inventory announcement")
			return
		}
		if !r.verify(env) {
			log.WithField("nid", nid).Warn("inventory announcement with invalid signature")
			return
		}
		r.gossip.HandleInventoryAnnouncement(nid, inv, env.Encode(), now)
		r.countRelay("InventoryAnnouncement")

	case wire.TypeRefsAnnouncement:
		ra, err := wire.DecodeRefsAnnouncement(env.Body)
		if err != nil {
			log.WithError(err).WithField("nid", nid).Warn("malformed refs announcement")
			return
		}
		if !r.verify(env) {
			log.WithField("nid", nid).Warn("refs announcement with invalid signature")
			return
		}
		r.gossip.HandleRefsAnnouncement(nid, ra, env.Encode(), now)
		r.countRelay("RefsAnnouncement")

	case wire.TypePing:
		r.liveMu.RLock()
		s, ok := r.live[nid]
		r.liveMu.RUnlock()
		if ok {
			_ = wire.WriteEnvelope(s, wire.Envelope{Type: wire.TypePong})
		}

	case wire.TypePong:
		// no action; receipt alone keeps the session from being
		// considered stale by a future liveness sweep.

	default:
		log.WithField("nid", nid).WithField("type", env.Type).Warn("unknown gossip message type")
	}
}

func (r *Reactor) countRelay(kind string) {
	if r.metrics != nil {
		r.metrics.AnnouncementRelayed(kind)
	}
}

// verify checks env's signature against its claimed Origin NID. Ping/Pong
// carry no signature and are never passed here.
func (r *Reactor) verify(env wire.Envelope) bool {
	origin, err := identity.ParseNID(env.Origin)
	if err != nil {
		return false
	}
	return ed25519.Verify(origin.PublicKey(), wire.SigningPayload(env.Type, env.Body), env.Signature)
}

// buildHello constructs our current, freshly signed node announcement
// envelope, shared between the per-stream handshake and the broadcast
// topic's periodic re-flood.
func (r *Reactor) buildHello() wire.Envelope {
	origin := r.self.NID().String()
	ann := wire.NodeAnnouncement{
		Version:   wire.ProtocolVersion,
		Timestamp: uint64(time.Now().Unix()),
		Addresses: r.transport.ListenAddrs(),
	}
	for !ann.ValidPoW(origin, r.difficulty) {
		ann.Nonce++
	}
	body := ann.Encode()
	return wire.Envelope{
		Type:      wire.TypeNodeAnnouncement,
		Body:      body,
		Origin:    origin,
		Signature: r.self.Sign(wire.SigningPayload(wire.TypeNodeAnnouncement, body)),
	}
}

// sendHello transmits our signed node announcement as the first message on
// a newly opened stream.
func (r *Reactor) sendHello(s network.Stream) error {
	return wire.WriteEnvelope(s, r.buildHello())
}

// RunBroadcast joins the network-wide announcement topic and runs until ctx
// is cancelled, re-flooding our own node announcement every AnnounceInterval
// and feeding announcements received from the topic into the gossip service
// exactly like one arriving on a direct stream. This reaches nodes the
// reactor has no open session with yet, which is the point: discovery,
// not just keep-alive between already-connected peers.
func (r *Reactor) RunBroadcast(ctx context.Context) {
	bc, err := r.transport.JoinBroadcast(ctx, BroadcastTopic)
	if err != nil {
		log.WithError(err).Warn("broadcast topic unavailable")
		return
	}
	r.bc = bc
	defer bc.Close()

	go func() {
		ticker := time.NewTicker(AnnounceInterval)
		defer ticker.Stop()
		r.publishHello(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.publishHello(ctx)
			}
		}
	}()

	for {
		msg, err := bc.Next(ctx)
		if err != nil {
			return
		}
		env, _, err := wire.DecodeEnvelope(msg.Data)
		if err != nil {
			log.WithError(err).Warn("malformed broadcast envelope")
			continue
		}
		if env.Type != wire.TypeNodeAnnouncement {
			continue
		}
		ann, err := wire.DecodeNodeAnnouncement(env.Body)
		if err != nil {
			log.WithError(err).Warn("malformed broadcast node announcement")
			continue
		}
		if !r.verify(env) {
			log.Warn("broadcast node announcement with invalid signature")
			continue
		}
		r.gossip.HandleNodeAnnouncement(env.Origin, ann, env.Encode(), time.Now())
	}
}

func (r *Reactor) publishHello(ctx context.Context) {
	if r.bc == nil {
		return
	}
	if err := r.bc.Publish(ctx, r.buildHello().Encode()); err != nil {
		log.WithError(err).Debug("broadcast publish failed")
	}
}

// Connect opens an outbound gossip stream to peerNID and runs HandleStream
// on it, used when driftwood initiates the connection rather than
// receiving one via SetStreamHandler.
func (r *Reactor) Connect(ctx context.Context, peerNID identity.NID) error {
	pid, err := transport.PeerIDFromNID(peerNID)
	if err != nil {
		return fmt.Errorf("reactor: resolve peer id: %w", err)
	}
	s, err := r.transport.OpenStream(ctx, pid, transport.ProtocolGossip)
	if err != nil {
		return fmt.Errorf("reactor: open gossip stream: %w", err)
	}
	go r.HandleStream(ctx, s)
	return nil
}

// PingLoop periodically pings every session with a live stream, letting
// stale connections be torn down by the transport layer's own keepalive
// rather than accumulating silently.
func (r *Reactor) PingLoop(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.liveMu.RLock()
			targets := make([]network.Stream, 0, len(r.live))
			for _, s := range r.live {
				targets = append(targets, s)
			}
			r.liveMu.RUnlock()
			for _, s := range targets {
				_ = wire.WriteEnvelope(s, wire.Envelope{Type: wire.TypePing})
			}
		}
	}
}

func (r *Reactor) register(nid string, s network.Stream) {
	r.liveMu.Lock()
	r.live[nid] = s
	r.liveMu.Unlock()
}

func (r *Reactor) unregister(nid string) {
	r.liveMu.Lock()
	delete(r.live, nid)
	r.liveMu.Unlock()
}
