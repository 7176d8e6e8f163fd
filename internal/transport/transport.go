// Package transport implements driftwood's framed duplex transport (spec.md
// §4.1) over a libp2p host: connections are libp2p peer connections,
// streams are per-protocol-ID network.Stream instances multiplexed over a
// single connection, and signal_eof() is the stream's half-close.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"

	"driftwood/internal/identity"
)

var log = logrus.WithField("subsystem", "transport")

// Protocol IDs for driftwood's two subprotocols tunnelled over libp2p
// streams, per spec.md §4.1 ("the layer above selects one of a small number
// of streams on the same connection").
const (
	ProtocolGit    protocol.ID = "/driftwood/git/1"
	ProtocolGossip protocol.ID = "/driftwood/gossip/1"
)

// Reason is a typed transport failure reason, per spec.md §4.1.
type Reason string

const (
	ReasonConnectionReset Reason = "connection-reset"
	ReasonTimeout         Reason = "timeout"
	ReasonRemoteClosed    Reason = "remote-closed"
	ReasonCancelled       Reason = "cancelled"
)

// Error wraps a transport failure with its typed Reason.
type Error struct {
	Reason Reason
	Peer   string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s: peer %s: %v", e.Reason, e.Peer, e.Err)
}
func (e *Error) Unwrap() error { return e.Err }

// Transport wraps a libp2p host, providing driftwood's connection and
// stream primitives.
type Transport struct {
	host host.Host
	kp   *identity.Keypair
	nat  *natMapper
	ps   *pubsub.PubSub

	mu        sync.RWMutex
	onConnect []func(peer.ID)
}

// Config controls how a Transport's libp2p host is constructed.
type Config struct {
	ListenAddrs  []string
	DiscoveryTag string
	EnableNAT    bool
}

// New creates a Transport listening on cfg.ListenAddrs, identified by kp.
func New(ctx context.Context, cfg Config, kp *identity.Keypair) (*Transport, error) {
	opts := []libp2p.Option{
		libp2p.Identity(libp2pPrivateKey(kp)),
	}
	if len(cfg.ListenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: create host: %w", err)
	}

	t := &Transport{host: h, kp: kp}

	if cfg.DiscoveryTag != "" {
		if err := mdns.NewMdnsService(h, cfg.DiscoveryTag, t).Start(); err != nil {
			log.WithError(err).Warn("mdns discovery failed to start")
		}
	}

	if cfg.EnableNAT {
		t.enableNAT()
	}

	return t, nil
}

// HandlePeerFound implements mdns.Notifee: connect to discovered peers,
// ignoring ourselves (grounded on the teacher's network.go HandlePeerFound).
func (t *Transport) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == t.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.host.Connect(ctx, info); err != nil {
		log.WithError(err).WithField("peer", info.ID.String()).Warn("mdns connect failed")
		return
	}
	t.notifyConnect(info.ID)
}

// OnConnect registers a callback invoked whenever a new peer connection is
// established, used by the gossip service to open a session.
func (t *Transport) OnConnect(fn func(peer.ID)) {
	t.mu.Lock()
	t.onConnect = append(t.onConnect, fn)
	t.mu.Unlock()
}

func (t *Transport) notifyConnect(id peer.ID) {
	t.mu.RLock()
	cbs := append([]func(peer.ID){}, t.onConnect...)
	t.mu.RUnlock()
	for _, cb := range cbs {
		cb(id)
	}
}

// SetStreamHandler registers a handler for streams opened on proto.
func (t *Transport) SetStreamHandler(proto protocol.ID, handler network.StreamHandler) {
	t.host.SetStreamHandler(proto, handler)
}

// Connect performs the handshake-complete connection to addr, per spec.md
// §4.1's open(peer) contract. The remote static key binds to expected
// identity through libp2p's own Noise-authenticated handshake.
func (t *Transport) Connect(ctx context.Context, addr string) (peer.ID, error) {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return "", fmt.Errorf("transport: parse address %s: %w", addr, err)
	}
	if err := t.host.Connect(ctx, *info); err != nil {
		return "", &Error{Reason: ReasonConnectionReset, Peer: info.ID.String(), Err: err}
	}
	t.notifyConnect(info.ID)
	return info.ID, nil
}

// Disconnect closes every connection to id.
func (t *Transport) Disconnect(id peer.ID) error {
	return t.host.Network().ClosePeer(id)
}

// OpenStream opens a new stream to id on proto.
func (t *Transport) OpenStream(ctx context.Context, id peer.ID, proto protocol.ID) (network.Stream, error) {
	s, err := t.host.NewStream(ctx, id, proto)
	if err != nil {
		return nil, &Error{Reason: ReasonConnectionReset, Peer: id.String(), Err: err}
	}
	return s, nil
}

// SignalEOF instructs the remote worker to stop serving the current Git
// subprotocol, since Git has no in-band termination (spec.md §4.1).
func SignalEOF(s network.Stream) error {
	return s.CloseWrite()
}

// ListenAddrs returns the host's advertised multiaddresses.
func (t *Transport) ListenAddrs() []string {
	addrs := t.host.Addrs()
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = fmt.Sprintf("%s/p2p/%s", a, t.host.ID())
	}
	return out
}

// ID returns the host's own peer id.
func (t *Transport) ID() peer.ID { return t.host.ID() }

// Close shuts down the host, first releasing any NAT port mappings.
func (t *Transport) Close() error {
	if t.nat != nil {
		if err := t.nat.unmapPort(); err != nil {
			log.WithError(err).Warn("nat port unmap failed")
		}
	}
	return t.host.Close()
}

// PeerIDFromNID maps a driftwood NID to the libp2p peer ID derived from the
// same Ed25519 public key.
func PeerIDFromNID(nid identity.NID) (peer.ID, error) {
	pub, err := libp2pPublicKey(nid)
	if err != nil {
		return "", err
	}
	return peer.IDFromPublicKey(pub)
}

// NIDFromPeerID recovers the driftwood NID encoded in a libp2p peer ID,
// the inverse of PeerIDFromNID. It fails for peer IDs that do not embed
// their Ed25519 public key directly (very old, hash-only peer IDs).
func NIDFromPeerID(id peer.ID) (identity.NID, error) {
	pub, err := id.ExtractPublicKey()
	if err != nil {
		return identity.NID{}, fmt.Errorf("transport: extract public key from peer id: %w", err)
	}
	raw, err := pub.Raw()
	if err != nil {
		return identity.NID{}, fmt.Errorf("transport: marshal public key: %w", err)
	}
	return identity.NIDFromPublicKey(raw)
}
