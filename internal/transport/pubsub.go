package transport

import (
	"context"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// Broadcast wraps a single GossipSub topic: a flood-fill channel used
// alongside the per-stream gossip protocol to disseminate node
// announcements network-wide without waiting for the reactor's session
// table to converge (spec.md §4.4's node announcements are meant to reach
// the whole swarm, not just directly connected peers).
type Broadcast struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	self  string
}

// BroadcastMessage is one message received off a Broadcast's topic.
type BroadcastMessage struct {
	From string
	Data []byte
}

// JoinBroadcast lazily starts the transport's GossipSub router (one per
// Transport) and joins topic, returning a handle to publish and receive on
// it.
func (t *Transport) JoinBroadcast(ctx context.Context, topic string) (*Broadcast, error) {
	t.mu.Lock()
	if t.ps == nil {
		ps, err := pubsub.NewGossipSub(ctx, t.host)
		if err != nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("transport: start gossipsub: %w", err)
		}
		t.ps = ps
	}
	ps := t.ps
	t.mu.Unlock()

	tp, err := ps.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("transport: join topic %s: %w", topic, err)
	}
	sub, err := tp.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("transport: subscribe topic %s: %w", topic, err)
	}
	return &Broadcast{topic: tp, sub: sub, self: t.host.ID().String()}, nil
}

// Publish floods data to every peer subscribed to the topic.
func (b *Broadcast) Publish(ctx context.Context, data []byte) error {
	return b.topic.Publish(ctx, data)
}

// Next blocks until a message from another peer arrives, skipping messages
// this host published itself (GossipSub delivers those back locally too).
func (b *Broadcast) Next(ctx context.Context) (BroadcastMessage, error) {
	for {
		msg, err := b.sub.Next(ctx)
		if err != nil {
			return BroadcastMessage{}, err
		}
		from := msg.GetFrom().String()
		if from == b.self {
			continue
		}
		return BroadcastMessage{From: from, Data: msg.Data}, nil
	}
}

// Close cancels the subscription and leaves the topic.
func (b *Broadcast) Close() {
	b.sub.Cancel()
	_ = b.topic.Close()
}
