package reactor

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/stretchr/testify/require"

	"driftwood/internal/gossip"
	"driftwood/internal/identity"
	"driftwood/internal/transport"
)

func newNode(t *testing.T, ctx context.Context) (*identity.Keypair, *transport.Transport, *gossip.Service, *Reactor) {
	t.Helper()
	kp, err := identity.Generate()
	require.NoError(t, err)
	tr, err := transport.New(ctx, transport.Config{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}}, kp)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	svc := gossip.New(gossip.Config{SelfNID: kp.NID().String()}, gossip.Stores{})
	go svc.Run(ctx)

	re := New(svc, tr, kp, nil, 0)
	tr.SetStreamHandler(transport.ProtocolGossip, func(s network.Stream) {
		go re.HandleStream(ctx, s)
	})
	return kp, tr, svc, re
}

func TestHandshakeActivatesBothSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kpA, trA, svcA, reA := newNode(t, ctx)
	kpB, trB, svcB, _ := newNode(t, ctx)

	_, err := trA.Connect(ctx, trB.ListenAddrs()[0])
	require.NoError(t, err)

	require.NoError(t, reA.Connect(ctx, kpB.NID()))

	require.Eventually(t, func() bool {
		sess, ok := svcA.Session(kpB.NID().String())
		return ok && sess.State == gossip.StateActive
	}, 5*time.Second, 20*time.Millisecond, "A's session with B never activated")

	require.Eventually(t, func() bool {
		sess, ok := svcB.Session(kpA.NID().String())
		return ok && sess.State == gossip.StateActive
	}, 5*time.Second, 20*time.Millisecond, "B's session with A never activated")
}
