package control

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"driftwood/internal/gossip"
	"driftwood/internal/identity"
	"driftwood/internal/store"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	home := t.TempDir()

	policy, err := store.OpenPolicyStore(home, "WAL")
	require.NoError(t, err)
	t.Cleanup(func() { policy.Close() })

	routing, err := store.OpenRoutingStore(home, "WAL")
	require.NoError(t, err)
	t.Cleanup(func() { routing.Close() })

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	nid, err := identity.NIDFromPublicKey(pub)
	require.NoError(t, err)

	svc := gossip.New(gossip.Config{SelfNID: nid.String()}, gossip.Stores{Policy: policy, Routing: routing})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Run(ctx)

	return Deps{
		Gossip:      svc,
		Policy:      policy,
		Routing:     routing,
		Self:        nid,
		StorageRoot: filepath.Join(home, "storage"),
		StartedAt:   time.Unix(1700000000, 0),
		Now:         func() time.Time { return time.Unix(1700000100, 0) },
	}
}

func dialAndSend(t *testing.T, socketPath string, req map[string]any) map[string]any {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	body, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(body, '\n'))
	require.NoError(t, err)

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	return resp
}

func startTestServer(t *testing.T, deps Deps) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "control.sock")
	srv, err := NewServer(socketPath, deps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	go srv.Serve(ctx)
	return socketPath
}

func TestNodeIdReturnsSelf(t *testing.T) {
	deps := newTestDeps(t)
	sock := startTestServer(t, deps)

	resp := dialAndSend(t, sock, map[string]any{"command": "NodeId"})
	require.Nil(t, resp["error"])
	ok := resp["ok"].(map[string]any)
	require.Equal(t, deps.Self.String(), ok["nid"])
}

func TestSeedAndUnseedRoundTrip(t *testing.T) {
	deps := newTestDeps(t)
	sock := startTestServer(t, deps)

	resp := dialAndSend(t, sock, map[string]any{"command": "Seed", "rid": "rad:test-repo"})
	require.Nil(t, resp["error"])

	policy, err := deps.Policy.Seed("rad:test-repo")
	require.NoError(t, err)
	require.Equal(t, store.SeedAllow, policy.Decision)

	resp = dialAndSend(t, sock, map[string]any{"command": "Unseed", "rid": "rad:test-repo"})
	require.Nil(t, resp["error"])

	policy, err = deps.Policy.Seed("rad:test-repo")
	require.NoError(t, err)
	require.Equal(t, store.SeedBlock, policy.Decision)
}

func TestUnknownCommandReturnsError(t *testing.T) {
	deps := newTestDeps(t)
	sock := startTestServer(t, deps)

	resp := dialAndSend(t, sock, map[string]any{"command": "DoesNotExist"})
	require.NotNil(t, resp["error"])
}

func TestStatusReportsUptimeAndSessions(t *testing.T) {
	deps := newTestDeps(t)
	sock := startTestServer(t, deps)

	resp := dialAndSend(t, sock, map[string]any{"command": "Status"})
	require.Nil(t, resp["error"])
	ok := resp["ok"].(map[string]any)
	require.Equal(t, float64(100), ok["uptime_seconds"])
	require.Equal(t, float64(0), ok["sessions"])
}
