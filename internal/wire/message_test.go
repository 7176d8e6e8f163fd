package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeAnnouncementRoundTrip(t *testing.T) {
	n := NodeAnnouncement{
		Features:  3,
		Version:   ProtocolVersion,
		Timestamp: 1700000000,
		Alias:     "alice",
		Addresses: []string{"/ip4/1.2.3.4/tcp/8776"},
		Nonce:     42,
		Agent:     "driftwood/0.1.0",
	}
	enc := n.Encode()
	got, err := DecodeNodeAnnouncement(enc)
	require.NoError(t, err)
	require.Equal(t, n, got)
}

func TestInventoryAnnouncementTruncation(t *testing.T) {
	items := make([]string, InventoryLimit+1)
	for i := range items {
		items[i] = "rid"
	}
	inv := InventoryAnnouncement{Timestamp: 1, Inventory: items}
	require.True(t, inv.Truncated())

	enc := inv.Encode()
	got, err := DecodeInventoryAnnouncement(enc)
	require.NoError(t, err)
	require.Len(t, got.Inventory, InventoryLimit)
}

func TestRefsAnnouncementRoundTrip(t *testing.T) {
	ra := RefsAnnouncement{
		Timestamp:  1234,
		RID:        "abcd",
		RemoteNID:  "zNID",
		SigrefsOID: "deadbeef",
	}
	got, err := DecodeRefsAnnouncement(ra.Encode())
	require.NoError(t, err)
	require.Equal(t, ra, got)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	body := NodeAnnouncement{Version: 1, Agent: "x"}.Encode()
	e := Envelope{Type: TypeNodeAnnouncement, Body: body, Origin: "zNID", Signature: []byte{1, 2, 3}}

	buf := e.Encode()
	buf = append(buf, 0xFF) // trailing garbage simulating a second frame

	got, n, err := DecodeEnvelope(buf)
	require.NoError(t, err)
	require.Less(t, n, len(buf))
	require.Equal(t, e, got)
}

func TestNodeAnnouncementPoW(t *testing.T) {
	n := NodeAnnouncement{Timestamp: 1700000000}
	require.True(t, n.ValidPoW("zNID", 0), "difficulty 0 always passes")

	const difficulty = 4
	for n.Nonce = 0; !n.ValidPoW("zNID", difficulty); n.Nonce++ {
		require.Less(t, n.Nonce, uint64(1<<20), "mining should converge well before this many attempts")
	}
	require.True(t, n.ValidPoW("zNID", difficulty))
}

func TestWriteReadEnvelopeStream(t *testing.T) {
	e := Envelope{Type: TypePing}
	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, e))

	e2 := Envelope{Type: TypeRefsAnnouncement, Body: []byte("body"), Origin: "zNID", Signature: []byte{9}}
	require.NoError(t, WriteEnvelope(&buf, e2))

	got1, err := ReadEnvelope(&buf)
	require.NoError(t, err)
	require.Equal(t, e, got1)

	got2, err := ReadEnvelope(&buf)
	require.NoError(t, err)
	require.Equal(t, e2, got2)

	_, err = ReadEnvelope(&buf)
	require.Error(t, err)
}
