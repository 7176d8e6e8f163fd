package wire

import (
	"crypto/sha256"
	"fmt"
	"io"
)

// MessageType tags the kind of a wire message.
type MessageType byte

const (
	TypeNodeAnnouncement MessageType = iota + 1
	TypeInventoryAnnouncement
	TypeRefsAnnouncement
	TypeSubscribe
	TypePing
	TypePong
)

// ProtocolVersion is the current wire protocol version.
const ProtocolVersion = 1

// AddressLimit bounds the number of external addresses carried in a node
// announcement.
const AddressLimit = 8

// InventoryLimit bounds the number of RIDs carried in a single inventory
// announcement; excess entries are truncated by the sender (spec.md §6,
// §8 scenario 6).
const InventoryLimit = 10_000

// NodeAnnouncement advertises a node's features, addresses and agent
// string. Timestamps are monotonic per-originator; see spec.md §4.4.
type NodeAnnouncement struct {
	Features  uint64
	Version   uint8
	Timestamp uint64
	Alias     string
	Addresses []string
	Nonce     uint64
	Agent     string
}

// Encode serializes the announcement body (not including the outer message
// type tag, which Envelope.Encode writes).
func (n NodeAnnouncement) Encode() []byte {
	w := NewWriter()
	w.VarInt(n.Features)
	w.PutUint8(n.Version)
	w.PutUint64(n.Timestamp)
	w.PutString(n.Alias)

	addrs := n.Addresses
	truncated := false
	if len(addrs) > AddressLimit {
		addrs = addrs[:AddressLimit]
		truncated = true
	}
	w.VarInt(uint64(len(addrs)))
	for _, a := range addrs {
		w.PutString(a)
	}
	w.VarInt(n.Nonce)
	w.PutString(n.Agent)
	_ = truncated // surfaced by the caller via TruncatedAddresses
	return w.Bytes()
}

// TruncatedAddresses reports whether Encode would drop addresses beyond
// AddressLimit, so callers can log a warning before sending (spec.md §6).
func (n NodeAnnouncement) TruncatedAddresses() bool {
	return len(n.Addresses) > AddressLimit
}

// powHash digests the fields a node announcement's proof-of-work nonce is
// bound to: the originating NID and the announcement's timestamp and
// nonce. Binding to the timestamp means a solved nonce can't be replayed
// against a later announcement from the same origin.
func (n NodeAnnouncement) powHash(originNID string) [32]byte {
	w := NewWriter()
	w.PutString(originNID)
	w.PutUint64(n.Timestamp)
	w.VarInt(n.Nonce)
	return sha256.Sum256(w.Bytes())
}

// ValidPoW reports whether the announcement's nonce solves the network's
// announcement puzzle: its powHash must have at least difficulty leading
// zero bits (spec.md §4.4, "Puzzle difficulty is a network parameter").
func (n NodeAnnouncement) ValidPoW(originNID string, difficulty uint8) bool {
	if difficulty == 0 {
		return true
	}
	h := n.powHash(originNID)
	return leadingZeroBits(h[:]) >= int(difficulty)
}

func leadingZeroBits(b []byte) int {
	count := 0
	for _, by := range b {
		if by == 0 {
			count += 8
			continue
		}
		for i := 7; i >= 0; i-- {
			if by&(1<<uint(i)) != 0 {
				return count
			}
			count++
		}
	}
	return count
}

// DecodeNodeAnnouncement parses a NodeAnnouncement body.
func DecodeNodeAnnouncement(buf []byte) (NodeAnnouncement, error) {
	r := NewReader(buf)
	var n NodeAnnouncement
	n.Features = r.VarInt()
	n.Version = r.Uint8()
	n.Timestamp = r.Uint64()
	n.Alias = r.String()
	count := r.VarInt()
	for i := uint64(0); i < count && r.Err() == nil; i++ {
		n.Addresses = append(n.Addresses, r.String())
	}
	n.Nonce = r.VarInt()
	n.Agent = r.String()
	if r.Err() != nil {
		return NodeAnnouncement{}, fmt.Errorf("wire: decode node announcement: %w", r.Err())
	}
	return n, nil
}

// InventoryAnnouncement advertises the originator's bounded set of RIDs
// (hex-encoded) at a point in time.
type InventoryAnnouncement struct {
	Timestamp uint64
	Inventory []string // RID.Hex()
}

// Encode serializes the announcement, truncating to InventoryLimit entries.
// Callers must log a warning when Truncated() is true before sending, per
// spec.md §8 scenario 6.
func (inv InventoryAnnouncement) Encode() []byte {
	w := NewWriter()
	w.PutUint64(inv.Timestamp)
	items := inv.Inventory
	if len(items) > InventoryLimit {
		items = items[:InventoryLimit]
	}
	w.VarInt(uint64(len(items)))
	for _, id := range items {
		w.PutString(id)
	}
	return w.Bytes()
}

// Truncated reports whether Encode would drop entries beyond InventoryLimit.
func (inv InventoryAnnouncement) Truncated() bool {
	return len(inv.Inventory) > InventoryLimit
}

// DecodeInventoryAnnouncement parses an InventoryAnnouncement body.
func DecodeInventoryAnnouncement(buf []byte) (InventoryAnnouncement, error) {
	r := NewReader(buf)
	var inv InventoryAnnouncement
	inv.Timestamp = r.Uint64()
	count := r.VarInt()
	for i := uint64(0); i < count && r.Err() == nil; i++ {
		inv.Inventory = append(inv.Inventory, r.String())
	}
	if r.Err() != nil {
		return InventoryAnnouncement{}, fmt.Errorf("wire: decode inventory announcement: %w", r.Err())
	}
	return inv, nil
}

// RefsAnnouncement indicates that RemoteNID published new sigrefs inside RID
// reachable at SigrefsOID.
type RefsAnnouncement struct {
	Timestamp  uint64
	RID        string // RID.Hex()
	RemoteNID  string // NID.String()
	SigrefsOID string // Git object id, hex
}

// Encode serializes the announcement body.
func (ra RefsAnnouncement) Encode() []byte {
	w := NewWriter()
	w.PutUint64(ra.Timestamp)
	w.PutString(ra.RID)
	w.PutString(ra.RemoteNID)
	w.PutString(ra.SigrefsOID)
	return w.Bytes()
}

// DecodeRefsAnnouncement parses a RefsAnnouncement body.
func DecodeRefsAnnouncement(buf []byte) (RefsAnnouncement, error) {
	r := NewReader(buf)
	var ra RefsAnnouncement
	ra.Timestamp = r.Uint64()
	ra.RID = r.String()
	ra.RemoteNID = r.String()
	ra.SigrefsOID = r.String()
	if r.Err() != nil {
		return RefsAnnouncement{}, fmt.Errorf("wire: decode refs announcement: %w", r.Err())
	}
	return ra, nil
}

// Envelope wraps a signed, typed message for transmission. Signature covers
// Type || Body. Ping/Pong and Subscribe carry empty signatures since they
// are session-scoped rather than gossip facts.
type Envelope struct {
	Type      MessageType
	Body      []byte
	Origin    string // NID.String() of the signer, empty for session messages
	Signature []byte
}

// Encode serializes the full envelope, varint-length-prefixed so it can be
// read off a stream without a separate framing layer.
func (e Envelope) Encode() []byte {
	w := NewWriter()
	w.PutUint8(byte(e.Type))
	w.PutBytes(e.Body)
	w.PutString(e.Origin)
	w.PutBytes(e.Signature)
	body := w.Bytes()

	framed := NewWriter()
	framed.PutBytes(body)
	return framed.Bytes()
}

// DecodeEnvelope reads one length-prefixed envelope from the front of buf,
// returning the envelope and the number of bytes consumed.
func DecodeEnvelope(buf []byte) (Envelope, int, error) {
	body, n, err := DecodePayload(buf)
	if err != nil {
		return Envelope{}, 0, fmt.Errorf("wire: decode envelope frame: %w", err)
	}
	r := NewReader(body)
	var e Envelope
	e.Type = MessageType(r.Uint8())
	e.Body = r.Bytes()
	e.Origin = r.String()
	e.Signature = r.Bytes()
	if r.Err() != nil {
		return Envelope{}, 0, fmt.Errorf("wire: decode envelope: %w", r.Err())
	}
	return e, n, nil
}

// WriteEnvelope writes e to w, framed the same way Encode already frames
// it (a varint length prefix followed by the encoded fields).
func WriteEnvelope(w io.Writer, e Envelope) error {
	if _, err := w.Write(e.Encode()); err != nil {
		return fmt.Errorf("wire: write envelope: %w", err)
	}
	return nil
}

// ReadEnvelope reads one length-prefixed envelope from r, the streaming
// counterpart to DecodeEnvelope for callers holding an io.Reader rather
// than an already-buffered slice.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return Envelope{}, err
	}
	rd := NewReader(payload)
	var e Envelope
	e.Type = MessageType(rd.Uint8())
	e.Body = rd.Bytes()
	e.Origin = rd.String()
	e.Signature = rd.Bytes()
	if rd.Err() != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", rd.Err())
	}
	return e, nil
}

// SigningPayload returns the bytes that Envelope.Signature is computed over:
// the message type byte followed by the body.
func SigningPayload(t MessageType, body []byte) []byte {
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(t))
	out = append(out, body...)
	return out
}
