package wire

import (
	"fmt"
	"io"
)

// WriteFrame writes a single varint-length-prefixed payload to w, the
// streaming counterpart to EncodePayload for callers holding an io.Writer
// rather than a byte slice (gossip envelopes, gitproto control messages).
func WriteFrame(w io.Writer, payload []byte) error {
	header, err := EncodeVarInt(nil, uint64(len(payload)))
	if err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads a single varint-length-prefixed payload from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	tagByte := make([]byte, 1)
	if _, err := io.ReadFull(r, tagByte); err != nil {
		return nil, err
	}
	tag := tagByte[0] >> 6
	length := 1 << tag

	header := make([]byte, length)
	header[0] = tagByte[0]
	if length > 1 {
		if _, err := io.ReadFull(r, header[1:]); err != nil {
			return nil, fmt.Errorf("wire: read frame header: %w", err)
		}
	}
	size, _, err := DecodeVarInt(header)
	if err != nil {
		return nil, fmt.Errorf("wire: decode frame size: %w", err)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read frame payload: %w", err)
	}
	return payload, nil
}
