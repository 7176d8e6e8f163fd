package wire

import (
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("short"),
		bytes.Repeat([]byte{0xAB}, 1000),
		bytes.Repeat([]byte{0xCD}, 1<<20),
	}
	for _, payload := range cases {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, payload); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(payload))
		}
	}
}

func TestReadFrameMultipleConsecutive(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, []byte("first"))
	_ = WriteFrame(&buf, []byte("second"))

	first, err := ReadFrame(&buf)
	if err != nil || string(first) != "first" {
		t.Fatalf("first frame: %q, %v", first, err)
	}
	second, err := ReadFrame(&buf)
	if err != nil || string(second) != "second" {
		t.Fatalf("second frame: %q, %v", second, err)
	}
}
