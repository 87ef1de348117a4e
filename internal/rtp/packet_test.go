package rtp

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := Packet{
		Sequence:    65535,
		Timestamp:   0xDEADBEEF,
		SSRC:        10000000,
		PayloadType: 97,
		Marker:      true,
		Payload:     []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	buf, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(buf) != HeaderSize+len(in.Payload) {
		t.Fatalf("expected %d bytes, got %d", HeaderSize+len(in.Payload), len(buf))
	}

	out, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeWithCSRCAndExtension(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	buf := make([]byte, 0, 64)
	// V=2, P=0, X=1, CC=1
	buf = append(buf, 0x80|0x10|0x01, 96)
	buf = binary.BigEndian.AppendUint16(buf, 7)
	buf = binary.BigEndian.AppendUint32(buf, 1234)
	buf = binary.BigEndian.AppendUint32(buf, 42)
	// one contributor
	buf = binary.BigEndian.AppendUint32(buf, 99)
	// extension: profile, length in 32-bit words, one word of data
	buf = binary.BigEndian.AppendUint16(buf, 0xBEDE)
	buf = binary.BigEndian.AppendUint16(buf, 1)
	buf = append(buf, 0x10, 0x01, 0x00, 0x00)
	buf = append(buf, payload...)

	p, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Sequence != 7 || p.Timestamp != 1234 || p.SSRC != 42 {
		t.Errorf("unexpected header %+v", p)
	}
	if diff := cmp.Diff(payload, p.Payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeStripsPadding(t *testing.T) {
	buf := []byte{0xA0, 96, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3, 9, 9, 9, 9, 0, 0, 0, 4}
	p, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(p.Payload) != 4 {
		t.Errorf("expected 4 payload bytes after padding removal, got %d", len(p.Payload))
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode([]byte{0x80, 0}); !errors.Is(err, ErrShortPacket) {
		t.Errorf("expected ErrShortPacket, got %v", err)
	}
	bad := make([]byte, HeaderSize)
	bad[0] = 0x40
	if _, err := Decode(bad); !errors.Is(err, ErrBadVersion) {
		t.Errorf("expected ErrBadVersion, got %v", err)
	}
}
