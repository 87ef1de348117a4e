// Package rtp decodes the RTP/UDP packets emitted by the receiver into
// sequence-stamped IQ sample blocks.
package rtp

import (
	"errors"
	"fmt"

	pionrtp "github.com/pion/rtp"
)

// Version is the only RTP version accepted.
const Version = 2

var (
	// ErrShortPacket is returned for datagrams shorter than a fixed header.
	ErrShortPacket = errors.New("rtp: packet shorter than header")
	// ErrBadVersion is returned when the header version is not 2.
	ErrBadVersion = errors.New("rtp: unsupported version")
	// ErrMalformedPayload is returned when the payload is not a whole
	// number of complex samples.
	ErrMalformedPayload = errors.New("rtp: payload is not a whole number of samples")
)

// HeaderSize is the size of the fixed RTP header.
const HeaderSize = 12

// Packet is one decoded RTP datagram. Payload aliases the input buffer
// passed to Decode and must be consumed before that buffer is reused.
type Packet struct {
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
	PayloadType uint8
	Marker      bool
	Payload     []byte
}

// Decode parses the fixed header, any contributor list and extension
// block, strips padding, and returns the packet.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < HeaderSize {
		return Packet{}, ErrShortPacket
	}
	if v := buf[0] >> 6; v != Version {
		return Packet{}, fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
	var p pionrtp.Packet
	if err := p.Unmarshal(buf); err != nil {
		return Packet{}, fmt.Errorf("rtp: decode header: %w", err)
	}
	return Packet{
		Sequence:    p.SequenceNumber,
		Timestamp:   p.Timestamp,
		SSRC:        p.SSRC,
		PayloadType: p.PayloadType,
		Marker:      p.Marker,
		Payload:     p.Payload,
	}, nil
}

// Encode builds a datagram from a Packet. It is used by the replay tools
// and by tests to synthesise streams.
func Encode(p Packet) ([]byte, error) {
	pkt := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        Version,
			Marker:         p.Marker,
			PayloadType:    p.PayloadType,
			SequenceNumber: p.Sequence,
			Timestamp:      p.Timestamp,
			SSRC:           p.SSRC,
		},
		Payload: p.Payload,
	}
	return pkt.Marshal()
}
