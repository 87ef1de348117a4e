package rtp

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// SampleFormat is the encoding of one complex sample in the payload.
type SampleFormat int

const (
	// Int16BE carries I and Q as big-endian signed 16-bit integers.
	Int16BE SampleFormat = iota
	// Float32LE carries I and Q as little-endian IEEE-754 floats, the
	// receiver's native float output.
	Float32LE
)

// ParseSampleFormat maps a configuration name to a SampleFormat.
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch strings.ToLower(s) {
	case "", "int16", "s16be", "int16be":
		return Int16BE, nil
	case "float32", "f32", "f32le", "float32le":
		return Float32LE, nil
	}
	return 0, fmt.Errorf("unknown sample format %q", s)
}

func (f SampleFormat) String() string {
	switch f {
	case Int16BE:
		return "int16be"
	case Float32LE:
		return "float32le"
	}
	return fmt.Sprintf("SampleFormat(%d)", int(f))
}

// BytesPerSample returns the size of one complex (I+Q) sample.
func (f SampleFormat) BytesPerSample() int {
	if f == Float32LE {
		return 8
	}
	return 4
}

// DecodeSamples converts a payload into complex samples. Int16 values are
// scaled to [-1, 1).
func DecodeSamples(payload []byte, f SampleFormat) ([]complex64, error) {
	size := f.BytesPerSample()
	if len(payload)%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes, %d per sample", ErrMalformedPayload, len(payload), size)
	}
	n := len(payload) / size
	out := make([]complex64, n)
	switch f {
	case Float32LE:
		for i := 0; i < n; i++ {
			off := i * 8
			re := math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
			im := math.Float32frombits(binary.LittleEndian.Uint32(payload[off+4:]))
			out[i] = complex(re, im)
		}
	default:
		for i := 0; i < n; i++ {
			off := i * 4
			re := float32(int16(binary.BigEndian.Uint16(payload[off:]))) / 32768
			im := float32(int16(binary.BigEndian.Uint16(payload[off+2:]))) / 32768
			out[i] = complex(re, im)
		}
	}
	return out, nil
}

// EncodeSamples is the inverse of DecodeSamples. Int16 values are clipped.
func EncodeSamples(samples []complex64, f SampleFormat) []byte {
	size := f.BytesPerSample()
	out := make([]byte, len(samples)*size)
	for i, s := range samples {
		off := i * size
		if f == Float32LE {
			binary.LittleEndian.PutUint32(out[off:], math.Float32bits(real(s)))
			binary.LittleEndian.PutUint32(out[off+4:], math.Float32bits(imag(s)))
			continue
		}
		binary.BigEndian.PutUint16(out[off:], uint16(toInt16(real(s))))
		binary.BigEndian.PutUint16(out[off+2:], uint16(toInt16(imag(s))))
	}
	return out
}

func toInt16(v float32) int16 {
	x := math.Round(float64(v) * 32768)
	if x > math.MaxInt16 {
		return math.MaxInt16
	}
	if x < math.MinInt16 {
		return math.MinInt16
	}
	return int16(x)
}
