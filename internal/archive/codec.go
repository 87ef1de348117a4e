package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/banshee-data/hf-timestd/internal/fsutil"
)

// Segment file layout:
//
//	magic   [4]byte  "HFTS"
//	version uint8
//	hdrLen  uint32   little endian
//	header  JSON-encoded Metadata
//	body    zstd frame of interleaved float32 LE I/Q samples
const formatVersion = 1

var magic = [4]byte{'H', 'F', 'T', 'S'}

// ErrWriteFailed is returned when a segment could not be persisted.
var ErrWriteFailed = errors.New("archive: segment write failed")

// ErrBadSegment is returned by Decode for data that is not a segment file.
var ErrBadSegment = errors.New("archive: not a segment file")

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// Encode serialises a segment.
func Encode(seg *Segment) ([]byte, error) {
	if seg.SampleCount != len(seg.Samples) {
		return nil, fmt.Errorf("sample count %d does not match %d samples", seg.SampleCount, len(seg.Samples))
	}
	header, err := json.Marshal(seg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal segment header: %w", err)
	}

	raw := make([]byte, len(seg.Samples)*8)
	for i, s := range seg.Samples {
		binary.LittleEndian.PutUint32(raw[i*8:], math.Float32bits(real(s)))
		binary.LittleEndian.PutUint32(raw[i*8+4:], math.Float32bits(imag(s)))
	}

	var buf bytes.Buffer
	buf.Grow(len(magic) + 5 + len(header) + len(raw)/2)
	buf.Write(magic[:])
	buf.WriteByte(formatVersion)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(header)))
	buf.Write(n[:])
	buf.Write(header)
	return encoder.EncodeAll(raw, buf.Bytes()), nil
}

// Decode parses a segment file.
func Decode(data []byte) (*Segment, error) {
	if len(data) < len(magic)+5 || !bytes.Equal(data[:4], magic[:]) {
		return nil, ErrBadSegment
	}
	if v := data[4]; v != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadSegment, v)
	}
	hdrLen := int(binary.LittleEndian.Uint32(data[5:9]))
	if hdrLen > len(data)-9 {
		return nil, fmt.Errorf("%w: truncated header", ErrBadSegment)
	}

	seg := &Segment{}
	if err := json.Unmarshal(data[9:9+hdrLen], &seg.Metadata); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrBadSegment, err)
	}
	raw, err := decoder.DecodeAll(data[9+hdrLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: samples: %v", ErrBadSegment, err)
	}
	if len(raw) != seg.SampleCount*8 {
		return nil, fmt.Errorf("%w: %d sample bytes, header says %d samples", ErrBadSegment, len(raw), seg.SampleCount)
	}

	seg.Samples = make([]complex64, seg.SampleCount)
	for i := range seg.Samples {
		re := math.Float32frombits(binary.LittleEndian.Uint32(raw[i*8:]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(raw[i*8+4:]))
		seg.Samples[i] = complex(re, im)
	}
	return seg, nil
}

// WriteSegment encodes seg and publishes it at path atomically.
func WriteSegment(fsys fsutil.FileSystem, path string, seg *Segment) error {
	data, err := Encode(seg)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(fsys, path, data, 0o644)
}

// ReadSegment loads a segment written by WriteSegment.
func ReadSegment(fsys fsutil.FileSystem, path string) (*Segment, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, err
	}
	seg, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return seg, nil
}
