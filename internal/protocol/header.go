// Package protocol implements the binary wire format shared by the server
// and the Go client: frame headers, typed client and server frames,
// payload compression, query identities, checksums and structured errors.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of the fixed frame header.
const HeaderSize = 4

// MaxFrameLength is the largest length encodable in the 28 length bits.
const MaxFrameLength = 1<<28 - 1

var (
	// ErrShortFrame reports a frame shorter than its fixed fields.
	ErrShortFrame = errors.New("protocol: short frame")
	// ErrFrameTooLarge reports a frame whose length does not fit the header.
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	// ErrUnknownType reports a type tag with no decoder.
	ErrUnknownType = errors.New("protocol: unknown frame type")
)

// Header is the decoded 4-byte frame header.
// Length is the total frame length including the header.
type Header struct {
	Type    uint8
	Deflate bool
	Length  int
}

// EncodeHeader packs a header: bit 0 deflate, bits 1-3 type, bits 4-31 length.
func EncodeHeader(typ uint8, deflate bool, length int) [HeaderSize]byte {
	var out [HeaderSize]byte
	v := uint32(length)<<4 | uint32(typ&0x7)<<1
	if deflate {
		v |= 1
	}
	binary.LittleEndian.PutUint32(out[:], v)
	return out
}

// DecodeHeader unpacks the first four bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortFrame
	}
	v := binary.LittleEndian.Uint32(b)
	return Header{
		Type:    uint8(v>>1) & 0x7,
		Deflate: v&1 == 1,
		Length:  int(v >> 4),
	}, nil
}

// putHeader writes a header into the start of frame.
func putHeader(frame []byte, typ uint8, deflate bool) error {
	if len(frame) > MaxFrameLength {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	h := EncodeHeader(typ, deflate, len(frame))
	copy(frame, h[:])
	return nil
}

// PutUint24 writes the low 24 bits of v little-endian.
func PutUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

// Uint24 reads a 3-byte little-endian integer.
func Uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// MaxRequestID is the largest request id representable on the wire.
const MaxRequestID = 1<<24 - 1

// SplitFrames returns the frames packed back to back in one transport message.
// A truncated trailing frame yields ErrShortFrame along with the frames before it.
func SplitFrames(data []byte) ([][]byte, error) {
	var frames [][]byte
	for len(data) > 0 {
		h, err := DecodeHeader(data)
		if err != nil {
			return frames, err
		}
		if h.Length < HeaderSize || h.Length > len(data) {
			return frames, fmt.Errorf("%w: header says %d, have %d", ErrShortFrame, h.Length, len(data))
		}
		frames = append(frames, data[:h.Length])
		data = data[h.Length:]
	}
	return frames, nil
}
