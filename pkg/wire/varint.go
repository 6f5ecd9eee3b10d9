// Package wire implements the minimal Minecraft-family wire encoding needed
// to emit a Disconnect packet: variable-length integers, length-prefixed
// UTF-8 strings, and the packet framing that wraps them.
package wire

import (
	"errors"
	"io"
)

// ErrInvalidData is returned when decoding a malformed varint or when
// encoding a value that doesn't fit the frame's constraints.
var ErrInvalidData = errors.New("wire: invalid data")

const (
	segmentBits = 0x7F
	continueBit = 0x80

	// maxVarIntBytes is the most bytes a 32-bit varint can ever take; more
	// continuation bytes than this means the stream is corrupt.
	maxVarIntBytes = 5
)

// PutVarInt appends the variable-length encoding of v to dst and returns the
// extended slice.
func PutVarInt(dst []byte, v int32) []byte {
	uv := uint32(v)
	for {
		if uv&^uint32(segmentBits) == 0 {
			return append(dst, byte(uv))
		}
		dst = append(dst, byte(uv&segmentBits)|continueBit)
		uv >>= 7
	}
}

// VarIntLen returns the number of bytes PutVarInt would emit for v.
func VarIntLen(v int32) int {
	uv := uint32(v)
	n := 1
	for uv&^uint32(segmentBits) != 0 {
		uv >>= 7
		n++
	}
	return n
}

// ReadVarInt decodes a variable-length integer from r.
func ReadVarInt(r io.ByteReader) (int32, error) {
	var result int32
	var shift uint
	var buf [1]byte

	for i := 0; i < maxVarIntBytes; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		buf[0] = b

		result |= int32(b&segmentBits) << shift
		if b&continueBit == 0 {
			return result, nil
		}
		shift += 7
	}
	return 0, ErrInvalidData
}

// DecodeVarInt decodes a variable-length integer from the start of b,
// returning the value and the number of bytes consumed.
func DecodeVarInt(b []byte) (int32, int, error) {
	var result int32
	var shift uint

	for i := 0; i < maxVarIntBytes; i++ {
		if i >= len(b) {
			return 0, 0, io.ErrUnexpectedEOF
		}
		v := b[i]
		result |= int32(v&segmentBits) << shift
		if v&continueBit == 0 {
			return result, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrInvalidData
}
