package wire

// maxStringBytes bounds the UTF-8 byte length of a single encoded string, so
// a caller can't be tricked into building an unbounded frame.
const maxStringBytes = 32 * 1024

// PutString appends a varint-length-prefixed UTF-8 string to dst.
func PutString(dst []byte, s string) ([]byte, error) {
	if len(s) > maxStringBytes {
		return nil, ErrInvalidData
	}
	dst = PutVarInt(dst, int32(len(s)))
	return append(dst, s...), nil
}

// StringLen returns the number of bytes PutString would emit for s.
func StringLen(s string) int {
	return VarIntLen(int32(len(s))) + len(s)
}
