// Package pack implements the LEB128-style signed varint codec used by the
// frame ring buffer (internal/ring) to pack integers and strings into a
// frame's in-flight payload.
package pack

// I32 encodes x as a signed varint and returns the encoded bytes.
//
// Encoding: repeatedly take the low 7 bits of the value, arithmetic-shift the
// value right by 7, and emit a byte with bit 7 clear. Stop once the
// remaining value is 0 with bit 6 of the just-emitted byte clear (the value
// is non-negative and fully represented), or -1 with bit 6 set (the value is
// negative and fully sign-extended) — this is the sign-preserving stop
// condition from spec.md §4.1.
func I32(x int32) []byte {
	return appendVarint(nil, int64(x))
}

// I64 encodes x as a signed varint and returns the encoded bytes.
func I64(x int64) []byte {
	return appendVarint(nil, x)
}

// AppendI32 appends the varint encoding of x to dst and returns the
// extended slice.
func AppendI32(dst []byte, x int32) []byte {
	return appendVarint(dst, int64(x))
}

// AppendI64 appends the varint encoding of x to dst and returns the
// extended slice.
func AppendI64(dst []byte, x int64) []byte {
	return appendVarint(dst, x)
}

func appendVarint(dst []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7 // arithmetic shift: preserves sign for negative v

		// Stop when the remaining bits are a pure sign-extension of bit 6
		// of b (i.e. v==0 and b's sign bit is clear, or v==-1 and b's sign
		// bit is set).
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			dst = append(dst, b)
			return dst
		}
		dst = append(dst, b|0x80)
	}
}

// SizeI32 returns the number of bytes I32(x) would produce, without
// allocating.
func SizeI32(x int32) int {
	return sizeVarint(int64(x))
}

// SizeI64 returns the number of bytes I64(x) would produce, without
// allocating.
func SizeI64(x int64) int {
	return sizeVarint(x)
}

func sizeVarint(v int64) int {
	n := 0
	for {
		b := byte(v & 0x7f)
		v >>= 7
		n++
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return n
		}
	}
}

// DecodeI32 decodes a signed varint from the start of buf and returns the
// value along with the number of bytes consumed.
func DecodeI32(buf []byte) (int32, int) {
	v, n := decodeVarint(buf)
	return int32(v), n
}

// DecodeI64 decodes a signed varint from the start of buf and returns the
// value along with the number of bytes consumed.
func DecodeI64(buf []byte) (int64, int) {
	return decodeVarint(buf)
}

func decodeVarint(buf []byte) (int64, int) {
	var result int64
	var shift uint
	var n int
	for i, b := range buf {
		n = i + 1
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			// Sign-extend if the sign bit (bit 6) of the final byte is set
			// and we haven't already consumed the full 64 bits.
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			break
		}
	}
	return result, n
}

// AppendString appends a varint length prefix followed by the raw bytes of
// s (no trailing NUL) to dst and returns the extended slice.
func AppendString(dst []byte, s string) []byte {
	dst = AppendI32(dst, int32(len(s)))
	return append(dst, s...)
}
