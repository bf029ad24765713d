package btree

import "encoding/binary"

// Comparator orders two keys, returning a negative number if a < b, zero
// if they are equal, and a positive number if a > b.
type Comparator[K any] func(a, b K) int

// Codec encodes and decodes a fixed-width key or value type to and from
// its on-page byte representation. Size must be constant for every value
// of T the tree is ever asked to store; this mirrors BusTub's own
// fixed-width GenericKey approach and keeps slot arithmetic exact.
type Codec[T any] struct {
	Size   int
	Encode func(T, []byte)
	Decode func([]byte) T
}

// Int64Comparator orders int64 keys numerically.
func Int64Comparator(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Int64Codec encodes int64 values as 8-byte big-endian integers.
var Int64Codec = Codec[int64]{
	Size: 8,
	Encode: func(v int64, dst []byte) {
		binary.BigEndian.PutUint64(dst, uint64(v))
	},
	Decode: func(src []byte) int64 {
		return int64(binary.BigEndian.Uint64(src))
	},
}

// FixedStringCodec returns a Codec for strings truncated or zero-padded
// to exactly n bytes. Comparisons on the resulting bytes are only
// equivalent to string comparison for strings that do not contain NUL.
func FixedStringCodec(n int) Codec[string] {
	return Codec[string]{
		Size: n,
		Encode: func(v string, dst []byte) {
			copy(dst, v)
			for i := len(v); i < n; i++ {
				dst[i] = 0
			}
		},
		Decode: func(src []byte) string {
			end := 0
			for end < len(src) && src[end] != 0 {
				end++
			}
			return string(src[:end])
		},
	}
}

// StringComparator orders strings lexicographically.
func StringComparator(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
