package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// Keys are ordered by unsigned byte comparison. Trash keys embed a reverse
// encoded unsigned varint so that, for one transaction id prefix, newer
// entries sort strictly before older ones.

// EncodeUint64 appends v in big-endian order.
func EncodeUint64(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}

// DecodeUint64 reads a big-endian uint64 from the start of b.
func DecodeUint64(b []byte) (uint64, error) {
	if len(b) < 8 {
		return 0, errors.New("insufficient bytes to decode uint64")
	}
	return binary.BigEndian.Uint64(b), nil
}

// Unsigned varint classes. The first byte selects the length:
//
//	0xxxxxxx                     1 byte,  values 0..0x7f
//	10xxxxxx b                   2 bytes, values 0x80..0x407f
//	110xxxxx b b                 3 bytes, values 0x4080..0x20407f
//	1110xxxx b b b               4 bytes, values 0x204080..0x1020407f
//	11110xxx b b b b             5 bytes, values 0x10204080..
//
// The reverse form complements every byte, which flips the sort order: a
// numerically larger value encodes to a lexicographically smaller key.
const (
	varLimit1 = 0x80
	varLimit2 = varLimit1 + 0x4000
	varLimit3 = varLimit2 + 0x200000
	varLimit4 = varLimit3 + 0x10000000
)

// EncodeReverseVarUint appends the reverse encoded form of v. The encoding of
// zero is the single byte 0xff.
func EncodeReverseVarUint(b []byte, v uint64) []byte {
	switch {
	case v < varLimit1:
		return append(b, ^byte(v))
	case v < varLimit2:
		v -= varLimit1
		return append(b, ^byte(0x80|(v>>8)), ^byte(v))
	case v < varLimit3:
		v -= varLimit2
		return append(b, ^byte(0xc0|(v>>16)), ^byte(v>>8), ^byte(v))
	case v < varLimit4:
		v -= varLimit3
		return append(b, ^byte(0xe0|(v>>24)), ^byte(v>>16), ^byte(v>>8), ^byte(v))
	default:
		v -= varLimit4
		if v > 0x7ffffffff {
			// Far beyond any per-transaction sequence.
			panic("reverse varint overflow")
		}
		return append(b,
			^byte(0xf0|(v>>32)), ^byte(v>>24), ^byte(v>>16), ^byte(v>>8), ^byte(v))
	}
}

// DecodeReverseVarUint decodes a reverse encoded varint from the start of b,
// returning the value and the number of bytes consumed.
func DecodeReverseVarUint(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, errors.New("insufficient bytes to decode reverse varint")
	}
	b0 := ^b[0]
	var n int
	switch {
	case b0 < 0x80:
		return uint64(b0), 1, nil
	case b0 < 0xc0:
		n = 2
	case b0 < 0xe0:
		n = 3
	case b0 < 0xf0:
		n = 4
	default:
		n = 5
	}
	if len(b) < n {
		return 0, 0, errors.Errorf("reverse varint truncated, need %d bytes", n)
	}
	var v uint64
	switch n {
	case 2:
		v = varLimit1 + (uint64(b0&0x3f)<<8 | uint64(^b[1]))
	case 3:
		v = varLimit2 + (uint64(b0&0x1f)<<16 | uint64(^b[1])<<8 | uint64(^b[2]))
	case 4:
		v = varLimit3 +
			(uint64(b0&0x0f)<<24 | uint64(^b[1])<<16 | uint64(^b[2])<<8 | uint64(^b[3]))
	case 5:
		v = varLimit4 +
			(uint64(b0&0x07)<<32 | uint64(^b[1])<<24 | uint64(^b[2])<<16 |
				uint64(^b[3])<<8 | uint64(^b[4]))
	}
	return v, n, nil
}

// DecrementReverseVarUint re-encodes the reverse varint starting at off with
// its numeric value incremented by one, producing a key which sorts strictly
// before the original. The returned slice shares the prefix b[:off].
func DecrementReverseVarUint(b []byte, off int) ([]byte, error) {
	v, _, err := DecodeReverseVarUint(b[off:])
	if err != nil {
		return nil, err
	}
	return EncodeReverseVarUint(b[:off:off], v+1), nil
}
