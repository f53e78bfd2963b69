package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUint64RoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 0xff, 1 << 32, ^uint64(0)} {
		b := EncodeUint64(nil, v)
		assert.Len(t, b, 8)
		got, err := DecodeUint64(b)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	_, err := DecodeUint64([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestReverseVarUintRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 0x7f, 0x80, 0x407f, 0x4080, 0x20407f, 0x204080,
		0x1020407f, 0x10204080, 0x123456789,
	}
	for _, v := range values {
		b := EncodeReverseVarUint(nil, v)
		got, n, err := DecodeReverseVarUint(b)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, len(b), n)
	}
}

func TestReverseVarUintZeroIsFF(t *testing.T) {
	assert.Equal(t, []byte{0xff}, EncodeReverseVarUint(nil, 0))
}

func TestReverseVarUintOrdering(t *testing.T) {
	// Numerically larger values must sort strictly earlier.
	prev := EncodeReverseVarUint(nil, 0)
	for v := uint64(1); v < 0x5000; v += 37 {
		cur := EncodeReverseVarUint(nil, v)
		assert.True(t, bytes.Compare(cur, prev) < 0, "value %d", v)
		prev = cur
	}
	// Across length classes too.
	a := EncodeReverseVarUint(nil, 0x7f)
	b := EncodeReverseVarUint(nil, 0x80)
	c := EncodeReverseVarUint(nil, 0x4080)
	assert.True(t, bytes.Compare(b, a) < 0)
	assert.True(t, bytes.Compare(c, b) < 0)
}

func TestDecrementReverseVarUint(t *testing.T) {
	prefix := EncodeUint64(nil, 42)
	key := append(append([]byte{}, prefix...), 0xff)
	for i := 0; i < 300; i++ {
		// The result already carries the prefix.
		next, err := DecrementReverseVarUint(key, 8)
		require.NoError(t, err)
		assert.True(t, bytes.Compare(next, key) < 0, "iteration %d", i)
		key = next
	}
	v, _, err := DecodeReverseVarUint(key[8:])
	require.NoError(t, err)
	assert.Equal(t, uint64(300), v)
}

func TestDecodeReverseVarUintTruncated(t *testing.T) {
	b := EncodeReverseVarUint(nil, 0x4080)
	_, _, err := DecodeReverseVarUint(b[:1])
	assert.Error(t, err)
	_, _, err = DecodeReverseVarUint(nil)
	assert.Error(t, err)
}
