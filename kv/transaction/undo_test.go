package transaction

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReclaimPayloadShortForm(t *testing.T) {
	for _, n := range []int{1, 2, 63, 64} {
		key := bytes.Repeat([]byte{'k'}, n)
		suffix := []byte{0xfe}
		payload, err := encodeReclaimPayload(key, suffix)
		require.NoError(t, err)
		assert.Equal(t, 1+n+1, len(payload))
		assert.Zero(t, payload[0]&0x80)

		gotKey, gotSuffix, err := decodeReclaimPayload(payload)
		require.NoError(t, err)
		assert.Equal(t, key, gotKey)
		assert.Equal(t, suffix, gotSuffix)
	}
}

func TestReclaimPayloadLongForm(t *testing.T) {
	for _, n := range []int{65, 300, maxReclaimKeyLen} {
		key := bytes.Repeat([]byte{'x'}, n)
		suffix := []byte{0xfd, 0x10}
		payload, err := encodeReclaimPayload(key, suffix)
		require.NoError(t, err)
		assert.Equal(t, 2+n+2, len(payload))
		assert.NotZero(t, payload[0]&0x80)

		gotKey, gotSuffix, err := decodeReclaimPayload(payload)
		require.NoError(t, err)
		assert.Equal(t, key, gotKey)
		assert.Equal(t, suffix, gotSuffix)
	}
}

func TestReclaimPayloadTooLarge(t *testing.T) {
	_, err := encodeReclaimPayload(make([]byte, maxReclaimKeyLen+1), nil)
	assert.Error(t, err)
}

func TestReclaimPayloadTruncated(t *testing.T) {
	_, _, err := decodeReclaimPayload(nil)
	assert.Error(t, err)
	_, _, err = decodeReclaimPayload([]byte{0x80})
	assert.Error(t, err)
	_, _, err = decodeReclaimPayload([]byte{0x3f, 'a'})
	assert.Error(t, err)
}

func TestKeyValuePayloadRoundTrip(t *testing.T) {
	key := []byte("some-key")
	value := []byte("previous value bytes")
	payload := encodeKeyValue(key, value)
	gotKey, gotValue, err := decodeKeyValue(payload)
	require.NoError(t, err)
	assert.Equal(t, key, gotKey)
	assert.Equal(t, value, gotValue)

	_, _, err = decodeKeyValue([]byte{0, 0})
	assert.Error(t, err)
}
