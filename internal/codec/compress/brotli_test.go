package compress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmallPayloadStaysUncompressed(t *testing.T) {
	payload := []byte{0x00, 0x00} // sentinel-sized
	envelope, err := Encode(payload)
	require.NoError(t, err)
	assert.Equal(t, markerPlain, envelope[0])

	got, err := Decode(envelope)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestLargePayloadIsCompressedAndReversible(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 64)
	envelope, err := Encode(payload)
	require.NoError(t, err)
	assert.Equal(t, markerCompressed, envelope[0])
	assert.Less(t, len(envelope), len(payload))

	got, err := Decode(envelope)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecodeUnknownMarkerFails(t *testing.T) {
	_, err := Decode([]byte{0xff, 0x01, 0x02})
	assert.Error(t, err)
}

func TestDecodeEmptyEnvelopeFails(t *testing.T) {
	_, err := Decode(nil)
	assert.Error(t, err)
}
