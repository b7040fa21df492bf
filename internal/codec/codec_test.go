package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeStep1WorkedExample(t *testing.T) {
	frame, err := Encode(SyncStep1, []byte{0x03, 0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x03, 0x03, 0x01, 0x02}, frame)

	typ, payload, consumed, err := InferAndDecode(frame)
	require.NoError(t, err)
	assert.Equal(t, SyncStep1, typ)
	assert.Equal(t, []byte{0x03, 0x01, 0x02}, payload)
	assert.Equal(t, 6, consumed)
}

func TestEncodeDecodeRoundTripAllPlainTags(t *testing.T) {
	for _, tc := range []MessageType{SyncStep1, SyncStep2, SyncUpdate, Awareness} {
		frame, err := Encode(tc, []byte("payload"))
		require.NoError(t, err)
		typ, payload, consumed, err := InferAndDecode(frame)
		require.NoError(t, err)
		assert.Equal(t, tc, typ)
		assert.Equal(t, []byte("payload"), payload)
		assert.Equal(t, len(frame), consumed)
	}
}

func TestEncodedLengthMatchesFormula(t *testing.T) {
	payload := make([]byte, 200) // forces a two-byte varuint length
	frame, err := Encode(SyncUpdate, payload)
	require.NoError(t, err)

	tagLen := 2
	varuintLen := 2 // 200 needs two 7-bit groups
	assert.Len(t, frame, tagLen+varuintLen+len(payload))
}

func TestSentinelUpdateIsEmptyDiff(t *testing.T) {
	assert.True(t, IsSentinel([]byte{0x00, 0x00}))
	assert.False(t, IsSentinel([]byte{0x00, 0x01}))
	frame, err := Encode(SyncUpdate, SentinelUpdate)
	require.NoError(t, err)
	_, payload, _, err := InferAndDecode(frame)
	require.NoError(t, err)
	assert.True(t, IsSentinel(payload))
}

func TestUnknownFirstByteIsUnknownMessage(t *testing.T) {
	_, _, _, err := InferAndDecode([]byte{0x05, 0x00})
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestTruncatedTwoByteTagIsMalformed(t *testing.T) {
	_, _, _, err := InferAndDecode([]byte{0x00})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestLengthMismatchIsMalformed(t *testing.T) {
	// Claims a 10-byte payload but only carries 2.
	frame := []byte{0x00, 0x00, 0x0a, 0x01, 0x02}
	_, _, _, err := InferAndDecode(frame)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestMultiplexedIDWrapping(t *testing.T) {
	inner, err := Encode(SyncUpdate, []byte("u"))
	require.NoError(t, err)

	frame := WrapWithID("doc-42", inner)

	id, consumed, err := DecodeID(frame)
	require.NoError(t, err)
	assert.Equal(t, "doc-42", id)

	typ, payload, _, err := InferAndDecode(frame[consumed:])
	require.NoError(t, err)
	assert.Equal(t, SyncUpdate, typ)
	assert.Equal(t, []byte("u"), payload)
}

func TestSyncCrossPayloadRoundTrip(t *testing.T) {
	update := []byte("update-bytes")
	state := []byte("state-bytes")

	payload := EncodeCrossPayload(update, state)
	gotUpdate, gotState, err := DecodeCrossPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, update, gotUpdate)
	assert.Equal(t, state, gotState)
}

func TestVaruintRoundTripMultiByte(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 20, 1 << 40} {
		buf := PutVaruint(nil, v)
		got, consumed, err := ReadVaruint(buf)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, len(buf), consumed)
	}
}

func TestDecodeWrongTagIsMalformed(t *testing.T) {
	frame, err := Encode(SyncStep1, []byte("x"))
	require.NoError(t, err)
	_, _, err = Decode(SyncStep2, frame)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
