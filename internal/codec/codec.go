// Package codec implements the framed binary wire format shared by every
// relay and provider: a varuint length-prefixed frame, in "plain" and
// "multiplexed" tag-table flavours, carrying the three-message
// synchronisation handshake (SYNC_STEP1/SYNC_STEP2/SYNC_UPDATE) plus
// awareness and (multiplexed only) identifier-prefixed and cross-sync
// frames.
package codec

import (
	"bytes"
	"errors"
	"fmt"
)

// MessageType names a frame kind independent of its wire tag bytes.
type MessageType int

const (
	SyncStep1 MessageType = iota
	SyncStep2
	SyncUpdate
	Awareness
	SyncCross
	ID
	Read
	ReadWrite
	Data0
	Data1
	Data2
	Data3
)

func (t MessageType) String() string {
	switch t {
	case SyncStep1:
		return "SYNC_STEP1"
	case SyncStep2:
		return "SYNC_STEP2"
	case SyncUpdate:
		return "SYNC_UPDATE"
	case Awareness:
		return "AWARENESS"
	case SyncCross:
		return "SYNC_CROSS"
	case ID:
		return "ID"
	case Read:
		return "READ"
	case ReadWrite:
		return "READ_WRITE"
	case Data0, Data1, Data2, Data3:
		return "DATA_RESERVED"
	default:
		return "UNKNOWN"
	}
}

var tagBytes = map[MessageType][]byte{
	SyncStep1:  {0x00, 0x00},
	SyncStep2:  {0x00, 0x01},
	SyncUpdate: {0x00, 0x02},
	SyncCross:  {0x00, 0x03},
	Awareness:  {0x01},
	ID:         {0x02, 0x00},
	Read:       {0x02, 0x01},
	ReadWrite:  {0x02, 0x02},
	Data0:      {0x03, 0x00},
	Data1:      {0x03, 0x01},
	Data2:      {0x03, 0x02},
	Data3:      {0x03, 0x03},
}

var (
	// ErrMalformedFrame covers a missing or truncated tag, bad varuint
	// or length mismatch. Rooms log and drop on this error; they never disconnect
	// the peer for it alone.
	ErrMalformedFrame = errors.New("codec: malformed frame")

	// ErrUnknownMessage covers a first byte that matches no entry in
	// the tag table.
	ErrUnknownMessage = errors.New("codec: unknown message")
)

// SentinelUpdate is the two-byte "empty diff" payload. It must never be
// applied to a document or forwarded to another peer.
var SentinelUpdate = []byte{0x00, 0x00}

// IsSentinel reports whether update is the empty-diff sentinel.
func IsSentinel(update []byte) bool {
	return bytes.Equal(update, SentinelUpdate)
}

// PutVaruint appends v to buf as a LEB128-style 7-bit continuation
// unsigned varint and returns the extended slice.
func PutVaruint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// ReadVaruint decodes a varuint from the front of b, returning the
// decoded value and the number of bytes consumed. Trailing bytes beyond
// the varuint are ignored.
func ReadVaruint(b []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i, c := range b {
		if shift >= 64 {
			return 0, 0, fmt.Errorf("%w: varuint overflow", ErrMalformedFrame)
		}
		v |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("%w: truncated varuint", ErrMalformedFrame)
}

// Encode builds tag ‖ varuint(len(payload)) ‖ payload for t.
func Encode(t MessageType, payload []byte) ([]byte, error) {
	tag, ok := tagBytes[t]
	if !ok {
		return nil, fmt.Errorf("%w: no wire tag for %v", ErrUnknownMessage, t)
	}
	buf := make([]byte, 0, len(tag)+len(payload)+2)
	buf = append(buf, tag...)
	buf = PutVaruint(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}

// Decode strips the tag belonging to t from frame, reads the varuint
// length and returns the payload plus total bytes consumed. It fails
// with ErrMalformedFrame on a missing tag or a length that overruns
// frame.
func Decode(t MessageType, frame []byte) ([]byte, int, error) {
	tag, ok := tagBytes[t]
	if !ok {
		return nil, 0, fmt.Errorf("%w: no wire tag for %v", ErrUnknownMessage, t)
	}
	if len(frame) < len(tag) || !bytes.Equal(frame[:len(tag)], tag) {
		return nil, 0, fmt.Errorf("%w: missing tag for %v", ErrMalformedFrame, t)
	}
	rest := frame[len(tag):]
	n, consumed, err := ReadVaruint(rest)
	if err != nil {
		return nil, 0, err
	}
	rest = rest[consumed:]
	if uint64(len(rest)) < n {
		return nil, 0, fmt.Errorf("%w: length mismatch", ErrMalformedFrame)
	}
	return rest[:n], len(tag) + consumed + int(n), nil
}

// InferAndDecode switches on the leading byte(s) of frame per the tag
// table and decodes accordingly, returning the resolved message type.
func InferAndDecode(frame []byte) (MessageType, []byte, int, error) {
	if len(frame) == 0 {
		return 0, nil, 0, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}

	t, err := inferType(frame)
	if err != nil {
		return 0, nil, 0, err
	}
	payload, consumed, err := Decode(t, frame)
	if err != nil {
		return 0, nil, 0, err
	}
	return t, payload, consumed, nil
}

func inferType(frame []byte) (MessageType, error) {
	switch frame[0] {
	case 0x00:
		b, err := second(frame)
		if err != nil {
			return 0, err
		}
		switch b {
		case 0x00:
			return SyncStep1, nil
		case 0x01:
			return SyncStep2, nil
		case 0x02:
			return SyncUpdate, nil
		case 0x03:
			return SyncCross, nil
		}
	case 0x01:
		return Awareness, nil
	case 0x02:
		b, err := second(frame)
		if err != nil {
			return 0, err
		}
		switch b {
		case 0x00:
			return ID, nil
		case 0x01:
			return Read, nil
		case 0x02:
			return ReadWrite, nil
		}
	case 0x03:
		b, err := second(frame)
		if err != nil {
			return 0, err
		}
		switch b {
		case 0x00:
			return Data0, nil
		case 0x01:
			return Data1, nil
		case 0x02:
			return Data2, nil
		case 0x03:
			return Data3, nil
		}
	}
	return 0, fmt.Errorf("%w: first byte 0x%02x", ErrUnknownMessage, frame[0])
}

func second(frame []byte) (byte, error) {
	if len(frame) < 2 {
		return 0, fmt.Errorf("%w: truncated two-byte tag", ErrMalformedFrame)
	}
	return frame[1], nil
}

// EncodeID builds the multiplexed ID-prefix fragment: 02 00 ‖
// varuint(len(id)) ‖ id. The caller appends the inner message's own
// frame directly after — unlike Encode, the ID fragment's length only
// covers the identifier, not the message that follows it.
func EncodeID(id string) []byte {
	idBytes := []byte(id)
	buf := make([]byte, 0, len(tagBytes[ID])+len(idBytes)+2)
	buf = append(buf, tagBytes[ID]...)
	buf = PutVaruint(buf, uint64(len(idBytes)))
	return append(buf, idBytes...)
}

// DecodeID strips the ID tag from the front of frame and returns the
// identifier plus bytes consumed; the remainder of frame is the inner
// message.
func DecodeID(frame []byte) (string, int, error) {
	tag := tagBytes[ID]
	if len(frame) < len(tag) || !bytes.Equal(frame[:len(tag)], tag) {
		return "", 0, fmt.Errorf("%w: missing ID tag", ErrMalformedFrame)
	}
	rest := frame[len(tag):]
	n, consumed, err := ReadVaruint(rest)
	if err != nil {
		return "", 0, err
	}
	rest = rest[consumed:]
	if uint64(len(rest)) < n {
		return "", 0, fmt.Errorf("%w: id length mismatch", ErrMalformedFrame)
	}
	return string(rest[:n]), len(tag) + consumed + int(n), nil
}

// WrapWithID prepends an ID fragment for id to an already-encoded inner
// frame, producing the complete multiplexed frame.
func WrapWithID(id string, innerFrame []byte) []byte {
	return append(EncodeID(id), innerFrame...)
}

// EncodeCrossPayload builds the SYNC_CROSS inner payload: an update and
// a state vector, each length-prefixed.
func EncodeCrossPayload(update, state []byte) []byte {
	buf := make([]byte, 0, len(update)+len(state)+4)
	buf = PutVaruint(buf, uint64(len(update)))
	buf = append(buf, update...)
	buf = PutVaruint(buf, uint64(len(state)))
	return append(buf, state...)
}

// DecodeCrossPayload splits a SYNC_CROSS payload back into its update
// and state components.
func DecodeCrossPayload(payload []byte) (update, state []byte, err error) {
	n, consumed, err := ReadVaruint(payload)
	if err != nil {
		return nil, nil, err
	}
	payload = payload[consumed:]
	if uint64(len(payload)) < n {
		return nil, nil, fmt.Errorf("%w: cross update length mismatch", ErrMalformedFrame)
	}
	update = payload[:n]
	payload = payload[n:]

	n2, consumed2, err := ReadVaruint(payload)
	if err != nil {
		return nil, nil, err
	}
	payload = payload[consumed2:]
	if uint64(len(payload)) < n2 {
		return nil, nil, fmt.Errorf("%w: cross state length mismatch", ErrMalformedFrame)
	}
	state = payload[:n2]
	return update, state, nil
}
