// Package compress wraps update payloads in an optional brotli envelope,
// layered above the frame codec rather than inside it: a Room or
// Provider may choose to compress an update blob before handing it to
// the codec for framing, and the receiving side reverses the same
// decision based on a one-byte envelope marker.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// Marker bytes prefixed to a payload so the receiver knows whether it
// was compressed. Kept outside the frame codec's own tag table.
const (
	markerPlain      byte = 0x00
	markerCompressed byte = 0x01
)

// Threshold is the minimum payload size, in bytes, worth spending a
// brotli pass on. Below it the common path — small updates, the
// sentinel — skips brotli and is sent uncompressed behind the plain
// marker.
const Threshold = 256

// Quality is the brotli compression level used for update envelopes.
// Chosen for low latency over maximum ratio: updates are interactive,
// not archival.
const Quality = 5

// Encode wraps payload in a one-byte marker envelope, compressing it
// with brotli when it is at least Threshold bytes.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) < Threshold {
		return append([]byte{markerPlain}, payload...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(markerCompressed)
	w := brotli.NewWriterLevel(&buf, Quality)
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("compress: brotli write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress: brotli close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode, returning the original payload regardless of
// whether it was compressed.
func Decode(envelope []byte) ([]byte, error) {
	if len(envelope) == 0 {
		return nil, fmt.Errorf("compress: empty envelope")
	}
	marker, body := envelope[0], envelope[1:]
	switch marker {
	case markerPlain:
		return body, nil
	case markerCompressed:
		r := brotli.NewReader(bytes.NewReader(body))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("compress: brotli read: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("compress: unknown envelope marker 0x%02x", marker)
	}
}
