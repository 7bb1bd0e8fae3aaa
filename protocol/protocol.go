// Package protocol implements the binary frame format spoken between a
// framed connection and its origin.
//
// TCP delivers a byte stream with no message boundaries, so every
// envelope is wrapped in a fixed 14-byte header followed by a
// variable-length body. The receiver reads the header first, learns the
// body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│ft│   seq   │ bodyLen │    body ...   │
//	│ mpl  │01│  │  │ uint32  │ uint32  │ bodyLen bytes │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic bytes "mpl" identify a frame stream. Anything else on the wire
// (an HTTP client hitting the wrong port, a corrupted stream) is
// rejected on the first frame.
var magic = [3]byte{'m', 'p', 'l'}

const (
	Version    byte = 0x01
	HeaderSize int  = 14 // 3 magic + 1 version + 1 codec + 1 frame type + 4 seq + 4 bodyLen

	// MaxBodyLen caps a single frame body. A length prefix larger than
	// this means a corrupted or hostile stream, not a real envelope.
	MaxBodyLen uint32 = 16 << 20
)

// FrameType distinguishes the three frame kinds on a connection.
type FrameType byte

const (
	FrameRequest   FrameType = 0 // client → origin
	FrameResponse  FrameType = 1 // origin → client
	FrameHeartbeat FrameType = 2 // keep-alive probe, empty body
)

// Header is the fixed per-frame metadata.
//
// Seq ties a response frame back to the request that caused it — this
// is what lets many requests share one connection.
type Header struct {
	Codec   byte
	Type    FrameType
	Seq     uint32
	BodyLen uint32
}

// WriteFrame writes one complete frame (header + body) to w.
// Callers sharing a writer across goroutines must serialize calls,
// otherwise frames interleave and corrupt the stream.
func WriteFrame(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(buf[0:3], magic[:])
	buf[3] = Version
	buf[4] = h.Codec
	buf[5] = byte(h.Type)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))

	// Header and body go out in a single Write so a concurrent writer
	// waiting on the same lock can never split a frame.
	_, err := w.Write(append(buf, body...))
	return err
}

// ReadFrame reads and validates one complete frame from r.
// io.ReadFull guarantees exact-length reads across packet boundaries.
func ReadFrame(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if [3]byte(headerBuf[0:3]) != magic {
		return nil, nil, fmt.Errorf("protocol: bad magic %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("protocol: unsupported version %d", headerBuf[3])
	}
	frameType := FrameType(headerBuf[5])
	if frameType > FrameHeartbeat {
		return nil, nil, fmt.Errorf("protocol: unknown frame type %d", frameType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("protocol: frame body %d exceeds limit %d", bodyLen, MaxBodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		Codec:   headerBuf[4],
		Type:    frameType,
		Seq:     binary.BigEndian.Uint32(headerBuf[6:10]),
		BodyLen: bodyLen,
	}, body, nil
}
