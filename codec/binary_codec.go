package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"mini-pool/message"
)

// BinaryCodec is a compact length-prefixed format with no reflection.
//
// Request layout:
//
//	u16 methodLen | method | u16 pathLen | path |
//	u16 headerCount | headerCount × (u16 kLen | k | u16 vLen | v) |
//	u32 bodyLen | body
//
// Response layout:
//
//	u16 status |
//	u16 headerCount | headerCount × (u16 kLen | k | u16 vLen | v) |
//	u32 bodyLen | body | u16 errLen | err
type BinaryCodec struct{}

var errTruncated = errors.New("codec: truncated binary envelope")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch m := v.(type) {
	case *message.Request:
		buf := appendString16(nil, m.Method)
		buf = appendString16(buf, m.Path)
		buf = appendHeader(buf, m.Header)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Body)))
		return append(buf, m.Body...), nil
	case *message.Response:
		buf := binary.BigEndian.AppendUint16(nil, uint16(m.Status))
		buf = appendHeader(buf, m.Header)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Body)))
		buf = append(buf, m.Body...)
		buf = appendString16(buf, m.Error)
		return buf, nil
	default:
		return nil, fmt.Errorf("codec: binary encode expects *message.Request or *message.Response, got %T", v)
	}
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	cur := &cursor{data: data}
	switch m := v.(type) {
	case *message.Request:
		m.Method = cur.string16()
		m.Path = cur.string16()
		m.Header = cur.header()
		m.Body = cur.bytes32()
		return cur.err
	case *message.Response:
		m.Status = int(cur.uint16())
		m.Header = cur.header()
		m.Body = cur.bytes32()
		m.Error = cur.string16()
		return cur.err
	default:
		return fmt.Errorf("codec: binary decode expects *message.Request or *message.Response, got %T", v)
	}
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendHeader(buf []byte, h map[string]string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(h)))
	for k, v := range h {
		buf = appendString16(buf, k)
		buf = appendString16(buf, v)
	}
	return buf
}

// cursor walks a byte slice with bounds checking. The first short read
// sets err and turns every later read into a no-op, so decode paths
// check the error once at the end instead of after every field.
type cursor struct {
	data []byte
	off  int
	err  error
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if c.off+n > len(c.data) {
		c.err = errTruncated
		return nil
	}
	b := c.data[c.off : c.off+n]
	c.off += n
	return b
}

func (c *cursor) uint16() uint16 {
	b := c.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (c *cursor) string16() string {
	n := int(c.uint16())
	return string(c.take(n))
}

func (c *cursor) bytes32() []byte {
	b := c.take(4)
	if b == nil {
		return nil
	}
	n := int(binary.BigEndian.Uint32(b))
	src := c.take(n)
	if src == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, src)
	return out
}

func (c *cursor) header() map[string]string {
	count := int(c.uint16())
	if count == 0 || c.err != nil {
		return nil
	}
	h := make(map[string]string, count)
	for i := 0; i < count; i++ {
		k := c.string16()
		v := c.string16()
		if c.err != nil {
			return nil
		}
		h[k] = v
	}
	return h
}
