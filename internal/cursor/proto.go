// Package cursor implements the wire surface of Cursor's Connect-RPC chat
// API: a protobuf codec restricted to the fields this gateway needs,
// Connect stream framing with optional gzip, and the time-windowed request
// checksum.
package cursor

import (
	"errors"
	"fmt"
)

// Protobuf wire types.
const (
	wireVarint  = 0
	wireFixed64 = 1
	wireBytes   = 2
	wireFixed32 = 5
)

var errTruncated = errors.New("cursor: truncated protobuf payload")

// encoder builds a protobuf message by appending tagged fields.
type encoder struct {
	buf []byte
}

func (e *encoder) varint(v uint64) {
	for v >= 0x80 {
		e.buf = append(e.buf, byte(v)|0x80)
		v >>= 7
	}
	e.buf = append(e.buf, byte(v))
}

func (e *encoder) tag(field int, wireType int) {
	e.varint(uint64(field)<<3 | uint64(wireType))
}

func (e *encoder) writeVarint(field int, v uint64) {
	e.tag(field, wireVarint)
	e.varint(v)
}

func (e *encoder) writeBool(field int, v bool) {
	if !v {
		return
	}
	e.writeVarint(field, 1)
}

func (e *encoder) writeBytes(field int, v []byte) {
	e.tag(field, wireBytes)
	e.varint(uint64(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *encoder) writeString(field int, v string) {
	if v == "" {
		return
	}
	e.writeBytes(field, []byte(v))
}

func (e *encoder) writeMessage(field int, m *encoder) {
	e.writeBytes(field, m.buf)
}

// field is one decoded protobuf field.
type field struct {
	Number   int
	WireType int
	Varint   uint64
	Bytes    []byte
}

// decodeFields walks a protobuf message and returns its fields in order.
// Unknown wire types fail decoding rather than being skipped silently.
func decodeFields(data []byte) ([]field, error) {
	var fields []field
	for len(data) > 0 {
		key, n, err := readVarint(data)
		if err != nil {
			return nil, err
		}
		data = data[n:]

		f := field{Number: int(key >> 3), WireType: int(key & 7)}
		switch f.WireType {
		case wireVarint:
			v, vn, errRead := readVarint(data)
			if errRead != nil {
				return nil, errRead
			}
			f.Varint = v
			data = data[vn:]
		case wireBytes:
			length, ln, errRead := readVarint(data)
			if errRead != nil {
				return nil, errRead
			}
			data = data[ln:]
			if uint64(len(data)) < length {
				return nil, errTruncated
			}
			f.Bytes = data[:length]
			data = data[length:]
		case wireFixed64:
			if len(data) < 8 {
				return nil, errTruncated
			}
			data = data[8:]
		case wireFixed32:
			if len(data) < 4 {
				return nil, errTruncated
			}
			data = data[4:]
		default:
			return nil, fmt.Errorf("cursor: unsupported wire type %d for field %d", f.WireType, f.Number)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func readVarint(data []byte) (uint64, int, error) {
	var v uint64
	for i := 0; i < len(data) && i < 10; i++ {
		v |= uint64(data[i]&0x7f) << (7 * uint(i))
		if data[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, errTruncated
}
