package cursor

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// Connect frame flag bits. Payloads may be gzip-compressed, end-of-stream
// trailers set 0x02, and the two may be combined.
const (
	frameFlagCompressed  = 0x01
	frameFlagEndStream   = 0x02
	frameHeaderSize      = 5
	maxFramePayloadBytes = 64 << 20
)

// Frame is one decoded Connect frame.
type Frame struct {
	Flags   byte
	Payload []byte
}

// EndStream reports whether this frame carries the stream trailer.
func (f *Frame) EndStream() bool { return f.Flags&frameFlagEndStream != 0 }

// EncodeFrame wraps a payload in a 5-byte Connect frame header: one flag
// byte followed by the big-endian payload length.
func EncodeFrame(flags byte, payload []byte) []byte {
	out := make([]byte, frameHeaderSize+len(payload))
	out[0] = flags
	binary.BigEndian.PutUint32(out[1:frameHeaderSize], uint32(len(payload)))
	copy(out[frameHeaderSize:], payload)
	return out
}

// FrameReader incrementally decodes Connect frames from a byte stream,
// transparently decompressing gzip payloads.
type FrameReader struct {
	r io.Reader
}

// NewFrameReader wraps an upstream body.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Next reads one frame. io.EOF signals a clean end of stream.
func (fr *FrameReader) Next() (*Frame, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(fr.r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length > maxFramePayloadBytes {
		return nil, fmt.Errorf("cursor: frame payload of %d bytes exceeds limit", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("cursor: short frame payload: %w", err)
	}

	frame := &Frame{Flags: header[0], Payload: payload}
	if frame.Flags&frameFlagCompressed != 0 && len(payload) > 0 {
		decompressed, err := gunzip(payload)
		if err != nil {
			return nil, fmt.Errorf("cursor: decompress frame: %w", err)
		}
		frame.Payload = decompressed
	}
	return frame, nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = zr.Close()
	}()
	return io.ReadAll(zr)
}
