package jensen

import (
	"bytes"
	"encoding/binary"
)

// Frame is one complete Jensen protocol message.
//
// On the wire a frame is the 2-byte sync marker, a big-endian command
// id, a big-endian sequence id, and a big-endian length word whose high
// 8 bits are trailing padding and whose low 24 bits are the body length,
// followed by the body and the padding bytes. Outbound frames always
// carry zero padding.
type Frame struct {
	Command  Command
	Sequence uint32
	Body     []byte
}

// Terminator reports whether this frame is a stream terminator: an
// empty-body frame ending a variable-length response sequence.
func (f Frame) Terminator() bool { return len(f.Body) == 0 }

var syncMarker = []byte{SyncByte0, SyncByte1}

// EncodeFrame serializes a command frame for transmission.
func EncodeFrame(cmd Command, seq uint32, body []byte) []byte {
	buf := make([]byte, headerSize+len(body))
	buf[0] = SyncByte0
	buf[1] = SyncByte1
	binary.BigEndian.PutUint16(buf[2:4], uint16(cmd))
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(body))&0x00ffffff)
	copy(buf[headerSize:], body)
	return buf
}

// recvBuffer accumulates raw transport reads and extracts complete
// frames. Leading garbage before a sync marker is discarded; a buffer
// with no marker at all is dropped entirely. Extraction is idempotent:
// when the buffer holds only part of a frame, Next consumes nothing and
// reports that more data is needed.
type recvBuffer struct {
	buf []byte
}

// Append adds freshly read transport bytes to the buffer.
func (b *recvBuffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.buf = append(b.buf, p...)
}

// Len returns the number of buffered, not yet consumed bytes.
func (b *recvBuffer) Len() int { return len(b.buf) }

// Reset discards all buffered bytes. Called on (re)connect so stale
// bytes from a prior session never leak into a new one.
func (b *recvBuffer) Reset() { b.buf = nil }

// Next extracts the next complete frame. It returns ok=false when the
// buffer holds no complete frame yet; callers should read more transport
// bytes and retry.
func (b *recvBuffer) Next() (Frame, bool) {
	// Align the buffer on a sync marker. Bytes before the marker are
	// expected line noise, not an error.
	if idx := bytes.Index(b.buf, syncMarker); idx > 0 {
		b.buf = b.buf[idx:]
	} else if idx < 0 {
		b.buf = nil
		return Frame{}, false
	}

	if len(b.buf) < headerSize {
		return Frame{}, false
	}

	lengthWord := binary.BigEndian.Uint32(b.buf[8:12])
	bodyLen := int(lengthWord & 0x00ffffff)
	padding := int(lengthWord >> 24)
	total := headerSize + bodyLen + padding
	if len(b.buf) < total {
		return Frame{}, false
	}

	f := Frame{
		Command:  Command(binary.BigEndian.Uint16(b.buf[2:4])),
		Sequence: binary.BigEndian.Uint32(b.buf[4:8]),
	}
	if bodyLen > 0 {
		f.Body = make([]byte, bodyLen)
		copy(f.Body, b.buf[headerSize:headerSize+bodyLen])
	}
	b.buf = b.buf[total:]
	return f, true
}
