package wsframe

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

// fakeTransport is a minimal io.ReadWriter test double: reads come from a
// fixed byte slice (so tests can control exactly how much is available per
// Read call), writes accumulate into a buffer for inspection.
type fakeTransport struct {
	reads io.Reader
	out   bytes.Buffer
}

func (f *fakeTransport) Read(p []byte) (int, error)  { return f.reads.Read(p) }
func (f *fakeTransport) Write(p []byte) (int, error) { return f.out.Write(p) }

// oneByteReader forces ensure() to pull one byte at a time, exercising the
// carryover path across many small reads the way a slow network socket
// would split a frame header across reads.
type oneByteReader struct {
	data []byte
	pos  int
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	p[0] = r.data[r.pos]
	r.pos++
	return 1, nil
}

// shortWriteTransport fails its first Write with a partial write and an
// error, then writes normally afterward, for exercising Connection's
// drain-pending-then-send-new-frame behavior.
type shortWriteTransport struct {
	reads      io.Reader
	out        bytes.Buffer
	failedOnce bool
}

func (s *shortWriteTransport) Read(p []byte) (int, error) { return s.reads.Read(p) }

func (s *shortWriteTransport) Write(p []byte) (int, error) {
	if !s.failedOnce {
		s.failedOnce = true
		n := len(p) / 2
		s.out.Write(p[:n])
		return n, io.ErrShortWrite
	}
	return s.out.Write(p)
}

// buildFrame constructs raw wire bytes for a single frame without going
// through frame.go's encoder, so decode tests don't validate the codec
// against itself.
func buildFrame(fin bool, opcode OpCode, masked bool, key [4]byte, payload []byte) []byte {
	var b []byte
	first := byte(opcode)
	if fin {
		first |= 0x80
	}
	b = append(b, first)

	length := len(payload)
	var second byte
	switch {
	case length <= 125:
		second = byte(length)
	case length <= 0xFFFF:
		second = lenCode16Bit
	default:
		second = lenCode64Bit
	}
	if masked {
		second |= 0x80
	}
	b = append(b, second)

	switch {
	case length > 0xFFFF:
		ext := make([]byte, 8)
		binary.BigEndian.PutUint64(ext, uint64(length))
		b = append(b, ext...)
	case length > 125:
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(length))
		b = append(b, ext...)
	}

	if masked {
		b = append(b, key[:]...)
		out := make([]byte, len(payload))
		copy(out, payload)
		maskPayload(out, key)
		b = append(b, out...)
	} else {
		b = append(b, payload...)
	}
	return b
}

func newTestConnection(t *testing.T, wire []byte, role Role) (*Connection, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{reads: bytes.NewReader(wire)}
	return NewConnection(ft, role), ft
}
