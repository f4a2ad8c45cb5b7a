package wsframe

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json/v2"
	"fmt"
	"io"
	"net"
	"unicode/utf8"
)

// Role distinguishes which side of the handshake a Connection plays. It
// decides whether outbound frames get masked, the one asymmetry RFC 6455
// imposes between client and server framing. spec.md's own scenarios are
// all RoleServer; RoleClient is carried for completeness, grounded on the
// original implementation's Role::Client/Role::Server (visible in its
// echo_server.rs example even though the defining module wasn't retrieved).
type Role int

const (
	// RoleServer never masks outbound frames. Inbound frames are accepted
	// masked or unmasked; the mask bit is not checked against the role.
	RoleServer Role = iota
	// RoleClient masks every outbound frame with a fresh random key. Inbound
	// frames are accepted masked or unmasked, as for RoleServer.
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// readChunkSize is how much is pulled from the transport per underlying
// Read call while filling the carryover buffer.
const readChunkSize = 4096

// compactThreshold bounds how large the consumed prefix of readBuf is
// allowed to grow before it's reclaimed, so a long-lived Connection
// reading many small frames doesn't grow readBuf without bound.
const compactThreshold = 64 * 1024

// Option configures a Connection at construction time. See WithVectored,
// WithAutoClose, WithAutoPong, and WithMaxMessageSize.
type Option func(*Connection)

// WithVectored enables writing a frame's header and payload as two buffers
// handed to net.Buffers, letting the runtime issue a single writev(2) on
// transports that support it instead of two separate Write calls.
func WithVectored(v bool) Option { return func(c *Connection) { c.vectored = v } }

// WithAutoClose controls whether the Connection answers an inbound Close
// frame with one of its own before surfacing it. Default true.
func WithAutoClose(v bool) Option { return func(c *Connection) { c.autoClose = v } }

// WithAutoPong controls whether the Connection answers an inbound Ping with
// a Pong automatically (in which case the Ping itself is not surfaced) or
// surfaces the Ping for the caller to answer. Default true.
func WithAutoPong(v bool) Option { return func(c *Connection) { c.autoPong = v } }

// WithMaxMessageSize sets the exclusive per-frame payload limit: ReadFrame
// fails with KindMessageTooLarge on any frame declaring n or more bytes.
// Default 64 MiB.
func WithMaxMessageSize(n uint64) Option {
	return func(c *Connection) { c.maxMessageSize = n }
}

// Connection drives RFC 6455 framing over transport: one frame at a time,
// in whichever direction the caller asks for next. It owns its own read
// and write buffers and is not safe for concurrent use — each Connection
// is meant to be driven from a single goroutine (spec.md's concurrency
// model), though distinct Connections may run on independent goroutines
// freely since nothing is shared between them.
type Connection struct {
	transport io.ReadWriter
	role      Role

	vectored       bool
	autoClose      bool
	autoPong       bool
	maxMessageSize uint64

	readBuf []byte
	readPos int

	writeScratch []byte
	partialWrite []byte

	fragmented     bool
	fragmentOpcode OpCode

	closed            bool
	lastCloseCode     CloseCode
	haveLastCloseCode bool
}

// NewConnection wraps transport for framing as role, applying any options.
func NewConnection(transport io.ReadWriter, role Role, opts ...Option) *Connection {
	c := &Connection{
		transport:      transport,
		role:           role,
		autoClose:      true,
		autoPong:       true,
		maxMessageSize: defaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewServerConnection is NewConnection with RoleServer.
func NewServerConnection(transport io.ReadWriter, opts ...Option) *Connection {
	return NewConnection(transport, RoleServer, opts...)
}

// NewClientConnection is NewConnection with RoleClient.
func NewClientConnection(transport io.ReadWriter, opts ...Option) *Connection {
	return NewConnection(transport, RoleClient, opts...)
}

// SetVectored changes the vectored-write policy after construction.
func (c *Connection) SetVectored(v bool) { c.vectored = v }

// SetAutoClose changes the auto-close-response policy after construction.
func (c *Connection) SetAutoClose(v bool) { c.autoClose = v }

// SetAutoPong changes the auto-pong policy after construction.
func (c *Connection) SetAutoPong(v bool) { c.autoPong = v }

// SetMaxMessageSize changes the per-frame payload ceiling after construction.
func (c *Connection) SetMaxMessageSize(n uint64) { c.maxMessageSize = n }

// LastCloseCode returns the close code from the most recently surfaced
// Close frame with a well-formed payload, and whether one has been seen.
func (c *Connection) LastCloseCode() (CloseCode, bool) {
	return c.lastCloseCode, c.haveLastCloseCode
}

// ensure guarantees at least n unconsumed bytes are available in readBuf,
// pulling more from transport as needed. It's the only place Connection
// calls transport.Read, so every boundary the underlying stream happens to
// split a frame across is absorbed here rather than leaking into the
// parsing logic below.
func (c *Connection) ensure(n int) error {
	for len(c.readBuf)-c.readPos < n {
		var tmp [readChunkSize]byte
		m, err := c.transport.Read(tmp[:])
		if m > 0 {
			c.readBuf = append(c.readBuf, tmp[:m]...)
		}
		if err != nil {
			return transportErr("read_frame", err)
		}
	}
	return nil
}

// take returns the next n unconsumed bytes and advances past them,
// periodically compacting readBuf so a Connection that reads many small
// frames over a long lifetime doesn't grow its buffer without bound.
func (c *Connection) take(n int) []byte {
	b := c.readBuf[c.readPos : c.readPos+n]
	c.readPos += n

	switch {
	case c.readPos == len(c.readBuf):
		c.readBuf = c.readBuf[:0]
		c.readPos = 0
	case c.readPos > compactThreshold:
		remaining := copy(c.readBuf, c.readBuf[c.readPos:])
		c.readBuf = c.readBuf[:remaining]
		c.readPos = 0
	}

	return b
}

// readFrameRaw parses exactly one frame off the wire: header, extended
// length, mask key, payload, in that order, validating each as it becomes
// available (spec.md §4.2/§4.3). It does not apply auto-pong or auto-close
// behavior and does not filter which opcodes get returned; ReadFrame layers
// that on top.
func (c *Connection) readFrameRaw() (*Frame, error) {
	if err := c.ensure(2); err != nil {
		return nil, err
	}
	hdr := decodeHeaderBits(c.take(2))

	if hdr.rsv1 || hdr.rsv2 || hdr.rsv3 {
		return nil, newErr(KindProtocolError, "read_frame", ErrReservedBits)
	}
	if !hdr.opcode.IsValid() {
		return nil, newErr(KindProtocolError, "read_frame", ErrInvalidOpcode)
	}
	if hdr.opcode.IsControl() && !hdr.fin {
		return nil, newErr(KindProtocolError, "read_frame", ErrControlFragmented)
	}

	var extBytes []byte
	if extra := extraLengthBytes(hdr.lenCode); extra > 0 {
		if err := c.ensure(extra); err != nil {
			return nil, err
		}
		extBytes = c.take(extra)
	}
	length, err := decodePayloadLength(hdr.lenCode, extBytes)
	if err != nil {
		return nil, newErr(KindProtocolError, "read_frame", err)
	}

	if hdr.opcode.IsControl() && length > maxControlPayload {
		return nil, newErr(KindProtocolError, "read_frame", ErrControlTooLarge)
	}
	if length >= c.maxMessageSize {
		return nil, newErr(KindMessageTooLarge, "read_frame", ErrMessageTooLarge)
	}

	var key [4]byte
	if hdr.masked {
		if err := c.ensure(4); err != nil {
			return nil, err
		}
		key = decodeMaskKey(c.take(4))
	}

	var payload []byte
	if length > 0 {
		if err := c.ensure(int(length)); err != nil {
			return nil, err
		}
		payload = make([]byte, length)
		copy(payload, c.take(int(length)))
	}
	if hdr.masked {
		maskPayload(payload, key)
	}

	f := &Frame{
		Fin: hdr.fin, Rsv1: hdr.rsv1, Rsv2: hdr.rsv2, Rsv3: hdr.rsv3,
		Opcode: hdr.opcode, Payload: payload,
	}

	if err := c.trackFragmentation(f); err != nil {
		return nil, err
	}

	// A Fin Text frame can only be a standalone single-frame message here:
	// by RFC 6455 a continuation of a fragmented message always carries
	// OpContinuation, never OpText, so trackFragmentation above has
	// already rejected any Text frame arriving mid-fragmentation. That
	// makes the full payload available for validation now; a Text
	// message split across Continuation frames is instead validated once
	// reassembled, by FragmentCollector.
	if f.Opcode == OpText && f.Fin && !utf8.Valid(f.Payload) {
		return nil, newErr(KindInvalidUTF8, "read_frame", ErrInvalidUTF8)
	}

	return f, nil
}

// trackFragmentation enforces that Continuation frames only ever follow an
// unfinished Text/Binary frame, and that a new Text/Binary frame never
// arrives while one is already in progress. Control frames are exempt:
// RFC 6455 allows Ping/Pong/Close to interleave with a fragmented message.
func (c *Connection) trackFragmentation(f *Frame) error {
	switch f.Opcode {
	case OpContinuation:
		if !c.fragmented {
			return newErr(KindProtocolError, "read_frame", ErrUnexpectedContinuation)
		}
		if f.Fin {
			c.fragmented = false
		}
	case OpText, OpBinary:
		if c.fragmented {
			return newErr(KindProtocolError, "read_frame", ErrExpectedContinuation)
		}
		if !f.Fin {
			c.fragmented = true
			c.fragmentOpcode = f.Opcode
		}
	}
	return nil
}

// ReadFrame returns the next frame the caller needs to see. Ping frames are
// answered with a Pong and swallowed when AutoPong is on; Pong frames are
// always swallowed (RFC 6455 requires no response and gives the caller
// nothing actionable); Close frames are answered per AutoClose and always
// surfaced, since the caller needs to know the Connection is done. Once
// ReadFrame returns any error, or returns a Close frame, the Connection is
// finished: every subsequent call fails with KindClosed.
func (c *Connection) ReadFrame() (*Frame, error) {
	if c.closed {
		return nil, newErr(KindClosed, "read_frame", ErrConnectionClosed)
	}

	for {
		f, err := c.readFrameRaw()
		if err != nil {
			c.closed = true
			return nil, err
		}

		switch f.Opcode {
		case OpPing:
			if !c.autoPong {
				return f, nil
			}
			if werr := c.WriteFrame(PongFrame(f.Payload)); werr != nil {
				c.closed = true
				return nil, werr
			}
		case OpPong:
			// no-op; keepalive pongs carry nothing the caller needs
		case OpClose:
			err := c.handleCloseFrame(f)
			return f, err
		default:
			return f, nil
		}
	}
}

// parseClosePayload extracts the close code and UTF-8 reason from a Close
// frame's payload per RFC 6455 Section 7.1.5-7.1.6. A zero-length payload
// means no code was given at all, which is not itself an error. disallowed
// reports whether the code itself (as opposed to the payload's shape or
// encoding) is what failed validation, since that's the one case spec.md
// §4.3 calls for an outbound close 1002 regardless of the AutoClose policy.
func parseClosePayload(payload []byte) (code CloseCode, reason string, disallowed bool, err error) {
	switch {
	case len(payload) == 0:
		return 0, "", false, nil
	case len(payload) == 1:
		return 0, "", false, newErr(KindInvalidClose, "read_frame", ErrInvalidClose)
	default:
		code = CloseCode(binary.BigEndian.Uint16(payload[:2]))
		reasonBytes := payload[2:]
		if !utf8.Valid(reasonBytes) {
			return code, "", false, newErr(KindInvalidUTF8, "read_frame", ErrInvalidUTF8)
		}
		reason = string(reasonBytes)
		if !code.IsAllowed() {
			return code, reason, true, newErr(KindInvalidClose, "read_frame", ErrInvalidClose)
		}
		return code, reason, false, nil
	}
}

// handleCloseFrame runs the close dispatch from spec.md §4.3: a disallowed
// close code gets an outbound close 1002 echoing the peer's reason bytes
// regardless of the AutoClose policy; a well-formed close instead gets the
// peer's payload echoed back verbatim, gated by AutoClose; a malformed
// payload (1 byte, or invalid UTF-8 in the reason) gets no response at all,
// matching the original implementation's immediate failure. It records the
// peer's close code for LastCloseCode and marks the Connection closed. An
// I/O error from either response is surfaced to the caller as
// KindTransportError, same as an auto-pong write failure.
func (c *Connection) handleCloseFrame(f *Frame) error {
	code, reason, disallowed, perr := parseClosePayload(f.Payload)

	if disallowed {
		if werr := c.WriteFrame(CloseFrame(CloseProtocolError, reason)); werr != nil {
			c.closed = true
			return werr
		}
		c.closed = true
		return perr
	}

	if perr != nil {
		c.closed = true
		return perr
	}

	if c.autoClose {
		if werr := c.WriteFrame(&Frame{Fin: true, Opcode: OpClose, Payload: f.Payload}); werr != nil {
			c.closed = true
			return werr
		}
	}

	c.closed = true
	c.lastCloseCode = code
	c.haveLastCloseCode = true
	return nil
}

// WriteFrame sends f, draining any partial write left over from a previous
// call first and then sending f in the same call regardless (the
// REDESIGN-FLAG fix over the historical behavior of returning after the
// drain without sending the newly supplied frame). f.Mask is ignored and f
// itself is not modified: a RoleClient Connection sends a masked copy under
// a freshly generated key; a RoleServer Connection sends unmasked.
func (c *Connection) WriteFrame(f *Frame) error {
	if c.closed {
		return newErr(KindClosed, "write_frame", ErrConnectionClosed)
	}
	if len(c.partialWrite) > 0 {
		if err := c.flushPartial(); err != nil {
			return err
		}
	}

	frame := f
	switch c.role {
	case RoleClient:
		var key [4]byte
		if _, err := rand.Read(key[:]); err != nil {
			return transportErr("write_frame", err)
		}
		masked := make([]byte, len(f.Payload))
		copy(masked, f.Payload)
		maskPayload(masked, key)
		frame = &Frame{Fin: f.Fin, Rsv1: f.Rsv1, Rsv2: f.Rsv2, Rsv3: f.Rsv3, Opcode: f.Opcode, Mask: &key, Payload: masked}
	default:
		if f.Mask != nil {
			frame = &Frame{Fin: f.Fin, Rsv1: f.Rsv1, Rsv2: f.Rsv2, Rsv3: f.Rsv3, Opcode: f.Opcode, Payload: f.Payload}
		}
	}

	if frame.Opcode.IsControl() && len(frame.Payload) > maxControlPayload {
		return newErr(KindProtocolError, "write_frame", ErrControlTooLarge)
	}

	if c.vectored {
		head, payload := EncodeVectored(frame)
		return c.writeVectored(head, payload)
	}

	encoded := EncodeContiguous(&c.writeScratch, frame)
	return c.writeContiguous(encoded)
}

// writeContiguous writes buf in one Write call, stashing any unsent
// remainder as partialWrite if the transport reports a short write
// alongside its error (as io.Writer's contract permits).
func (c *Connection) writeContiguous(buf []byte) error {
	n, err := c.transport.Write(buf)
	if err != nil {
		if n > 0 && n < len(buf) {
			c.partialWrite = append(c.partialWrite[:0], buf[n:]...)
		}
		return transportErr("write_frame", err)
	}
	return nil
}

// writeVectored writes head and payload as a single net.Buffers, which
// issues a real writev(2) on transports that support it and degrades to
// sequential Write calls otherwise.
func (c *Connection) writeVectored(head, payload []byte) error {
	bufs := net.Buffers{head, payload}
	if _, err := bufs.WriteTo(c.transport); err != nil {
		var remaining []byte
		for _, s := range bufs {
			remaining = append(remaining, s...)
		}
		if len(remaining) > 0 {
			c.partialWrite = remaining
		}
		return transportErr("write_frame", err)
	}
	return nil
}

// flushPartial attempts to finish sending a remainder stashed by a
// previous short write.
func (c *Connection) flushPartial() error {
	n, err := c.transport.Write(c.partialWrite)
	if err != nil {
		if n > 0 {
			c.partialWrite = c.partialWrite[n:]
		}
		return transportErr("write_frame", err)
	}
	c.partialWrite = nil
	return nil
}

// WriteText sends an unfragmented Text frame.
func (c *Connection) WriteText(data []byte) error { return c.WriteFrame(TextFrame(data)) }

// WriteBinary sends an unfragmented Binary frame.
func (c *Connection) WriteBinary(data []byte) error { return c.WriteFrame(BinaryFrame(data)) }

// WritePing sends a Ping frame. data must be 125 bytes or fewer.
func (c *Connection) WritePing(data []byte) error { return c.WriteFrame(PingFrame(data)) }

// WritePong sends a Pong frame, typically in answer to a Ping read with
// AutoPong disabled. data must be 125 bytes or fewer.
func (c *Connection) WritePong(data []byte) error { return c.WriteFrame(PongFrame(data)) }

// WriteClose sends a Close frame, initiating the closing handshake, and
// marks the Connection closed once the attempt completes.
func (c *Connection) WriteClose(code CloseCode, reason string) error {
	err := c.WriteFrame(CloseFrame(code, reason))
	c.closed = true
	return err
}

// WriteJSON marshals v and sends it as an unfragmented Text frame, in the
// style of coregx/stream/websocket's Conn.WriteJSON.
func (c *Connection) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wsframe: write_json: %w", err)
	}
	return c.WriteFrame(TextFrame(data))
}
