package wsframe

import (
	"encoding/json/v2"
	"fmt"
	"unicode/utf8"
)

// collectorState tracks whether FragmentCollector is between messages or
// partway through reassembling one.
type collectorState int

const (
	stateIdle collectorState = iota
	stateGathering
)

// FragmentCollector wraps a Connection and reassembles a Text/Binary frame
// followed by zero or more Continuation frames into one logical message,
// so callers don't have to track fragmentation themselves. Control frames
// (Close, and Ping when AutoPong is disabled) pass through unchanged since
// RFC 6455 never fragments them.
//
// Like Connection, a FragmentCollector is not safe for concurrent use.
type FragmentCollector struct {
	conn  *Connection
	state collectorState

	opcode OpCode
	buf    []byte
}

// NewFragmentCollector wraps conn for whole-message reads.
func NewFragmentCollector(conn *Connection) *FragmentCollector {
	return &FragmentCollector{conn: conn}
}

// ReadFrame returns the next complete message as a single Fin-true Frame:
// either a frame Connection.ReadFrame already returned unfragmented, or the
// concatenation of a Text/Binary frame through its closing Continuation.
// A reassembled Text message's UTF-8 validity is checked here, over the
// full payload, since Connection only validates standalone Text frames.
func (fc *FragmentCollector) ReadFrame() (*Frame, error) {
	for {
		f, err := fc.conn.ReadFrame()
		if err != nil {
			return nil, err
		}

		switch f.Opcode {
		case OpText, OpBinary:
			if f.Fin {
				return f, nil
			}
			fc.state = stateGathering
			fc.opcode = f.Opcode
			fc.buf = append(fc.buf[:0], f.Payload...)

		case OpContinuation:
			fc.buf = append(fc.buf, f.Payload...)
			if !f.Fin {
				continue
			}
			msg := &Frame{Fin: true, Opcode: fc.opcode, Payload: append([]byte(nil), fc.buf...)}
			fc.state = stateIdle
			if fc.opcode == OpText && !utf8.Valid(msg.Payload) {
				return nil, newErr(KindInvalidUTF8, "read_frame", ErrInvalidUTF8)
			}
			return msg, nil

		default: // OpClose, or OpPing surfaced with AutoPong disabled
			return f, nil
		}
	}
}

// ReadMessage is ReadFrame without the Frame wrapper, for callers that only
// care about opcode and payload.
func (fc *FragmentCollector) ReadMessage() (OpCode, []byte, error) {
	f, err := fc.ReadFrame()
	if err != nil {
		return 0, nil, err
	}
	return f.Opcode, f.Payload, nil
}

// ReadJSON reads the next complete message and unmarshals its payload into
// v, in the style of coregx/stream/websocket's Conn.ReadJSON. It is an
// error for the message to be anything other than Text.
func (fc *FragmentCollector) ReadJSON(v any) error {
	f, err := fc.ReadFrame()
	if err != nil {
		return err
	}
	if f.Opcode != OpText {
		return fmt.Errorf("wsframe: read_json: expected a text message, got %s", f.Opcode)
	}
	return json.Unmarshal(f.Payload, v)
}

// WriteFragmented splits a message into one frame per entry of chunks
// (opcode on the first, Continuation on the rest, Fin only on the last)
// and writes them in sequence, in the style of blazskufca/gowebsock's
// WriteFragmentedMessage. An empty chunks sends a single zero-length
// Fin frame.
func WriteFragmented(c *Connection, opcode OpCode, chunks [][]byte) error {
	if len(chunks) == 0 {
		return c.WriteFrame(&Frame{Fin: true, Opcode: opcode})
	}
	for i, chunk := range chunks {
		op := OpContinuation
		if i == 0 {
			op = opcode
		}
		fin := i == len(chunks)-1
		if err := c.WriteFrame(&Frame{Fin: fin, Opcode: op, Payload: chunk}); err != nil {
			return err
		}
	}
	return nil
}
