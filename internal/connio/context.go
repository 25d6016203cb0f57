// Package connio implements the per-connection, byte-oriented decode state
// machine (C2): it turns a possibly-fragmented stream of bytes into a
// sequence of complete frames, one connection context per socket, owned
// exclusively by the event loop goroutine that calls Ingest.
package connio

import (
	"github.com/sadewadee/edgeloop/internal/wire"
)

// State is the connection's position in the header/payload decode cycle.
type State int

const (
	StateReadingHeader State = iota
	StateReadingPayload
)

// Status is returned alongside any frames Ingest decoded from a chunk.
type Status int

const (
	// StatusNeedMore indicates the connection is healthy and waiting for
	// more bytes; the caller should return to the event loop's drain loop.
	StatusNeedMore Status = iota
	// StatusClosed indicates the peer closed the connection (recv == 0).
	// Not an error; any partial frame in flight is discarded.
	StatusClosed
	// StatusError indicates a terminal framing violation. The error returned
	// alongside it is the *wire.FramingError. The connection must be closed.
	StatusError
)

// Frame is one fully decoded, ready-to-dispatch frame.
type Frame struct {
	Type           uint16
	SequenceNumber uint32
	Payload        []byte
}

// Context is the per-connection decode state machine.
type Context struct {
	FD int

	state State

	// maxPayloadLength is the operator-configured payload cap (see
	// internal/config's listener.max_payload_size), never looser than
	// wire.MaxPayloadLength. A payload within the wire codec's hard ceiling
	// but over this bound is rejected the same way an oversize one is.
	maxPayloadLength uint32

	headerBuf    [wire.HeaderSize]byte
	headerFilled int

	payloadBuf    []byte
	payloadFilled int

	messageType           uint16
	sequenceNumber        uint32
	expectedPayloadLength uint32

	closed bool
}

// New creates a fresh connection context for an accepted socket. Initial
// state is StateReadingHeader. maxPayloadLength is clamped to
// wire.MaxPayloadLength; a zero value means "use the protocol ceiling".
func New(fd int, maxPayloadLength uint32) *Context {
	if maxPayloadLength == 0 || maxPayloadLength > wire.MaxPayloadLength {
		maxPayloadLength = wire.MaxPayloadLength
	}
	return &Context{FD: fd, state: StateReadingHeader, maxPayloadLength: maxPayloadLength}
}

// Ingest appends chunk to the context's in-progress buffer, advancing the
// state machine across as many frame boundaries as the chunk covers. It
// returns every frame completed by this call, in arrival order, plus a
// continuation status. Extra bytes after a frame boundary are decoded
// in the same call without returning to the caller — required so the event
// loop can fully drain an edge-triggered read in one pass.
func (c *Context) Ingest(chunk []byte) ([]Frame, Status, error) {
	var frames []Frame

	for len(chunk) > 0 {
		switch c.state {
		case StateReadingHeader:
			n := copy(c.headerBuf[c.headerFilled:], chunk)
			c.headerFilled += n
			chunk = chunk[n:]

			if c.headerFilled < wire.HeaderSize {
				return frames, StatusNeedMore, nil
			}

			h, err := wire.Decode(c.headerBuf)
			if err != nil {
				c.Close()
				return frames, StatusError, err
			}
			if h.PayloadLength > c.maxPayloadLength {
				c.Close()
				return frames, StatusError, wire.ErrPayloadTooLarge
			}

			c.messageType = h.Type
			c.sequenceNumber = h.SequenceNumber
			c.expectedPayloadLength = h.PayloadLength
			c.headerFilled = 0

			if h.PayloadLength == 0 {
				frames = append(frames, Frame{
					Type:           c.messageType,
					SequenceNumber: c.sequenceNumber,
					Payload:        nil,
				})
				c.state = StateReadingHeader
				continue
			}

			c.payloadBuf = make([]byte, h.PayloadLength)
			c.payloadFilled = 0
			c.state = StateReadingPayload

		case StateReadingPayload:
			n := copy(c.payloadBuf[c.payloadFilled:], chunk)
			c.payloadFilled += n
			chunk = chunk[n:]

			if c.payloadFilled < len(c.payloadBuf) {
				return frames, StatusNeedMore, nil
			}

			frames = append(frames, Frame{
				Type:           c.messageType,
				SequenceNumber: c.sequenceNumber,
				Payload:        c.payloadBuf,
			})
			c.reset()
		}
	}

	return frames, StatusNeedMore, nil
}

// reset releases the payload buffer and returns to StateReadingHeader,
// preserving FD. Called after every successfully delivered frame.
func (c *Context) reset() {
	c.payloadBuf = nil
	c.payloadFilled = 0
	c.headerFilled = 0
	c.expectedPayloadLength = 0
	c.state = StateReadingHeader
}

// Reset is the exported form of reset, for callers (e.g. tests) that need
// to force a frame boundary externally.
func (c *Context) Reset() { c.reset() }

// Close releases buffers and marks the context terminal. The event loop
// must deregister the fd and drop the context after calling Close.
func (c *Context) Close() {
	c.reset()
	c.closed = true
}

// Closed reports whether Close has been called.
func (c *Context) Closed() bool { return c.closed }

// State exposes the current decode state, chiefly for tests.
func (c *Context) State() State { return c.state }
