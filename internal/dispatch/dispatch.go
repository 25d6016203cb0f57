// Package dispatch maps a fully-received frame to a response plan (C5). A
// Dispatcher is pure with respect to connection state: it never touches
// connio buffers directly, only the header and payload bytes handed to it.
package dispatch

import (
	"github.com/sadewadee/edgeloop/internal/logging"
	"github.com/sadewadee/edgeloop/internal/wire"
)

// PlanKind distinguishes the three shapes a ResponsePlan can take.
type PlanKind int

const (
	PlanReply PlanKind = iota
	PlanNoReply
	PlanCloseConnection
)

// ResponsePlan is the result of dispatching one frame.
type ResponsePlan struct {
	Kind    PlanKind
	Type    uint16
	Payload []byte
}

// Reply builds a PlanReply plan.
func Reply(typ uint16, payload []byte) ResponsePlan {
	return ResponsePlan{Kind: PlanReply, Type: typ, Payload: payload}
}

// NoReply is the plan for frames that require no response.
var NoReply = ResponsePlan{Kind: PlanNoReply}

// CloseConnection is the plan for frames that should terminate the
// connection.
var CloseConnection = ResponsePlan{Kind: PlanCloseConnection}

// Dispatcher maps a decoded frame to a ResponsePlan.
type Dispatcher struct {
	log logging.Sink
	// CloseOnUnknownType selects the unknown-command-type policy: the
	// default (false) logs and keeps the connection open rather than
	// closing it.
	CloseOnUnknownType bool
}

// New creates a Dispatcher logging through log.
func New(log logging.Sink) *Dispatcher {
	return &Dispatcher{log: log}
}

// Dispatch maps one decoded frame to a response plan.
func (d *Dispatcher) Dispatch(sequenceNumber uint32, messageType uint16, payload []byte) ResponsePlan {
	switch messageType {
	case wire.TypeData:
		// Echo: reply with the same type, sequence number, and payload.
		return Reply(wire.TypeData, payload)
	case wire.TypeHeartbeat:
		return NoReply
	default:
		d.log.Warn("dispatch: unknown frame type", "type", messageType, "sequence_number", sequenceNumber)
		if d.CloseOnUnknownType {
			return CloseConnection
		}
		return NoReply
	}
}
