// Package channel owns the point-to-point channel lifecycle: establish,
// await ready, detect failure, tear down. It exposes an opaque send surface
// plus a single typed event stream that the session controller drains, so
// no handler closes over shared mutable state.
package channel

import (
	"errors"
)

// State is the channel lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateEstablishing State = "establishing"
	StateOpen         State = "open"
	StateClosed       State = "closed"
)

// Role identifies which endpoint drives channel establishment.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

var (
	// ErrNotOpen indicates a send was attempted outside the open state.
	ErrNotOpen = errors.New("channel: not open")
	// ErrClosed indicates the channel was torn down.
	ErrClosed = errors.New("channel: closed")
)

// EventKind tags entries on the event stream.
type EventKind int

const (
	// EventMessage carries one inbound opaque message.
	EventMessage EventKind = iota
	// EventState marks a lifecycle state change.
	EventState
)

// Event is one entry on the inbound event stream. Handlers receive events
// one at a time and must not assume any further reentrancy protection.
type Event struct {
	Kind    EventKind
	Message []byte
	State   State
	Err     error
}

// Channel is the uniform surface the session controller and transfer
// engine program against. The production implementation is Link; tests
// substitute in-memory pairs.
type Channel interface {
	// Send writes one opaque message. Fails with ErrNotOpen unless the
	// channel is open.
	Send(payload []byte) error
	// Events returns the single inbound event stream.
	Events() <-chan Event
	// State returns the current lifecycle state.
	State() State
	// Close tears the channel down. Idempotent; the underlying transport
	// resource is released exactly once.
	Close() error
}
