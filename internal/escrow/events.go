package escrow

import (
	"context"
	"time"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventCreated         EventType = "escrow_created"
	EventApproved        EventType = "escrow_approved"
	EventDisputeRaised   EventType = "dispute_raised"
	EventDisputeResolved EventType = "dispute_resolved"
	EventReleased        EventType = "escrow_released"
	EventCancelled       EventType = "escrow_cancelled"
)

// Event describes a committed transition.
type Event struct {
	Type      EventType `json:"type"`
	Escrow    *Escrow   `json:"escrow"`
	Actor     string    `json:"actor,omitempty"`
	Role      Role      `json:"role,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventEmitter receives committed transitions. Emission is best-effort and
// must not block.
type EventEmitter interface {
	EmitEscrowEvent(ctx context.Context, ev Event)
}

// Emitters fans each event out to every emitter in order.
type Emitters []EventEmitter

func (m Emitters) EmitEscrowEvent(ctx context.Context, ev Event) {
	for _, e := range m {
		if e != nil {
			e.EmitEscrowEvent(ctx, ev)
		}
	}
}
