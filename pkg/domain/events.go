package domain

import (
	"context"
	"time"
)

// EventType defines the category of a control event.
type EventType string

const (
	EventGateOpen  EventType = "gate_open"
	EventGateClose EventType = "gate_close"
	EventTransfer  EventType = "transfer"
	EventWrite     EventType = "write"
)

// EventBase contains common fields for all events.
type EventBase struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
}

// GateEvent is raised when a gate opens or closes.
type GateEvent struct {
	EventBase
	Gate GateInfo `json:"gate"`
}

// Transfer is raised whenever the winner of a channel changes.
// From is nil when the channel had no winner, To is nil when it is left without one.
type Transfer struct {
	EventBase
	Channel ChannelKey `json:"channel"`
	From    *GateInfo  `json:"from,omitempty"`
	To      *GateInfo  `json:"to,omitempty"`
}

// WriteEvent is raised for every write attempt; Accepted is false for dropped writes.
type WriteEvent struct {
	EventBase
	Gate     GateInfo `json:"gate"`
	Value    float64  `json:"value"`
	Accepted bool     `json:"accepted"`
}

// ControlHooks defines callbacks for control observability.
// Hooks run after controller locks are released and must not block for long.
type ControlHooks struct {
	OnGateOpen  func(context.Context, *GateEvent)
	OnGateClose func(context.Context, *GateEvent)
	OnTransfer  func(context.Context, *Transfer)
	OnWrite     func(context.Context, *WriteEvent)
}

// MergeHooks fans every callback out to each of the given hook sets in order.
func MergeHooks(sets ...ControlHooks) ControlHooks {
	var merged ControlHooks
	merged.OnGateOpen = func(ctx context.Context, e *GateEvent) {
		for _, h := range sets {
			if h.OnGateOpen != nil {
				h.OnGateOpen(ctx, e)
			}
		}
	}
	merged.OnGateClose = func(ctx context.Context, e *GateEvent) {
		for _, h := range sets {
			if h.OnGateClose != nil {
				h.OnGateClose(ctx, e)
			}
		}
	}
	merged.OnTransfer = func(ctx context.Context, e *Transfer) {
		for _, h := range sets {
			if h.OnTransfer != nil {
				h.OnTransfer(ctx, e)
			}
		}
	}
	merged.OnWrite = func(ctx context.Context, e *WriteEvent) {
		for _, h := range sets {
			if h.OnWrite != nil {
				h.OnWrite(ctx, e)
			}
		}
	}
	return merged
}
