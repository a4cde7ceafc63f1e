package domain

import (
	"fmt"
	"time"
)

// GateID identifies a single claim.
type GateID string

// GateState is the lifecycle state of a claim over one channel.
type GateState int

const (
	// GatePending is the state of a gate that has been created but not yet arbitrated.
	GatePending GateState = iota
	// GateControlling is the state of the single gate allowed to write to its channel.
	GateControlling
	// GateSubordinate is the state of an open gate that lost arbitration.
	GateSubordinate
	// GateClosed is terminal. A closed gate is never re-opened.
	GateClosed
)

func (s GateState) String() string {
	switch s {
	case GatePending:
		return "pending"
	case GateControlling:
		return "controlling"
	case GateSubordinate:
		return "subordinate"
	case GateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name so JSON and CBOR payloads stay readable.
func (s GateState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// GateInfo is a point-in-time copy of a gate, safe to hand to other goroutines.
type GateInfo struct {
	ID        GateID     `json:"id"`
	Channel   ChannelKey `json:"channel"`
	Subject   string     `json:"subject"`
	Authority Authority  `json:"authority"`
	State     GateState  `json:"state"`
	Region    Region     `json:"region"`
	Sequence  uint64     `json:"sequence"`
}

// RegionRecord is the audit record written when a gate closes.
type RegionRecord struct {
	Gate      GateID     `json:"gate_id"`
	Channel   ChannelKey `json:"channel"`
	Subject   string     `json:"subject"`
	Authority Authority  `json:"authority"`
	Start     time.Time  `json:"start"`
	End       time.Time  `json:"end"`
}

// NewRegionRecord builds the audit record for a closed gate.
func NewRegionRecord(g GateInfo) RegionRecord {
	return RegionRecord{
		Gate:      g.ID,
		Channel:   g.Channel,
		Subject:   g.Subject,
		Authority: g.Authority,
		Start:     g.Region.Start,
		End:       g.Region.End,
	}
}

// UnmarshalText decodes a state name produced by MarshalText.
func (s *GateState) UnmarshalText(text []byte) error {
	for _, candidate := range []GateState{GatePending, GateControlling, GateSubordinate, GateClosed} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("%w: unknown gate state %q", ErrValidation, string(text))
}
