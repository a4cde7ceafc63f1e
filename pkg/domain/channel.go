package domain

import "sort"

// ChannelKey identifies a channel.
type ChannelKey string

// Channel is the capability interface implemented by every channel kind.
// Callers ask a channel what it can do instead of switching on its concrete type.
type Channel interface {
	Key() ChannelKey
	// Writable reports whether control sessions may command this channel.
	Writable() bool
	// Persisted reports whether samples written to this channel are stored durably.
	Persisted() bool
}

// PersistedChannel is a regular telemetry/actuator channel backed by storage.
type PersistedChannel struct {
	Name ChannelKey `json:"name" yaml:"name"`
}

func (c PersistedChannel) Key() ChannelKey { return c.Name }
func (c PersistedChannel) Writable() bool  { return true }
func (c PersistedChannel) Persisted() bool { return true }

// VirtualChannel is writable but its samples are only streamed, never stored.
type VirtualChannel struct {
	Name ChannelKey `json:"name" yaml:"name"`
}

func (c VirtualChannel) Key() ChannelKey { return c.Name }
func (c VirtualChannel) Writable() bool  { return true }
func (c VirtualChannel) Persisted() bool { return false }

// CalculatedChannel is derived from other channels and cannot be commanded.
type CalculatedChannel struct {
	Name ChannelKey `json:"name" yaml:"name"`
}

func (c CalculatedChannel) Key() ChannelKey { return c.Name }
func (c CalculatedChannel) Writable() bool  { return false }
func (c CalculatedChannel) Persisted() bool { return true }

// Channel kind names used by configuration and the HTTP API.
const (
	KindPersisted  = "persisted"
	KindVirtual    = "virtual"
	KindCalculated = "calculated"
)

// NewChannel builds the channel implementation for a kind name.
// An empty kind defaults to a persisted channel.
func NewChannel(key ChannelKey, kind string) (Channel, bool) {
	switch kind {
	case "", KindPersisted:
		return PersistedChannel{Name: key}, true
	case KindVirtual:
		return VirtualChannel{Name: key}, true
	case KindCalculated:
		return CalculatedChannel{Name: key}, true
	default:
		return nil, false
	}
}

// SortedKeys returns a sorted, de-duplicated copy of keys.
// Multi-channel operations iterate in this canonical order.
func SortedKeys(keys []ChannelKey) []ChannelKey {
	seen := make(map[ChannelKey]struct{}, len(keys))
	out := make([]ChannelKey, 0, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
