package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/aretw0/arbiter/pkg/ports"
)

// ChannelRegistry implements ports.ChannelRegistry over an in-memory map.
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels map[domain.ChannelKey]domain.Channel
}

// NewChannelRegistry creates a registry seeded with the given channels.
func NewChannelRegistry(channels ...domain.Channel) *ChannelRegistry {
	r := &ChannelRegistry{
		channels: make(map[domain.ChannelKey]domain.Channel),
	}
	for _, ch := range channels {
		r.channels[ch.Key()] = ch
	}
	return r
}

var _ ports.ChannelRegistry = (*ChannelRegistry)(nil)

// Register adds a channel to the registry.
// If a channel with the same key exists, it is overwritten.
func (r *ChannelRegistry) Register(ch domain.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Key()] = ch
}

// Remove deletes a channel definition.
func (r *ChannelRegistry) Remove(key domain.ChannelKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, key)
}

// Lookup returns the channel definition for key.
func (r *ChannelRegistry) Lookup(key domain.ChannelKey) (domain.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[key]
	return ch, ok
}

// Exists reports whether key is registered.
func (r *ChannelRegistry) Exists(ctx context.Context, key domain.ChannelKey) (bool, error) {
	_, ok := r.Lookup(key)
	return ok, nil
}

// IsWritable asks the channel itself whether it may be commanded.
func (r *ChannelRegistry) IsWritable(ctx context.Context, key domain.ChannelKey) (bool, error) {
	ch, ok := r.Lookup(key)
	if !ok {
		return false, nil
	}
	return ch.Writable(), nil
}

// List returns every registered channel sorted by key.
func (r *ChannelRegistry) List() []domain.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
