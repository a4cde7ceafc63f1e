package memory

import (
	"context"
	"sync"

	"github.com/aretw0/arbiter/internal/fanout"
	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/aretw0/arbiter/pkg/ports"
)

// DefaultSubscriberBuffer is the number of samples buffered per subscriber.
// Past it, pending samples of a channel are merged into the newest one.
const DefaultSubscriberBuffer = 64

// FrameStore implements ports.FrameStore in memory.
// Safe for concurrent use.
type FrameStore struct {
	mu          sync.RWMutex
	latest      map[domain.ChannelKey]domain.Sample
	subscribers map[*fanout.Coalescer]map[domain.ChannelKey]struct{}
	buffer      int
}

// NewFrameStore creates a new in-memory frame store.
func NewFrameStore() *FrameStore {
	return &FrameStore{
		latest:      make(map[domain.ChannelKey]domain.Sample),
		subscribers: make(map[*fanout.Coalescer]map[domain.ChannelKey]struct{}),
		buffer:      DefaultSubscriberBuffer,
	}
}

var _ ports.FrameStore = (*FrameStore)(nil)

// Write stores the sample as the channel's latest value and fans it out.
func (s *FrameStore) Write(ctx context.Context, sample domain.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[sample.Channel] = sample
	// Offer never blocks, and fanning out under the same lock keeps every
	// subscriber in store order.
	for sub, keys := range s.subscribers {
		if _, ok := keys[sample.Channel]; ok {
			sub.Offer(sample)
		}
	}
	return nil
}

// ReadLatest returns the last sample written to key.
func (s *FrameStore) ReadLatest(ctx context.Context, key domain.ChannelKey) (domain.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sample, ok := s.latest[key]
	if !ok {
		return domain.Sample{}, domain.ErrUndefined
	}
	return sample, nil
}

// Subscribe streams samples written to keys.
func (s *FrameStore) Subscribe(ctx context.Context, keys []domain.ChannelKey) (<-chan domain.Sample, ports.CancelFunc, error) {
	sub := fanout.New(s.buffer)
	set := make(map[domain.ChannelKey]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}

	s.mu.Lock()
	s.subscribers[sub] = set
	s.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			s.mu.Lock()
			delete(s.subscribers, sub)
			s.mu.Unlock()
			sub.Close()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return sub.Out(), cancel, nil
}

// Reset drops every stored sample. Subscriptions are kept.
func (s *FrameStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = make(map[domain.ChannelKey]domain.Sample)
}
