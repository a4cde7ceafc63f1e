package ports

import (
	"context"

	"github.com/aretw0/arbiter/pkg/domain"
)

// CancelFunc releases a subscription. It is safe to call more than once.
type CancelFunc func()

// FrameStore defines the storage collaborator used by control sessions.
type FrameStore interface {
	// Write persists a sample as the channel's current value and notifies subscribers.
	Write(ctx context.Context, sample domain.Sample) error

	// ReadLatest returns the most recent sample of a channel.
	// Returns domain.ErrUndefined if the channel never produced a sample.
	ReadLatest(ctx context.Context, key domain.ChannelKey) (domain.Sample, error)

	// Subscribe streams every sample written to any of the given channels
	// until the context is canceled or the CancelFunc is called.
	// Slow subscribers may miss samples; the stream never blocks writers.
	Subscribe(ctx context.Context, keys []domain.ChannelKey) (<-chan domain.Sample, CancelFunc, error)
}
