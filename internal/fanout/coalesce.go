// Package fanout delivers samples to slow consumers without blocking producers
// and without losing the newest value of any channel.
package fanout

import (
	"sync"

	"github.com/aretw0/arbiter/pkg/domain"
)

// Coalescer buffers samples for one subscriber. When the consumer falls behind,
// pending samples of the same channel are merged so that only the newest one is
// kept; the latest value of every channel is always delivered eventually.
type Coalescer struct {
	out  chan domain.Sample
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	pending map[domain.ChannelKey]domain.Sample
	order   []domain.ChannelKey
	closed  bool
	once    sync.Once
}

// New starts a Coalescer whose output channel buffers up to buffer samples.
func New(buffer int) *Coalescer {
	if buffer < 0 {
		buffer = 0
	}
	c := &Coalescer{
		out:     make(chan domain.Sample, buffer),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		pending: make(map[domain.ChannelKey]domain.Sample),
	}
	go c.run()
	return c
}

// Out returns the delivery channel. It is closed after Close.
func (c *Coalescer) Out() <-chan domain.Sample { return c.out }

// Offer queues a sample. It never blocks. A sample replaces any older pending
// sample of the same channel that has not been delivered yet. Offer after Close is a no-op.
func (c *Coalescer) Offer(sample domain.Sample) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	prev, ok := c.pending[sample.Channel]
	switch {
	case !ok:
		c.order = append(c.order, sample.Channel)
		c.pending[sample.Channel] = sample
	case !prev.Timestamp.After(sample.Timestamp):
		c.pending[sample.Channel] = sample
	}
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery and closes Out. Pending samples are discarded. It is idempotent.
func (c *Coalescer) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.pending = nil
		c.order = nil
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Coalescer) run() {
	defer close(c.out)
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		for {
			batch := c.take()
			if len(batch) == 0 {
				break
			}
			for _, sample := range batch {
				select {
				case c.out <- sample:
				case <-c.done:
					return
				}
			}
		}
	}
}

// take removes every pending sample in first-offered order.
func (c *Coalescer) take() []domain.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return nil
	}
	batch := make([]domain.Sample, 0, len(c.order))
	for _, key := range c.order {
		batch = append(batch, c.pending[key])
	}
	c.pending = make(map[domain.ChannelKey]domain.Sample)
	c.order = c.order[:0]
	return batch
}
