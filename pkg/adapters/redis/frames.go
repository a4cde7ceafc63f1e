package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/arbiter/internal/fanout"
	"github.com/aretw0/arbiter/internal/logging"
	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/aretw0/arbiter/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by the adapter.
const DefaultPrefix = "arbiter:"

// FrameStore implements ports.FrameStore using Redis.
// The latest sample of each channel is kept under "<prefix>latest:<channel>" and
// every write is published on "<prefix>updates:<channel>".
type FrameStore struct {
	client *backend.Client
	prefix string
	buffer int
	logger *slog.Logger
}

// Option configures the FrameStore.
type Option func(*FrameStore)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *FrameStore) {
		s.prefix = prefix
	}
}

// WithBuffer sets the per-subscription channel capacity. A subscriber that falls
// further behind receives only the newest pending sample of each channel.
func WithBuffer(n int) Option {
	return func(s *FrameStore) {
		s.buffer = n
	}
}

// WithLogger configures a logger for undecodable messages.
func WithLogger(logger *slog.Logger) Option {
	return func(s *FrameStore) {
		s.logger = logger
	}
}

// New creates a Redis frame store with its own client.
func New(address, password string, db int, opts ...Option) *FrameStore {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a Redis frame store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *FrameStore {
	store := &FrameStore{
		client: client,
		prefix: DefaultPrefix,
		buffer: 64,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Client exposes the underlying client so other adapters can share the connection.
func (s *FrameStore) Client() *backend.Client { return s.client }

func (s *FrameStore) latestKey(key domain.ChannelKey) string {
	return s.prefix + "latest:" + string(key)
}

func (s *FrameStore) updatesKey(key domain.ChannelKey) string {
	return s.prefix + "updates:" + string(key)
}

// Write stores the sample as the latest value and publishes it to subscribers.
func (s *FrameStore) Write(ctx context.Context, sample domain.Sample) error {
	data, err := marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.latestKey(sample.Channel), data, 0)
	pipe.Publish(ctx, s.updatesKey(sample.Channel), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write sample to redis: %w", err)
	}
	return nil
}

// ReadLatest returns the most recent sample of a channel.
func (s *FrameStore) ReadLatest(ctx context.Context, key domain.ChannelKey) (domain.Sample, error) {
	data, err := s.client.Get(ctx, s.latestKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return domain.Sample{}, fmt.Errorf("channel %s: %w", key, domain.ErrUndefined)
		}
		return domain.Sample{}, fmt.Errorf("failed to get from redis: %w", err)
	}

	var sample domain.Sample
	if err := unmarshal(data, &sample); err != nil {
		return domain.Sample{}, fmt.Errorf("failed to unmarshal sample: %w", err)
	}
	return sample, nil
}

// Subscribe streams samples of the given channels. It returns once Redis has
// confirmed the subscription, so no write issued after Subscribe returns is missed.
func (s *FrameStore) Subscribe(ctx context.Context, keys []domain.ChannelKey) (<-chan domain.Sample, ports.CancelFunc, error) {
	topics := make([]string, 0, len(keys))
	for _, key := range domain.SortedKeys(keys) {
		topics = append(topics, s.updatesKey(key))
	}

	pubsub := s.client.Subscribe(ctx, topics...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	sub := fanout.New(s.buffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}

	go func() {
		defer sub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				cancel()
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var sample domain.Sample
				if err := unmarshal([]byte(msg.Payload), &sample); err != nil {
					s.logger.Warn("discarding undecodable sample", "topic", msg.Channel, "err", err)
					continue
				}
				sub.Offer(sample)
			}
		}
	}()

	return sub.Out(), cancel, nil
}

// Close closes the redis client.
func (s *FrameStore) Close() error {
	return s.client.Close()
}
