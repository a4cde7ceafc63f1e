package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aretw0/arbiter/pkg/control"
	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/aretw0/arbiter/pkg/ports"
)

// Session is a named set of control claims plus a live view of the read channels.
// All methods are safe for concurrent use.
type Session struct {
	id        string
	name      string
	manager   *Manager
	writeKeys []domain.ChannelKey
	readKeys  []domain.ChannelKey
	read      map[domain.ChannelKey]struct{}

	// Populated during Acquire, read-only afterwards.
	gates map[domain.ChannelKey]*control.Gate

	mu     sync.Mutex
	latest map[domain.ChannelKey]domain.Sample
	signal chan struct{} // closed and replaced on every update
	closed bool

	done      chan struct{}
	closeOnce sync.Once
	stop      ports.CancelFunc
	pumpDone  chan struct{}
}

// Info summarizes a session.
type Info struct {
	ID    string              `json:"id"`
	Name  string              `json:"name"`
	Write []domain.ChannelKey `json:"write"`
	Read  []domain.ChannelKey `json:"read"`
	Gates []domain.GateInfo   `json:"gates"`
}

func newSession(m *Manager, cfg Config) *Session {
	id := newID()
	name := cfg.Name
	if name == "" {
		name = "session-" + id[:8]
	}
	s := &Session{
		id:        id,
		name:      name,
		manager:   m,
		writeKeys: domain.SortedKeys(cfg.Write),
		readKeys:  domain.SortedKeys(cfg.Read),
		read:      make(map[domain.ChannelKey]struct{}, len(cfg.Read)),
		gates:     make(map[domain.ChannelKey]*control.Gate, len(cfg.Write)),
		latest:    make(map[domain.ChannelKey]domain.Sample),
		signal:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, key := range s.readKeys {
		s.read[key] = struct{}{}
	}
	return s
}

// observe subscribes to the read set and seeds the cache with the latest stored samples.
// The subscription is opened first so no update between the two steps is missed.
func (s *Session) observe(ctx context.Context) error {
	if len(s.readKeys) == 0 {
		return nil
	}
	updates, stop, err := s.manager.frames.Subscribe(context.WithoutCancel(ctx), s.readKeys)
	if err != nil {
		return fmt.Errorf("subscribe read channels: %w", err)
	}
	s.stop = stop
	s.pumpDone = make(chan struct{})
	go s.pump(updates)

	for _, key := range s.readKeys {
		sample, err := s.manager.frames.ReadLatest(ctx, key)
		if errors.Is(err, domain.ErrUndefined) {
			continue
		}
		if err != nil {
			stop()
			return fmt.Errorf("read latest %s: %w", key, err)
		}
		s.observeSample(sample)
	}
	return nil
}

func (s *Session) pump(updates <-chan domain.Sample) {
	defer close(s.pumpDone)
	for sample := range updates {
		s.observeSample(sample)
	}
}

func (s *Session) observeSample(sample domain.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if prev, ok := s.latest[sample.Channel]; ok && prev.Timestamp.After(sample.Timestamp) {
		return
	}
	s.latest[sample.Channel] = sample
	s.broadcastLocked()
}

// notify wakes every waiter so predicates are re-evaluated.
func (s *Session) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastLocked()
}

func (s *Session) broadcastLocked() {
	close(s.signal)
	s.signal = make(chan struct{})
}

// ID returns the unique session identifier.
func (s *Session) ID() string { return s.id }

// Name returns the session name used as the subject of its gates.
func (s *Session) Name() string { return s.name }

// Get returns the latest observed value of a read channel.
func (s *Session) Get(key domain.ChannelKey) (float64, error) {
	sample, err := s.Sample(key)
	if err != nil {
		return 0, err
	}
	return sample.Value, nil
}

// Sample returns the latest observed sample of a read channel.
func (s *Session) Sample(key domain.ChannelKey) (domain.Sample, error) {
	if _, ok := s.read[key]; !ok {
		return domain.Sample{}, fmt.Errorf("%w: channel %s is not in the read set", domain.ErrValidation, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.Sample{}, domain.ErrSessionClosed
	}
	sample, ok := s.latest[key]
	if !ok {
		return domain.Sample{}, fmt.Errorf("channel %s: %w", key, domain.ErrUndefined)
	}
	return sample, nil
}

// Set writes v to a write channel if this session currently controls it.
// A write from a session without control is dropped and Set returns nil.
func (s *Session) Set(ctx context.Context, key domain.ChannelKey, v float64) error {
	_, err := s.Write(ctx, key, v)
	return err
}

// Write is Set that also reports whether the value was accepted.
func (s *Session) Write(ctx context.Context, key domain.ChannelKey, v float64) (bool, error) {
	g, ok := s.gates[key]
	if !ok {
		return false, fmt.Errorf("%w: channel %s was not acquired for write", domain.ErrValidation, key)
	}
	return g.Write(ctx, v)
}

// SetMany applies several writes in canonical channel order. Every key is
// validated before anything is written.
func (s *Session) SetMany(ctx context.Context, values map[domain.ChannelKey]float64) error {
	_, err := s.WriteMany(ctx, values)
	return err
}

// WriteMany is SetMany that also reports, per channel, whether the value was accepted.
func (s *Session) WriteMany(ctx context.Context, values map[domain.ChannelKey]float64) (map[domain.ChannelKey]bool, error) {
	keys := make([]domain.ChannelKey, 0, len(values))
	for key := range values {
		if _, ok := s.gates[key]; !ok {
			return nil, fmt.Errorf("%w: channel %s was not acquired for write", domain.ErrValidation, key)
		}
		keys = append(keys, key)
	}
	accepted := make(map[domain.ChannelKey]bool, len(keys))
	var errs []error
	for _, key := range domain.SortedKeys(keys) {
		ok, err := s.gates[key].Write(ctx, values[key])
		if err != nil {
			errs = append(errs, err)
		}
		accepted[key] = ok
	}
	return accepted, errors.Join(errs...)
}

// SetAuthority changes the authority of every gate of the session.
func (s *Session) SetAuthority(ctx context.Context, a domain.Authority) {
	for _, key := range s.writeKeys {
		if g, ok := s.gates[key]; ok {
			g.SetAuthority(ctx, a)
		}
	}
}

// SetAuthorities changes the authority of some gates. Unknown keys fail validation
// before any gate is changed.
func (s *Session) SetAuthorities(ctx context.Context, authorities map[domain.ChannelKey]domain.Authority) error {
	keys := make([]domain.ChannelKey, 0, len(authorities))
	for key := range authorities {
		if _, ok := s.gates[key]; !ok {
			return fmt.Errorf("%w: channel %s was not acquired for write", domain.ErrValidation, key)
		}
		keys = append(keys, key)
	}
	for _, key := range domain.SortedKeys(keys) {
		s.gates[key].SetAuthority(ctx, authorities[key])
	}
	return nil
}

// State returns the arbitration state of the session's gate on key.
// Channels the session did not acquire report GateClosed.
func (s *Session) State(key domain.ChannelKey) domain.GateState {
	g, ok := s.gates[key]
	if !ok {
		return domain.GateClosed
	}
	return g.State()
}

// Authorized reports whether the session currently controls key.
func (s *Session) Authorized(key domain.ChannelKey) bool {
	return s.State(key) == domain.GateControlling
}

// WaitUntil blocks until pred returns true, the timeout elapses, ctx is done or the
// session is closed. pred is evaluated immediately and again after every update of
// the read set and every arbitration change on the session's gates.
// A timeout <= 0 waits without a deadline.
func (s *Session) WaitUntil(ctx context.Context, pred func(*Session) bool, timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		s.mu.Lock()
		signal, closed := s.signal, s.closed
		s.mu.Unlock()
		if closed || ctx.Err() != nil {
			return false
		}
		if pred(s) {
			return true
		}

		select {
		case <-signal:
		case <-s.done:
			return false
		case <-ctx.Done():
			return false
		case <-expired:
			return false
		}
	}
}

// WaitUntilDefined waits until every channel in keys has an observed value.
// Channels outside the read set can never be defined, so the wait fails at once.
func (s *Session) WaitUntilDefined(ctx context.Context, keys []domain.ChannelKey, timeout time.Duration) bool {
	for _, key := range keys {
		if _, ok := s.read[key]; !ok {
			return false
		}
	}
	return s.WaitUntil(ctx, func(s *Session) bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, key := range keys {
			if _, ok := s.latest[key]; !ok {
				return false
			}
		}
		return true
	}, timeout)
}

// Info returns a summary of the session and a snapshot of its gates.
func (s *Session) Info() Info {
	info := Info{
		ID:    s.id,
		Name:  s.name,
		Write: append([]domain.ChannelKey(nil), s.writeKeys...),
		Read:  append([]domain.ChannelKey(nil), s.readKeys...),
		Gates: make([]domain.GateInfo, 0, len(s.gates)),
	}
	for _, key := range s.writeKeys {
		if g, ok := s.gates[key]; ok {
			info.Gates = append(info.Gates, g.Info())
		}
	}
	return info
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close releases every gate and stops observing the read set. It is idempotent
// and safe to call concurrently with any other method.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.done)
		s.broadcastLocked()
		s.mu.Unlock()

		if s.stop != nil {
			s.stop()
			<-s.pumpDone
		}
		ctx := context.Background()
		for _, key := range s.writeKeys {
			if g, ok := s.gates[key]; ok {
				g.Close(ctx)
			}
		}
		s.manager.forget(s.id)
		s.manager.logger.Debug("session closed", "session_id", s.id, "subject", s.name)
	})
	return nil
}
