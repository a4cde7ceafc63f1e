package session_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/arbiter/pkg/adapters/memory"
	"github.com/aretw0/arbiter/pkg/control"
	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/aretw0/arbiter/pkg/ports"
	"github.com/aretw0/arbiter/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	setpoint domain.ChannelKey = "setpoint"
	valve    domain.ChannelKey = "valve"
	flow     domain.ChannelKey = "flow"
)

type fixture struct {
	frames   *memory.FrameStore
	registry *control.Registry
	manager  *session.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	frames := memory.NewFrameStore()
	channels := memory.NewChannelRegistry(
		domain.PersistedChannel{Name: setpoint},
		domain.VirtualChannel{Name: valve},
		domain.CalculatedChannel{Name: flow},
	)
	registry := control.NewRegistry(frames)
	t.Cleanup(func() { registry.Shutdown(context.Background()) })
	return &fixture{
		frames:   frames,
		registry: registry,
		manager:  session.NewManager(registry, frames, channels),
	}
}

func (f *fixture) acquire(t *testing.T, name string, authority domain.Authority, write ...domain.ChannelKey) *session.Session {
	t.Helper()
	s, err := f.manager.Acquire(context.Background(), session.Config{
		Name:        name,
		Authorities: []domain.Authority{authority},
		Write:       write,
		Read:        []domain.ChannelKey{setpoint, valve, flow},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAcquire_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		cfg  session.Config
	}{
		{"Authority Count Mismatch", session.Config{
			Authorities: []domain.Authority{1, 2, 3},
			Write:       []domain.ChannelKey{setpoint, valve},
		}},
		{"Unknown Write Channel", session.Config{Write: []domain.ChannelKey{"nope"}}},
		{"Unknown Read Channel", session.Config{Read: []domain.ChannelKey{"nope"}}},
		{"Calculated Channel Is Not Writable", session.Config{Write: []domain.ChannelKey{flow}}},
		{"Duplicate Write Channel", session.Config{Write: []domain.ChannelKey{valve, valve}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.Acquire(ctx, tt.cfg)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	t.Run("Per Channel Authorities", func(t *testing.T) {
		s, err := f.manager.Acquire(ctx, session.Config{
			Name:        "per-channel",
			Authorities: []domain.Authority{10, 20},
			Write:       []domain.ChannelKey{valve, setpoint},
		})
		require.NoError(t, err)
		defer s.Close()

		info := s.Info()
		require.Len(t, info.Gates, 2)
		// Gates are reported in canonical order.
		assert.Equal(t, setpoint, info.Gates[0].Channel)
		assert.Equal(t, domain.Authority(20), info.Gates[0].Authority)
		assert.Equal(t, domain.Authority(10), info.Gates[1].Authority)
	})

	t.Run("Default Authority Is Absolute", func(t *testing.T) {
		s, err := f.manager.Acquire(ctx, session.Config{Write: []domain.ChannelKey{valve}})
		require.NoError(t, err)
		defer s.Close()
		assert.Equal(t, domain.AuthorityAbsolute, s.Info().Gates[0].Authority)
		assert.NotEmpty(t, s.Name())
	})

	assert.Zero(t, f.manager.Len(), "failed acquisitions must not leak sessions")
	assert.Zero(t, f.registry.Len(), "failed acquisitions must not leak gates")
}

func TestSession_PriorityCorrectness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.acquire(t, "operator", 100, setpoint)
	require.True(t, a.Authorized(setpoint))
	require.NoError(t, a.Set(ctx, setpoint, 1))

	b := f.acquire(t, "auto", 200, setpoint)
	assert.True(t, b.Authorized(setpoint))
	assert.Equal(t, domain.GateSubordinate, a.State(setpoint))

	// A's write is dropped silently while B controls.
	require.NoError(t, a.Set(ctx, setpoint, 2))
	require.NoError(t, b.Set(ctx, setpoint, 3))
	latest, err := f.frames.ReadLatest(ctx, setpoint)
	require.NoError(t, err)
	assert.Equal(t, 3.0, latest.Value)

	// Closing B hands control back to A.
	require.NoError(t, b.Close())
	assert.True(t, a.Authorized(setpoint))
	require.NoError(t, a.Set(ctx, setpoint, 4))
	latest, err = f.frames.ReadLatest(ctx, setpoint)
	require.NoError(t, err)
	assert.Equal(t, 4.0, latest.Value)
}

func TestSession_AbsoluteControl(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	abs := f.acquire(t, "emergency", domain.AuthorityAbsolute, valve)
	others := []*session.Session{
		f.acquire(t, "low", 0, valve),
		f.acquire(t, "high", 254, valve),
	}
	assert.True(t, abs.Authorized(valve))
	for _, o := range others {
		accepted, err := o.Write(ctx, valve, 9)
		require.NoError(t, err)
		assert.False(t, accepted, "%s must not write over an absolute gate", o.Name())
	}

	// Equal absolute authority never preempts the incumbent.
	rival := f.acquire(t, "rival", domain.AuthorityAbsolute, valve)
	assert.True(t, abs.Authorized(valve))
	assert.False(t, rival.Authorized(valve))
}

func TestSession_DynamicPromotion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.acquire(t, "a", 100, setpoint)
	b := f.acquire(t, "b", 50, setpoint)
	require.True(t, a.Authorized(setpoint))

	b.SetAuthority(ctx, 150)
	assert.True(t, b.Authorized(setpoint))
	assert.False(t, a.Authorized(setpoint))

	st, ok := f.registry.Controller(setpoint)
	require.True(t, ok)
	controlling := 0
	for _, g := range st.State().Gates {
		if g.State == domain.GateControlling {
			controlling++
		}
	}
	assert.Equal(t, 1, controlling)

	require.NoError(t, a.SetAuthorities(ctx, map[domain.ChannelKey]domain.Authority{setpoint: 151}))
	assert.True(t, a.Authorized(setpoint))

	err := a.SetAuthorities(ctx, map[domain.ChannelKey]domain.Authority{valve: 1})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSession_GetAndWait(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	writer := f.acquire(t, "writer", 10, setpoint)
	reader := f.acquire(t, "reader", 5)

	_, err := reader.Get(setpoint)
	assert.ErrorIs(t, err, domain.ErrUndefined)

	_, err = reader.Get("unknown")
	assert.ErrorIs(t, err, domain.ErrValidation)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = writer.Set(ctx, setpoint, 12.5)
	}()
	require.True(t, reader.WaitUntilDefined(ctx, []domain.ChannelKey{setpoint}, 2*time.Second))

	v, err := reader.Get(setpoint)
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)

	ok := reader.WaitUntil(ctx, func(s *session.Session) bool {
		v, err := s.Get(setpoint)
		return err == nil && v > 100
	}, 50*time.Millisecond)
	assert.False(t, ok, "timeout returns false")

	assert.False(t, reader.WaitUntilDefined(ctx, []domain.ChannelKey{"elsewhere"}, time.Second))
}

func TestSession_SeededFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.frames.Write(ctx, domain.Sample{Channel: valve, Value: 0.5, Timestamp: time.Now()}))

	s := f.acquire(t, "late", 1)
	v, err := s.Get(valve)
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)
}

func TestSession_WaitForControl(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	holder := f.acquire(t, "holder", 200, valve)
	waiter := f.acquire(t, "waiter", 100, valve)
	require.False(t, waiter.Authorized(valve))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = holder.Close()
	}()
	ok := waiter.WaitUntil(ctx, func(s *session.Session) bool { return s.Authorized(valve) }, 2*time.Second)
	assert.True(t, ok, "closing the holder should wake the waiter")
}

func TestSession_CloseWakesWaiters(t *testing.T) {
	f := newFixture(t)
	s := f.acquire(t, "closing", 1, valve)

	result := make(chan bool, 1)
	go func() {
		result <- s.WaitUntil(context.Background(), func(*session.Session) bool { return false }, 0)
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not observe close")
	}
}

func TestSession_ContextCancelsWait(t *testing.T) {
	f := newFixture(t)
	s := f.acquire(t, "cancel", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.False(t, s.WaitUntil(ctx, func(*session.Session) bool { return false }, 0))
}

func TestSession_IdempotentClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.acquire(t, "twice", 1, setpoint, valve)
	id := s.ID()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Close())
		}()
	}
	wg.Wait()

	assert.Equal(t, domain.GateClosed, s.State(setpoint))
	assert.Zero(t, f.registry.Len())
	_, found := f.manager.Get(id)
	assert.False(t, found)

	// Writes after close are a silent no-op; reads report closure.
	assert.NoError(t, s.Set(ctx, setpoint, 1))
	_, err := s.Get(setpoint)
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

func TestSession_SetMany(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.acquire(t, "batch", 1, setpoint, valve)

	err := s.SetMany(ctx, map[domain.ChannelKey]float64{setpoint: 1, flow: 2})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.frames.ReadLatest(ctx, setpoint)
	assert.ErrorIs(t, err, domain.ErrUndefined, "nothing is written when validation fails")

	require.NoError(t, s.SetMany(ctx, map[domain.ChannelKey]float64{setpoint: 1, valve: 2}))
	require.True(t, s.WaitUntilDefined(ctx, []domain.ChannelKey{setpoint, valve}, 2*time.Second))
}

func TestSession_SingleWinnerUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	var violations atomic.Int32
	sessions := make([]*session.Session, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.manager.Acquire(ctx, session.Config{
				Name:        "racer",
				Authorities: []domain.Authority{domain.Authority(i % 4)},
				Write:       []domain.ChannelKey{valve},
			})
			if !assert.NoError(t, err) {
				return
			}
			sessions[i] = s
			for j := 0; j < 20; j++ {
				s.SetAuthority(ctx, domain.Authority((i+j)%5))
				if c, ok := f.registry.Controller(valve); ok {
					count := 0
					for _, g := range c.State().Gates {
						if g.State == domain.GateControlling {
							count++
						}
					}
					if count > 1 {
						violations.Add(1)
					}
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, violations.Load(), "never more than one controlling gate")

	c, ok := f.registry.Controller(valve)
	require.True(t, ok)
	st := c.State()
	require.NotNil(t, st.Winner)
	for _, g := range st.Gates {
		assert.LessOrEqual(t, g.Authority, st.Winner.Authority, "winner holds the maximum authority")
	}

	for _, s := range sessions {
		if s != nil {
			_ = s.Close()
		}
	}
	assert.Zero(t, f.registry.Len())
}

// stalledFrames holds every subscription back until release is closed, as a
// reader that is busy elsewhere would.
type stalledFrames struct {
	*memory.FrameStore
	release chan struct{}
}

func (s *stalledFrames) Subscribe(ctx context.Context, keys []domain.ChannelKey) (<-chan domain.Sample, ports.CancelFunc, error) {
	updates, stop, err := s.FrameStore.Subscribe(ctx, keys)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan domain.Sample)
	go func() {
		defer close(out)
		<-s.release
		for sample := range updates {
			out <- sample
		}
	}()
	return out, stop, nil
}

func TestSession_SlowReaderSeesNewestValue(t *testing.T) {
	ctx := context.Background()
	frames := &stalledFrames{FrameStore: memory.NewFrameStore(), release: make(chan struct{})}
	channels := memory.NewChannelRegistry(domain.PersistedChannel{Name: setpoint})
	registry := control.NewRegistry(frames)
	t.Cleanup(func() { registry.Shutdown(ctx) })
	manager := session.NewManager(registry, frames, channels)

	writer, err := manager.Acquire(ctx, session.Config{Name: "writer", Write: []domain.ChannelKey{setpoint}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })
	reader, err := manager.Acquire(ctx, session.Config{Name: "reader", Read: []domain.ChannelKey{setpoint}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })

	total := memory.DefaultSubscriberBuffer * 3
	for i := 0; i < total; i++ {
		require.NoError(t, writer.Set(ctx, setpoint, float64(i)))
	}
	close(frames.release)

	last := float64(total - 1)
	ok := reader.WaitUntil(ctx, func(s *session.Session) bool {
		v, err := s.Get(setpoint)
		return err == nil && v == last
	}, 2*time.Second)
	v, _ := reader.Get(setpoint)
	assert.True(t, ok, "reader stuck at %v, store holds %v", v, last)
}

func TestManager_CloseAllRejectsAcquire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	live := f.acquire(t, "live", 1, valve)

	f.manager.CloseAll()
	f.manager.CloseAll()
	assert.Equal(t, domain.GateClosed, live.State(valve))
	assert.Zero(t, f.manager.Len())

	// A read-only session opens no gate, so only the manager can refuse it.
	_, err := f.manager.Acquire(ctx, session.Config{Name: "late", Read: []domain.ChannelKey{setpoint}})
	assert.ErrorIs(t, err, domain.ErrRegistryClosed)
	_, err = f.manager.Acquire(ctx, session.Config{Name: "late-writer", Write: []domain.ChannelKey{valve}})
	assert.ErrorIs(t, err, domain.ErrRegistryClosed)
	assert.Zero(t, f.manager.Len())
}
