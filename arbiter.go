package arbiter

import (
	"context"
	"log/slog"
	"time"

	"github.com/aretw0/arbiter/internal/logging"
	"github.com/aretw0/arbiter/pkg/adapters/memory"
	"github.com/aretw0/arbiter/pkg/control"
	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/aretw0/arbiter/pkg/observability"
	"github.com/aretw0/arbiter/pkg/ports"
	"github.com/aretw0/arbiter/pkg/session"
)

// Manager is the high-level entry point of the library.
// It wires a controller registry, a session manager and the storage ports,
// and feeds control events into metrics, the audit log and any extra hooks.
type Manager struct {
	registry *control.Registry
	sessions *session.Manager

	frames   ports.FrameStore
	channels ports.ChannelRegistry
	audit    ports.AuditLog
	metrics  *observability.Metrics
	hooks    []domain.ControlHooks
	clock    func() time.Time
	logger   *slog.Logger
}

// Option defines a functional option for configuring the Manager.
type Option func(*Manager)

// WithFrameStore sets the storage that receives accepted writes (default: in-memory).
func WithFrameStore(frames ports.FrameStore) Option {
	return func(m *Manager) {
		m.frames = frames
	}
}

// WithChannelRegistry sets the channel catalogue used to validate sessions.
func WithChannelRegistry(channels ports.ChannelRegistry) Option {
	return func(m *Manager) {
		m.channels = channels
	}
}

// WithChannels declares the available channels in an in-memory catalogue.
func WithChannels(channels ...domain.Channel) Option {
	return func(m *Manager) {
		m.channels = memory.NewChannelRegistry(channels...)
	}
}

// WithAuditLog sets where closed regions and transfers are recorded (default: in-memory).
func WithAuditLog(audit ports.AuditLog) Option {
	return func(m *Manager) {
		m.audit = audit
	}
}

// WithMetrics sets the Prometheus collectors fed by the Manager.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithHooks registers additional control hooks. It may be given more than once.
func WithHooks(hooks domain.ControlHooks) Option {
	return func(m *Manager) {
		m.hooks = append(m.hooks, hooks)
	}
}

// WithClock overrides the time source of regions and samples.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.clock = now
	}
}

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New initializes a Manager. Unset ports default to in-memory adapters.
func New(opts ...Option) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = logging.NewNop()
	}
	if m.frames == nil {
		m.frames = memory.NewFrameStore()
	}
	if m.channels == nil {
		m.channels = memory.NewChannelRegistry()
	}
	if m.audit == nil {
		m.audit = memory.NewAuditLog()
	}
	if m.metrics == nil {
		m.metrics = observability.NewMetrics()
	}

	hooks := append([]domain.ControlHooks{
		m.metrics.Hooks(),
		observability.AuditHooks(m.audit, m.logger),
		observability.LoggingHooks(m.logger),
	}, m.hooks...)

	registryOpts := []control.Option{
		control.WithLogger(m.logger),
		control.WithHooks(domain.MergeHooks(hooks...)),
	}
	if m.clock != nil {
		registryOpts = append(registryOpts, control.WithClock(m.clock))
	}
	m.registry = control.NewRegistry(m.frames, registryOpts...)
	m.metrics.ObserveControllers(m.registry.Len)
	m.sessions = session.NewManager(m.registry, m.frames, m.channels, session.WithLogger(m.logger))
	return m
}

// Acquire opens a control session. See session.Manager.Acquire.
func (m *Manager) Acquire(ctx context.Context, cfg session.Config) (*session.Session, error) {
	return m.sessions.Acquire(ctx, cfg)
}

// Session returns a live session by ID.
func (m *Manager) Session(id string) (*session.Session, bool) {
	return m.sessions.Get(id)
}

// Sessions lists the live sessions.
func (m *Manager) Sessions() []session.Info {
	return m.sessions.List()
}

// Controllers returns the state of every channel with open gates.
func (m *Manager) Controllers() []control.ControllerState {
	return m.registry.Snapshot()
}

// Controller returns the state of one channel. ok is false when no gate is open on it.
func (m *Manager) Controller(key domain.ChannelKey) (control.ControllerState, bool) {
	c, ok := m.registry.Controller(key)
	if !ok {
		return control.ControllerState{}, false
	}
	st := c.State()
	return st, len(st.Gates) > 0
}

// ControllerCount returns the number of live controllers without touching any controller lock.
func (m *Manager) ControllerCount() int {
	return m.registry.Len()
}

// Regions returns the closed regions recorded for a channel.
func (m *Manager) Regions(ctx context.Context, key domain.ChannelKey) ([]domain.RegionRecord, error) {
	return m.audit.Regions(ctx, key)
}

// Latest returns the most recent stored sample of a channel.
func (m *Manager) Latest(ctx context.Context, key domain.ChannelKey) (domain.Sample, error) {
	return m.frames.ReadLatest(ctx, key)
}

// Metrics returns the collectors fed by the Manager.
func (m *Manager) Metrics() *observability.Metrics { return m.metrics }

// Registry exposes the controller registry for advanced callers.
func (m *Manager) Registry() *control.Registry { return m.registry }

// Shutdown closes every session and rejects new ones.
func (m *Manager) Shutdown(ctx context.Context) {
	m.sessions.CloseAll()
	m.registry.Shutdown(ctx)
	m.logger.Info("arbiter shut down")
}
