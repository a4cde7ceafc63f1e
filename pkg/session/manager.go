package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/aretw0/arbiter/internal/logging"
	"github.com/aretw0/arbiter/pkg/control"
	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/aretw0/arbiter/pkg/ports"
	"github.com/google/uuid"
)

// Config describes the channels a session claims and observes.
type Config struct {
	Name string
	// Authorities is empty (absolute on every write channel), a single value
	// applied to every write channel, or one value per write channel in order.
	Authorities []domain.Authority
	Write       []domain.ChannelKey
	Read        []domain.ChannelKey
}

// Manager creates sessions and keeps track of the live ones.
type Manager struct {
	registry *control.Registry
	frames   ports.FrameStore
	channels ports.ChannelRegistry
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// Option configures the Manager.
type Option func(*Manager)

// WithLogger configures a logger for the Manager and its sessions.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a session manager over a shared controller registry.
func NewManager(registry *control.Registry, frames ports.FrameStore, channels ports.ChannelRegistry, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		frames:   frames,
		channels: channels,
		logger:   logging.NewNop(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire validates cfg, opens one gate per write channel in canonical order and
// starts observing the read channels.
// After CloseAll it fails with domain.ErrRegistryClosed.
func (m *Manager) Acquire(ctx context.Context, cfg Config) (*Session, error) {
	if m.isClosed() {
		return nil, domain.ErrRegistryClosed
	}
	authorities, err := m.validate(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := newSession(m, cfg)
	if err := s.observe(ctx); err != nil {
		return nil, err
	}

	for _, key := range s.writeKeys {
		g, err := m.registry.OpenGate(ctx, control.GateConfig{
			Channel:   key,
			Authority: authorities[key],
			Subject:   s.name,
			OnChange:  func(domain.GateInfo) { s.notify() },
		})
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open gate on %s: %w", key, err)
		}
		s.gates[key] = g
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = s.Close()
		return nil, domain.ErrRegistryClosed
	}
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.logger.Debug("session acquired", "session_id", s.id, "subject", s.name,
		"write", len(s.writeKeys), "read", len(s.readKeys))
	return s, nil
}

func (m *Manager) validate(ctx context.Context, cfg Config) (map[domain.ChannelKey]domain.Authority, error) {
	seen := make(map[domain.ChannelKey]struct{}, len(cfg.Write))
	for _, key := range cfg.Write {
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: channel %s listed twice for write", domain.ErrValidation, key)
		}
		seen[key] = struct{}{}
	}

	authorities := make(map[domain.ChannelKey]domain.Authority, len(cfg.Write))
	switch n := len(cfg.Authorities); {
	case n == 0:
		for _, key := range cfg.Write {
			authorities[key] = domain.AuthorityAbsolute
		}
	case n == 1:
		for _, key := range cfg.Write {
			authorities[key] = cfg.Authorities[0]
		}
	case n == len(cfg.Write):
		for i, key := range cfg.Write {
			authorities[key] = cfg.Authorities[i]
		}
	default:
		return nil, fmt.Errorf("%w: %d authorities for %d write channels", domain.ErrValidation, n, len(cfg.Write))
	}

	for _, key := range cfg.Write {
		exists, err := m.channels.Exists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("lookup channel %s: %w", key, err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s: %w", domain.ErrValidation, key, domain.ErrChannelNotFound)
		}
		writable, err := m.channels.IsWritable(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("lookup channel %s: %w", key, err)
		}
		if !writable {
			return nil, fmt.Errorf("%w: channel %s is not writable", domain.ErrValidation, key)
		}
	}
	for _, key := range cfg.Read {
		exists, err := m.channels.Exists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("lookup channel %s: %w", key, err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s: %w", domain.ErrValidation, key, domain.ErrChannelNotFound)
		}
	}
	return authorities, nil
}

// Get returns a live session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns a summary of every live session ordered by name, then ID.
func (m *Manager) List() []Info {
	m.mu.RLock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(live))
	for _, s := range live {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll closes every live session and rejects new ones. It is idempotent.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		_ = s.Close()
	}
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func newID() string { return uuid.NewString() }
