package control

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/arbiter/internal/logging"
	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/aretw0/arbiter/pkg/ports"
	"github.com/google/uuid"
)

// Registry maps channel keys to their Controllers.
//
// Lock ordering is registry -> controller on every path. The registry lock is
// only ever held briefly and is never acquired while a controller lock is held.
type Registry struct {
	frames ports.FrameStore

	mu          sync.Mutex // Guards controllers and closed
	controllers map[domain.ChannelKey]*Controller
	closed      bool

	hooks  domain.ControlHooks
	logger *slog.Logger
	now    func() time.Time

	// beforeRecheck runs between releasing the controller lock and re-checking
	// emptiness under the registry lock. Tests use it to force the open/close race.
	beforeRecheck func(domain.ChannelKey)
}

// Option configures the Registry.
type Option func(*Registry)

// WithLogger configures a logger for the Registry.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithHooks registers observability hooks.
func WithHooks(hooks domain.ControlHooks) Option {
	return func(r *Registry) {
		r.hooks = hooks
	}
}

// WithClock overrides the time source used for regions and samples.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a Registry whose gates forward accepted writes to frames.
func NewRegistry(frames ports.FrameStore, opts ...Option) *Registry {
	r := &Registry{
		frames:      frames,
		controllers: make(map[domain.ChannelKey]*Controller),
		logger:      logging.NewNop(), // Default to no-op
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// getOrCreate returns the live controller for key, creating it if needed.
// The registry lock is released before returning; no controller lock is taken here.
func (r *Registry) getOrCreate(key domain.ChannelKey) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, domain.ErrRegistryClosed
	}
	c, ok := r.controllers[key]
	if !ok {
		c = newController(key)
		r.controllers[key] = c
	}
	return c, nil
}

// OpenGate opens a claim on cfg.Channel and arbitrates it against the existing claims.
func (r *Registry) OpenGate(ctx context.Context, cfg GateConfig) (*Gate, error) {
	g := &Gate{
		id:       domain.GateID(uuid.NewString()),
		channel:  cfg.Channel,
		subject:  cfg.Subject,
		onChange: cfg.OnChange,
		registry: r,
	}

	for {
		c, err := r.getOrCreate(cfg.Channel)
		if err != nil {
			return nil, err
		}
		res, ok := c.addGate(g, cfg.Authority, r.now())
		if !ok {
			// Retired by a concurrent release after our lookup; the next
			// lookup creates or finds the live controller.
			continue
		}
		r.dispatch(ctx, res)
		break
	}

	// Shutdown may have collected gates before ours landed.
	if r.isClosed() {
		r.release(ctx, g)
		return nil, domain.ErrRegistryClosed
	}
	return g, nil
}

// release closes g and drops its controller if that left it empty.
func (r *Registry) release(ctx context.Context, g *Gate) {
	c := g.controller
	if c == nil {
		return
	}

	// Step 1: controller lock only.
	res, empty, ok := c.removeGate(g, r.now())
	if !ok {
		return
	}
	r.dispatch(ctx, res)
	if !empty {
		return
	}

	if r.beforeRecheck != nil {
		r.beforeRecheck(c.key)
	}

	// Step 2: registry -> controller, re-checking emptiness since an opener may
	// have added a gate after step 1 released the controller lock. The controller
	// lock may be held across a store write, so it is only tried while the registry
	// lock is held; when busy we wait on it alone and look again.
	for {
		r.mu.Lock()
		if current, exists := r.controllers[c.key]; !exists || current != c {
			r.mu.Unlock()
			return
		}
		if c.mu.TryLock() {
			if len(c.gates) == 0 {
				c.retired = true
				delete(r.controllers, c.key)
				r.logger.Debug("controller removed", "channel", c.key)
			}
			c.mu.Unlock()
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		c.mu.Lock()
		empty := len(c.gates) == 0 && !c.retired
		c.mu.Unlock()
		if !empty {
			// Whoever closes the remaining gates re-checks.
			return
		}
	}
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Controller returns the live controller of a channel, if any gate is open on it.
func (r *Registry) Controller(key domain.ChannelKey) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.controllers[key]
	return c, ok
}

// Len returns the number of live controllers. It only touches the registry lock
// and serves as the health probe.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}

// Snapshot returns the state of every live controller ordered by channel key.
func (r *Registry) Snapshot() []ControllerState {
	controllers := r.list()
	states := make([]ControllerState, 0, len(controllers))
	for _, c := range controllers {
		st := c.State()
		if len(st.Gates) == 0 {
			continue // emptied after list(), about to be removed
		}
		states = append(states, st)
	}
	return states
}

// list copies the controllers under the registry lock so that callers can take
// controller locks afterwards without nesting.
func (r *Registry) list() []*Controller {
	r.mu.Lock()
	out := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		out = append(out, c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// Shutdown rejects new gates and closes every open gate. It is idempotent.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	var open []*Gate
	for _, c := range r.list() {
		c.mu.Lock()
		for _, g := range c.gates {
			open = append(open, g)
		}
		c.mu.Unlock()
	}
	for _, g := range open {
		r.release(ctx, g)
	}
	r.logger.Info("controller registry shut down", "closed_gates", len(open))
}

// dispatch delivers the outcome of an arbitration pass. It must run with no lock held.
func (r *Registry) dispatch(ctx context.Context, res recompute) {
	if res.opened != nil {
		r.logger.Debug("gate opened",
			"channel", res.channel,
			"gate_id", res.opened.ID,
			"subject", res.opened.Subject,
			"authority", res.opened.Authority,
		)
		if r.hooks.OnGateOpen != nil {
			r.hooks.OnGateOpen(ctx, &domain.GateEvent{
				EventBase: domain.EventBase{Timestamp: res.at, Type: domain.EventGateOpen},
				Gate:      *res.opened,
			})
		}
	}
	if res.closed != nil {
		r.logger.Debug("gate closed", "channel", res.channel, "gate_id", res.closed.ID)
		if r.hooks.OnGateClose != nil {
			r.hooks.OnGateClose(ctx, &domain.GateEvent{
				EventBase: domain.EventBase{Timestamp: res.at, Type: domain.EventGateClose},
				Gate:      *res.closed,
			})
		}
	}
	if res.transferred() {
		attrs := []any{"channel", res.channel}
		if res.from != nil {
			attrs = append(attrs, "from", res.from.Subject)
		}
		if res.to != nil {
			attrs = append(attrs, "to", res.to.Subject, "authority", res.to.Authority)
		}
		r.logger.Debug("control transferred", attrs...)
		if r.hooks.OnTransfer != nil {
			r.hooks.OnTransfer(ctx, &domain.Transfer{
				EventBase: domain.EventBase{Timestamp: res.at, Type: domain.EventTransfer},
				Channel:   res.channel,
				From:      res.from,
				To:        res.to,
			})
		}
	}
	for i, g := range res.changed {
		if g.onChange != nil {
			g.onChange(res.infos[i])
		}
	}
}

func (r *Registry) emitWrite(ctx context.Context, info domain.GateInfo, value float64, accepted bool) {
	if r.hooks.OnWrite == nil {
		return
	}
	r.hooks.OnWrite(ctx, &domain.WriteEvent{
		EventBase: domain.EventBase{Timestamp: r.now(), Type: domain.EventWrite},
		Gate:      info,
		Value:     value,
		Accepted:  accepted,
	})
}
