package control

import (
	"context"
	"fmt"

	"github.com/aretw0/arbiter/pkg/domain"
)

// GateConfig describes a claim to open on one channel.
type GateConfig struct {
	Channel   domain.ChannelKey
	Authority domain.Authority
	// Subject names the claimant (session name, operator, sequence).
	Subject string
	// OnChange is called with a snapshot every time arbitration changes the gate's
	// state. It runs outside every lock.
	OnChange func(domain.GateInfo)
}

// Gate is one claimant's control claim over one channel.
// Its mutable fields are guarded by the owning Controller's lock; the Gate has no lock of its own.
type Gate struct {
	id       domain.GateID
	channel  domain.ChannelKey
	subject  string
	onChange func(domain.GateInfo)
	registry *Registry

	// Set once by addGate before the gate is returned to its owner.
	controller *Controller

	// Guarded by controller.mu.
	seq       uint64
	authority domain.Authority
	region    domain.Region
	state     domain.GateState
}

// ID returns the gate identifier.
func (g *Gate) ID() domain.GateID { return g.id }

// Channel returns the channel the gate claims.
func (g *Gate) Channel() domain.ChannelKey { return g.channel }

// Subject returns the claimant name.
func (g *Gate) Subject() string { return g.subject }

// Info returns a consistent snapshot of the gate.
func (g *Gate) Info() domain.GateInfo {
	c := g.controller
	c.mu.Lock()
	defer c.mu.Unlock()
	return g.infoLocked()
}

// State returns the current arbitration state.
func (g *Gate) State() domain.GateState {
	c := g.controller
	c.mu.Lock()
	defer c.mu.Unlock()
	return g.state
}

// Authority returns the gate's current authority.
func (g *Gate) Authority() domain.Authority {
	c := g.controller
	c.mu.Lock()
	defer c.mu.Unlock()
	return g.authority
}

func (g *Gate) infoLocked() domain.GateInfo {
	return domain.GateInfo{
		ID:        g.id,
		Channel:   g.channel,
		Subject:   g.subject,
		Authority: g.authority,
		State:     g.state,
		Region:    g.region,
		Sequence:  g.seq,
	}
}

// Write forwards value to the frame store iff the gate is Controlling.
// It returns false, nil when the write is dropped because the gate does not hold control.
// The check and the forward happen under the controller lock, so a preempted gate
// can never land a write after its successor took over.
func (g *Gate) Write(ctx context.Context, value float64) (bool, error) {
	r := g.registry
	c := g.controller

	c.mu.Lock()
	info := g.infoLocked()
	if g.state != domain.GateControlling {
		c.mu.Unlock()
		r.emitWrite(ctx, info, value, false)
		return false, nil
	}
	sample := domain.Sample{Channel: g.channel, Value: value, Timestamp: r.now()}
	err := r.frames.Write(ctx, sample)
	c.mu.Unlock()

	if err != nil {
		return false, fmt.Errorf("write %s: %w", g.channel, err)
	}
	r.emitWrite(ctx, info, value, true)
	return true, nil
}

// SetAuthority changes the gate's authority and re-runs arbitration on its channel.
// Setting the authority of a closed gate is a no-op.
func (g *Gate) SetAuthority(ctx context.Context, authority domain.Authority) {
	res := g.controller.changeAuthority(g, authority, g.registry.now())
	g.registry.dispatch(ctx, res)
}

// Close releases the claim. It is idempotent.
func (g *Gate) Close(ctx context.Context) {
	g.registry.release(ctx, g)
}
