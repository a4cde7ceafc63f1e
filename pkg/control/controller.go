package control

import (
	"sort"
	"sync"
	"time"

	"github.com/aretw0/arbiter/pkg/domain"
)

// Controller arbitrates the open gates of a single channel.
type Controller struct {
	key domain.ChannelKey

	mu      sync.Mutex
	gates   map[domain.GateID]*Gate
	winner  *Gate
	nextSeq uint64
	// retired is set when the registry drops this controller. A retired
	// controller accepts no new gates; openers retry against the registry.
	retired bool
}

// ControllerState is a point-in-time view of a controller.
type ControllerState struct {
	Channel domain.ChannelKey `json:"channel"`
	Winner  *domain.GateInfo  `json:"winner,omitempty"`
	Gates   []domain.GateInfo `json:"gates"`
}

// recompute is the outcome of one arbitration pass, dispatched after the lock is released.
type recompute struct {
	channel  domain.ChannelKey
	at       time.Time
	from, to *domain.GateInfo
	changed  []*Gate
	infos    []domain.GateInfo
	opened   *domain.GateInfo
	closed   *domain.GateInfo
}

func (r *recompute) transferred() bool {
	if r.from == nil || r.to == nil {
		return r.from != r.to
	}
	return r.from.ID != r.to.ID
}

func newController(key domain.ChannelKey) *Controller {
	return &Controller{
		key:   key,
		gates: make(map[domain.GateID]*Gate),
	}
}

// Channel returns the key of the channel this controller arbitrates.
func (c *Controller) Channel() domain.ChannelKey { return c.key }

// State returns a snapshot of every open gate and the current winner.
func (c *Controller) State() ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() ControllerState {
	st := ControllerState{Channel: c.key, Gates: make([]domain.GateInfo, 0, len(c.gates))}
	for _, g := range c.gates {
		st.Gates = append(st.Gates, g.infoLocked())
	}
	sort.Slice(st.Gates, func(i, j int) bool { return st.Gates[i].Sequence < st.Gates[j].Sequence })
	if c.winner != nil {
		w := c.winner.infoLocked()
		st.Winner = &w
	}
	return st
}

// Len returns the number of open gates.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.gates)
}

// addGate inserts g as Pending and arbitrates. It returns false if the
// controller was retired and the caller must look the channel up again.
func (c *Controller) addGate(g *Gate, authority domain.Authority, now time.Time) (recompute, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.retired {
		return recompute{}, false
	}
	c.nextSeq++
	g.controller = c
	g.seq = c.nextSeq
	g.authority = authority
	g.region = domain.OpenRegion(now)
	g.state = domain.GatePending
	c.gates[g.id] = g

	res := c.recomputeLocked(now)
	opened := g.infoLocked()
	res.opened = &opened
	return res, true
}

// removeGate closes g and drops it from the controller. empty reports whether the
// controller has no gates left. ok is false when g was already closed.
func (c *Controller) removeGate(g *Gate, now time.Time) (res recompute, empty bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if g.state == domain.GateClosed {
		return recompute{}, false, false
	}
	g.region.Close(now)
	g.state = domain.GateClosed
	delete(c.gates, g.id)

	res = c.recomputeLocked(now)
	closed := g.infoLocked()
	res.closed = &closed
	res.changed = append(res.changed, g)
	res.infos = append(res.infos, closed)
	return res, len(c.gates) == 0, true
}

// changeAuthority updates g's authority and arbitrates in the same critical section,
// so a promotion and the matching demotion are observed together.
func (c *Controller) changeAuthority(g *Gate, authority domain.Authority, now time.Time) recompute {
	c.mu.Lock()
	defer c.mu.Unlock()

	if g.state == domain.GateClosed || g.authority == authority {
		return recompute{}
	}
	g.authority = authority
	return c.recomputeLocked(now)
}

// recomputeLocked elects the winner among open gates: highest authority first;
// on a tie the incumbent keeps control, otherwise the earliest opened gate wins.
// Every open gate leaves this function either Controlling (the winner) or Subordinate.
func (c *Controller) recomputeLocked(now time.Time) recompute {
	prev := c.winner
	if prev != nil && prev.state == domain.GateClosed {
		prev = nil
	}

	var best *Gate
	for _, g := range c.gates {
		if best == nil || g.authority > best.authority ||
			(g.authority == best.authority && g.seq < best.seq) {
			best = g
		}
	}
	if prev != nil && best != nil && prev.authority == best.authority {
		best = prev
	}

	res := recompute{channel: c.key, at: now}
	if c.winner != nil {
		from := c.winner.infoLocked()
		res.from = &from
	}
	c.winner = best

	for _, g := range c.gates {
		next := domain.GateSubordinate
		if g == best {
			next = domain.GateControlling
		}
		if g.state != next {
			g.state = next
			res.changed = append(res.changed, g)
			res.infos = append(res.infos, g.infoLocked())
		}
	}
	if best != nil {
		to := best.infoLocked()
		res.to = &to
	}
	return res
}
