package http

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/arbiter/internal/logging"
	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/gobwas/glob"
)

// Event is the wire form of a control event on /events and /ws.
type Event struct {
	Type      domain.EventType  `json:"type"`
	Channel   domain.ChannelKey `json:"channel"`
	Timestamp time.Time         `json:"timestamp"`
	Gate      *domain.GateInfo  `json:"gate,omitempty"`
	From      *domain.GateInfo  `json:"from,omitempty"`
	To        *domain.GateInfo  `json:"to,omitempty"`
	Value     *float64          `json:"value,omitempty"`
	Accepted  *bool             `json:"accepted,omitempty"`
}

// allChannels is the topic of subscribers that want every event.
const allChannels domain.ChannelKey = ""

// StreamManager fans control events out to SSE and WebSocket clients.
type StreamManager struct {
	mu          sync.RWMutex
	subscribers map[domain.ChannelKey]map[chan Event]struct{} // channel -> set of client queues
	patterns    map[chan Event]glob.Glob
	buffer      int
	logger      *slog.Logger
}

// NewStreamManager creates an empty StreamManager.
func NewStreamManager(logger *slog.Logger) *StreamManager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &StreamManager{
		subscribers: make(map[domain.ChannelKey]map[chan Event]struct{}),
		patterns:    make(map[chan Event]glob.Glob),
		buffer:      32,
		logger:      logger,
	}
}

// Subscribe registers a client for the events of one channel, or of every channel
// when key is empty. The returned function unsubscribes and closes the queue.
func (sm *StreamManager) Subscribe(key domain.ChannelKey) (<-chan Event, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan Event, sm.buffer)
	if _, ok := sm.subscribers[key]; !ok {
		sm.subscribers[key] = make(map[chan Event]struct{})
	}
	sm.subscribers[key][ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			sm.mu.Lock()
			defer sm.mu.Unlock()
			if subs, ok := sm.subscribers[key]; ok {
				delete(subs, ch)
				close(ch)
				if len(subs) == 0 {
					delete(sm.subscribers, key)
				}
			}
		})
	}
}

// IsPattern reports whether a channel filter uses glob syntax.
func IsPattern(filter string) bool {
	return strings.ContainsAny(filter, "*?[{")
}

// SubscribePattern registers a client for every channel matching a glob such as
// "valve-*" or "{flow,pressure}". Channel keys use '.' as the separator.
func (sm *StreamManager) SubscribePattern(pattern string) (<-chan Event, func(), error) {
	g, err := glob.Compile(pattern, '.')
	if err != nil {
		return nil, nil, fmt.Errorf("%w: channel pattern %q: %w", domain.ErrValidation, pattern, err)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	ch := make(chan Event, sm.buffer)
	sm.patterns[ch] = g

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			sm.mu.Lock()
			defer sm.mu.Unlock()
			delete(sm.patterns, ch)
			close(ch)
		})
	}, nil
}

// Broadcast delivers ev to the subscribers of its channel and to catch-all subscribers.
// Slow clients lose events instead of blocking the publisher.
func (sm *StreamManager) Broadcast(ev Event) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for _, key := range []domain.ChannelKey{ev.Channel, allChannels} {
		for ch := range sm.subscribers[key] {
			sm.deliver(ch, ev)
		}
		if ev.Channel == allChannels {
			break
		}
	}
	for ch, g := range sm.patterns {
		if g.Match(string(ev.Channel)) {
			sm.deliver(ch, ev)
		}
	}
}

func (sm *StreamManager) deliver(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
		sm.logger.Warn("stream: client buffer full, dropping event", "channel", ev.Channel, "type", ev.Type)
	}
}

// Len returns the number of connected clients.
func (sm *StreamManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	n := len(sm.patterns)
	for _, subs := range sm.subscribers {
		n += len(subs)
	}
	return n
}

// subscribe picks an exact or a pattern subscription for an HTTP ?channel= filter.
func (sm *StreamManager) subscribe(filter string) (<-chan Event, func(), error) {
	if IsPattern(filter) {
		return sm.SubscribePattern(filter)
	}
	events, cancel := sm.Subscribe(domain.ChannelKey(filter))
	return events, cancel, nil
}

// Hooks publishes every control event to the stream.
func (sm *StreamManager) Hooks() domain.ControlHooks {
	return domain.ControlHooks{
		OnGateOpen: func(_ context.Context, e *domain.GateEvent) {
			gate := e.Gate
			sm.Broadcast(Event{Type: e.Type, Channel: gate.Channel, Timestamp: e.Timestamp, Gate: &gate})
		},
		OnGateClose: func(_ context.Context, e *domain.GateEvent) {
			gate := e.Gate
			sm.Broadcast(Event{Type: e.Type, Channel: gate.Channel, Timestamp: e.Timestamp, Gate: &gate})
		},
		OnTransfer: func(_ context.Context, e *domain.Transfer) {
			sm.Broadcast(Event{Type: e.Type, Channel: e.Channel, Timestamp: e.Timestamp, From: e.From, To: e.To})
		},
		OnWrite: func(_ context.Context, e *domain.WriteEvent) {
			gate, value, accepted := e.Gate, e.Value, e.Accepted
			sm.Broadcast(Event{Type: e.Type, Channel: gate.Channel, Timestamp: e.Timestamp, Gate: &gate, Value: &value, Accepted: &accepted})
		},
	}
}
