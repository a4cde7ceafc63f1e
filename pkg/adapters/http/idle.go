package http

import (
	"context"
	"sync"
	"time"
)

// idleSessions tracks the last request seen for each session created over HTTP.
type idleSessions struct {
	timeout time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func newIdleSessions(timeout time.Duration) *idleSessions {
	return &idleSessions{timeout: timeout, seen: make(map[string]time.Time)}
}

func (t *idleSessions) touch(id string, now time.Time) {
	t.mu.Lock()
	t.seen[id] = now
	t.mu.Unlock()
}

// refresh updates a tracked session. Sessions not created over HTTP stay untracked.
func (t *idleSessions) refresh(id string, now time.Time) {
	t.mu.Lock()
	if _, ok := t.seen[id]; ok {
		t.seen[id] = now
	}
	t.mu.Unlock()
}

func (t *idleSessions) forget(id string) {
	t.mu.Lock()
	delete(t.seen, id)
	t.mu.Unlock()
}

// expired removes and returns the sessions idle for longer than the timeout.
func (t *idleSessions) expired(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id, last := range t.seen {
		if now.Sub(last) > t.timeout {
			out = append(out, id)
			delete(t.seen, id)
		}
	}
	return out
}

// ReapIdle closes the HTTP sessions that received no request for longer than the
// idle timeout, as of now. It returns how many were closed.
func (s *Server) ReapIdle(now time.Time) int {
	if s.idle == nil {
		return 0
	}
	closed := 0
	for _, id := range s.idle.expired(now) {
		sess, ok := s.Arbiter.Session(id)
		if !ok {
			continue
		}
		_ = sess.Close()
		closed++
		s.logger.Info("closed idle session", "session_id", id, "subject", sess.Name(), "idle_timeout", s.idle.timeout)
	}
	return closed
}

// RunReaper calls ReapIdle periodically until ctx is done. Without an idle
// timeout it returns immediately.
func (s *Server) RunReaper(ctx context.Context) {
	if s.idle == nil {
		return
	}
	interval := s.idle.timeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.ReapIdle(now)
		}
	}
}
