/*
Package arbiter decides which of several concurrent clients may command a shared channel.

Every client that wants to write a channel opens a gate on it with a numeric
authority (0 to 255). For each channel a controller elects a single winner: the
gate with the highest authority, keeping the incumbent on ties and otherwise
preferring the earliest opened gate. Only the winner's writes are forwarded to
the frame store; everybody else's are dropped and reported as such.

# Concept

  - Channel: a named value stream. Persisted and virtual channels are writable, calculated ones are read-only.
  - Gate: one claim over one channel, with its authority and the region of time it was valid for.
  - Controller: the per-channel arbitration over every open gate.
  - Session: what clients hold. It owns one gate per write channel and caches the latest sample of every observed channel.

Control changes are published through domain.ControlHooks after every lock is
released, which feeds metrics, the audit log and the HTTP event stream.

# Usage

	mgr := arbiter.New(arbiter.WithChannels(
		domain.PersistedChannel{Name: "valve"},
	))
	defer mgr.Shutdown(ctx)

	sess, err := mgr.Acquire(ctx, session.Config{
		Name:        "operator",
		Authorities: []domain.Authority{100},
		Write:       []domain.ChannelKey{"valve"},
	})
	if err != nil {
		log.Fatal(err)
	}
	defer sess.Close()

	if sess.WaitUntil(ctx, func(s *session.Session) bool { return s.Authorized("valve") }, time.Second) {
		_ = sess.Set(ctx, "valve", 0.5)
	}

The arbiter command serves the same Manager over HTTP (see cmd/arbiter).
*/
package arbiter
