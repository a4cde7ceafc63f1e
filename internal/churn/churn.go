// Package churn drives concurrent open/write/close cycles against an arbiter
// while probing it for responsiveness. It is the deadlock regression load.
package churn

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/aretw0/arbiter/internal/logging"
	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/aretw0/arbiter/pkg/session"
	"github.com/sourcegraph/conc"
)

// Target is what the churn runner exercises.
type Target interface {
	Acquire(ctx context.Context, cfg session.Config) (*session.Session, error)
	ControllerCount() int
}

// Config controls the load.
type Config struct {
	Workers  int
	Rate     float64 // cycles per second per worker
	Duration time.Duration
	Channels []domain.ChannelKey

	ProbeInterval time.Duration
	// MaxProbeLatency is the responsiveness bound; it also bounds how long
	// workers may take to stop once the run ends.
	MaxProbeLatency time.Duration
	Logger          *slog.Logger
}

// Report summarizes a run.
type Report struct {
	Cycles          int64         `json:"cycles"`
	Accepted        int64         `json:"accepted"`
	Dropped         int64         `json:"dropped"`
	Errors          int64         `json:"errors"`
	Probes          int           `json:"probes"`
	MaxProbeLatency time.Duration `json:"max_probe_latency"`
	Stalled         bool          `json:"stalled"`
}

// OK reports whether the run met the responsiveness bound without errors.
func (r Report) OK(bound time.Duration) bool {
	return !r.Stalled && r.Errors == 0 && r.MaxProbeLatency < bound
}

func (c *Config) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = 20
	}
	if c.Rate <= 0 {
		c.Rate = 100
	}
	if c.Duration <= 0 {
		c.Duration = 10 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 200 * time.Millisecond
	}
	if c.MaxProbeLatency <= 0 {
		c.MaxProbeLatency = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.NewNop()
	}
}

// Run executes the load and returns once every worker has stopped or the stop
// grace period has elapsed.
func Run(ctx context.Context, target Target, cfg Config) (Report, error) {
	cfg.withDefaults()
	if len(cfg.Channels) == 0 {
		return Report{}, fmt.Errorf("%w: churn needs at least one channel", domain.ErrValidation)
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var cycles, accepted, dropped, errorsCount atomic.Int64
	interval := time.Duration(float64(time.Second) / cfg.Rate)

	var wg conc.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Go(func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for i := 0; ; i++ {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
				}
				ok, err := cycle(runCtx, target, cfg.Channels, w, i)
				switch {
				case err != nil:
					errorsCount.Add(1)
					cfg.Logger.Warn("churn cycle failed", "worker", w, "err", err)
				case ok:
					accepted.Add(1)
				default:
					dropped.Add(1)
				}
				cycles.Add(1)
			}
		})
	}

	report := Report{}
	probe := time.NewTicker(cfg.ProbeInterval)
	defer probe.Stop()
loop:
	for {
		select {
		case <-runCtx.Done():
			break loop
		case <-probe.C:
			start := time.Now()
			n := target.ControllerCount()
			latency := time.Since(start)
			report.Probes++
			if latency > report.MaxProbeLatency {
				report.MaxProbeLatency = latency
			}
			cfg.Logger.Debug("churn probe", "controllers", n, "latency", latency)
		}
	}

	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(cfg.MaxProbeLatency):
		report.Stalled = true
	}

	report.Cycles = cycles.Load()
	report.Accepted = accepted.Load()
	report.Dropped = dropped.Load()
	report.Errors = errorsCount.Load()
	return report, nil
}

// cycle opens a session on one channel, writes once, sometimes changes its
// authority and closes it. It reports whether the write was accepted.
func cycle(ctx context.Context, target Target, channels []domain.ChannelKey, worker, i int) (bool, error) {
	key := channels[(worker+i)%len(channels)]
	sess, err := target.Acquire(ctx, session.Config{
		Name:        fmt.Sprintf("churn-%d", worker),
		Authorities: []domain.Authority{domain.Authority(rand.IntN(256))},
		Write:       []domain.ChannelKey{key},
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	defer sess.Close()

	ok, err := sess.Write(ctx, key, float64(i))
	if err != nil {
		return false, err
	}
	if i%3 == 0 {
		sess.SetAuthority(ctx, domain.Authority(rand.IntN(256)))
	}
	return ok, nil
}
