package observability_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/aretw0/arbiter/internal/logging"
	"github.com/aretw0/arbiter/pkg/adapters/memory"
	"github.com/aretw0/arbiter/pkg/control"
	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/aretw0/arbiter/pkg/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Hooks(t *testing.T) {
	m := observability.NewMetrics()
	r := control.NewRegistry(memory.NewFrameStore(), control.WithHooks(m.Hooks()))
	m.ObserveControllers(r.Len)
	ctx := context.Background()

	a, err := r.OpenGate(ctx, control.GateConfig{Channel: "valve", Authority: 1, Subject: "a"})
	require.NoError(t, err)
	b, err := r.OpenGate(ctx, control.GateConfig{Channel: "valve", Authority: 2, Subject: "b"})
	require.NoError(t, err)
	_, _ = a.Write(ctx, 1)
	_, _ = b.Write(ctx, 2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `arbiter_gates_open{channel="valve"} 2`)
	assert.Contains(t, body, `arbiter_writes_total{channel="valve",outcome="accepted"} 1`)
	assert.Contains(t, body, `arbiter_writes_total{channel="valve",outcome="dropped"} 1`)
	assert.Contains(t, body, "arbiter_controllers 1")

	b.Close(ctx)
	a.Close(ctx)

	count, err := testutil.GatherAndCount(m.Registry(), "arbiter_control_transfers_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "one series for the valve channel")
	assert.Contains(t, scrape(t, m), `arbiter_control_transfers_total{channel="valve"} 4`)
	assert.Contains(t, scrape(t, m), `arbiter_gates_open{channel="valve"} 0`)
}

func scrape(t *testing.T, m *observability.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestAuditHooks(t *testing.T) {
	audit := memory.NewAuditLog()
	r := control.NewRegistry(memory.NewFrameStore(), control.WithHooks(observability.AuditHooks(audit, logging.NewNop())))
	ctx := context.Background()

	g, err := r.OpenGate(ctx, control.GateConfig{Channel: "setpoint", Authority: 9, Subject: "operator"})
	require.NoError(t, err)
	g.Close(ctx)

	regions, err := audit.Regions(ctx, "setpoint")
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, g.ID(), regions[0].Gate)
	assert.Equal(t, "operator", regions[0].Subject)
	assert.False(t, regions[0].End.IsZero())
	assert.Len(t, audit.Transfers(), 2)
}

type failingAudit struct{}

func (failingAudit) RecordRegion(context.Context, domain.RegionRecord) error {
	return errors.New("disk full")
}
func (failingAudit) RecordTransfer(context.Context, domain.Transfer) error {
	return errors.New("disk full")
}
func (failingAudit) Regions(context.Context, domain.ChannelKey) ([]domain.RegionRecord, error) {
	return nil, nil
}

func TestAuditHooks_FailuresAreLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, slog.LevelWarn)
	r := control.NewRegistry(memory.NewFrameStore(), control.WithHooks(observability.AuditHooks(failingAudit{}, logger)))
	ctx := context.Background()

	g, err := r.OpenGate(ctx, control.GateConfig{Channel: "valve", Authority: 1})
	require.NoError(t, err)
	g.Close(ctx)

	assert.Contains(t, buf.String(), "failed to record region")
	assert.Contains(t, buf.String(), "disk full")
}

func TestLoggingHooks(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, slog.LevelDebug)
	r := control.NewRegistry(memory.NewFrameStore(), control.WithHooks(observability.LoggingHooks(logger)))
	ctx := context.Background()

	a, err := r.OpenGate(ctx, control.GateConfig{Channel: "valve", Authority: 1, Subject: "low"})
	require.NoError(t, err)
	_, err = r.OpenGate(ctx, control.GateConfig{Channel: "valve", Authority: 5, Subject: "high"})
	require.NoError(t, err)
	_, _ = a.Write(ctx, 3)

	out := buf.String()
	assert.Contains(t, out, "control transfer")
	assert.Contains(t, out, "to=high")
	assert.Contains(t, out, "write dropped")
}
