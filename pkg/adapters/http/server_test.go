package http_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aretw0/arbiter"
	arbiterhttp "github.com/aretw0/arbiter/pkg/adapters/http"
	"github.com/aretw0/arbiter/pkg/control"
	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/aretw0/arbiter/pkg/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*arbiter.Manager, *httptest.Server) {
	t.Helper()
	streams := arbiterhttp.NewStreamManager(nil)
	mgr := arbiter.New(
		arbiter.WithChannels(
			domain.PersistedChannel{Name: "setpoint"},
			domain.VirtualChannel{Name: "valve"},
			domain.CalculatedChannel{Name: "flow"},
		),
		arbiter.WithHooks(streams.Hooks()),
	)
	handler := arbiterhttp.NewHandler(mgr,
		arbiterhttp.WithStreams(streams),
		arbiterhttp.WithMetricsHandler(mgr.Metrics().Handler()),
	)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		mgr.Shutdown(context.Background())
	})
	return mgr, srv
}

func do(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestSessionsAPI(t *testing.T) {
	_, srv := newTestServer(t)

	var low, high session.Info
	require.Equal(t, http.StatusCreated, do(t, "POST", srv.URL+"/sessions", arbiterhttp.CreateSessionRequest{
		Name: "operator", Authorities: []int{100}, Write: []domain.ChannelKey{"setpoint"}, Read: []domain.ChannelKey{"setpoint"},
	}, &low))
	require.Equal(t, http.StatusCreated, do(t, "POST", srv.URL+"/sessions", arbiterhttp.CreateSessionRequest{
		Name: "auto", Authorities: []int{200}, Write: []domain.ChannelKey{"setpoint"},
	}, &high))
	require.Len(t, high.Gates, 1)
	assert.Equal(t, domain.GateControlling, high.Gates[0].State)

	var put arbiterhttp.PutValuesResponse
	require.Equal(t, http.StatusOK, do(t, "PUT", srv.URL+"/sessions/"+low.ID+"/values",
		arbiterhttp.PutValuesRequest{Values: map[domain.ChannelKey]float64{"setpoint": 1}}, &put))
	assert.False(t, put.Accepted["setpoint"], "subordinate write is dropped")

	require.Equal(t, http.StatusOK, do(t, "PUT", srv.URL+"/sessions/"+high.ID+"/values",
		arbiterhttp.PutValuesRequest{Values: map[domain.ChannelKey]float64{"setpoint": 7.5}}, &put))
	assert.True(t, put.Accepted["setpoint"])

	var wait arbiterhttp.WaitResponse
	require.Equal(t, http.StatusOK, do(t, "POST", srv.URL+"/sessions/"+low.ID+"/wait",
		arbiterhttp.WaitRequest{Defined: []domain.ChannelKey{"setpoint"}, TimeoutMs: 2000}, &wait))
	assert.True(t, wait.Satisfied)

	var value arbiterhttp.ValueResponse
	require.Equal(t, http.StatusOK, do(t, "GET", srv.URL+"/sessions/"+low.ID+"/values/setpoint", nil, &value))
	assert.Equal(t, 7.5, value.Value)

	// Demote the winner through the API; control returns to the operator.
	demote := 50
	require.Equal(t, http.StatusOK, do(t, "PUT", srv.URL+"/sessions/"+high.ID+"/authority",
		arbiterhttp.PutAuthorityRequest{Authority: &demote}, nil))
	require.Equal(t, http.StatusOK, do(t, "POST", srv.URL+"/sessions/"+low.ID+"/wait",
		arbiterhttp.WaitRequest{Controlling: []domain.ChannelKey{"setpoint"}, TimeoutMs: 2000}, &wait))
	assert.True(t, wait.Satisfied)

	var controllers []control.ControllerState
	require.Equal(t, http.StatusOK, do(t, "GET", srv.URL+"/controllers", nil, &controllers))
	require.Len(t, controllers, 1)
	require.NotNil(t, controllers[0].Winner)
	assert.Equal(t, "operator", controllers[0].Winner.Subject)

	var sessions []session.Info
	require.Equal(t, http.StatusOK, do(t, "GET", srv.URL+"/sessions", nil, &sessions))
	assert.Len(t, sessions, 2)

	assert.Equal(t, http.StatusNoContent, do(t, "DELETE", srv.URL+"/sessions/"+high.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, do(t, "GET", srv.URL+"/sessions/"+high.ID, nil, nil))
}

func TestSessionsAPI_Errors(t *testing.T) {
	_, srv := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"Unknown Channel", "POST", "/sessions", arbiterhttp.CreateSessionRequest{Write: []domain.ChannelKey{"nope"}}, http.StatusBadRequest},
		{"Calculated Channel", "POST", "/sessions", arbiterhttp.CreateSessionRequest{Write: []domain.ChannelKey{"flow"}}, http.StatusBadRequest},
		{"Authority Out Of Range", "POST", "/sessions", arbiterhttp.CreateSessionRequest{Authorities: []int{300}, Write: []domain.ChannelKey{"valve"}}, http.StatusBadRequest},
		{"Malformed Body", "POST", "/sessions", "not-an-object", http.StatusBadRequest},
		{"Unknown Session", "GET", "/sessions/missing", nil, http.StatusNotFound},
		{"No Controller", "GET", "/controllers/valve", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, do(t, tt.method, srv.URL+tt.path, tt.body, nil))
		})
	}

	var info session.Info
	require.Equal(t, http.StatusCreated, do(t, "POST", srv.URL+"/sessions", arbiterhttp.CreateSessionRequest{
		Write: []domain.ChannelKey{"valve"}, Read: []domain.ChannelKey{"valve"},
	}, &info))
	assert.Equal(t, http.StatusNotFound, do(t, "GET", srv.URL+"/sessions/"+info.ID+"/values/valve", nil, nil), "undefined value")
	assert.Equal(t, http.StatusBadRequest, do(t, "GET", srv.URL+"/sessions/"+info.ID+"/values/setpoint", nil, nil), "outside read set")
	assert.Equal(t, http.StatusBadRequest, do(t, "PUT", srv.URL+"/sessions/"+info.ID+"/values",
		arbiterhttp.PutValuesRequest{Values: map[domain.ChannelKey]float64{"setpoint": 1}}, nil))

	one := 1
	assert.Equal(t, http.StatusBadRequest, do(t, "PUT", srv.URL+"/sessions/"+info.ID+"/authority",
		arbiterhttp.PutAuthorityRequest{Authority: &one, Authorities: map[domain.ChannelKey]int{"valve": 2}}, nil), "exclusive fields")
	assert.Equal(t, http.StatusBadRequest, do(t, "PUT", srv.URL+"/sessions/"+info.ID+"/authority",
		arbiterhttp.PutAuthorityRequest{Authorities: map[domain.ChannelKey]int{"setpoint": 2}}, nil), "not acquired")
}

func TestHealthAndMetrics(t *testing.T) {
	mgr, srv := newTestServer(t)
	sess, err := mgr.Acquire(context.Background(), session.Config{Write: []domain.ChannelKey{"valve"}})
	require.NoError(t, err)
	defer sess.Close()

	var health map[string]any
	require.Equal(t, http.StatusOK, do(t, "GET", srv.URL+"/health", nil, &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(1), health["controllers"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), `arbiter_gates_open{channel="valve"} 1`)
}

func TestSubscribeEvents(t *testing.T) {
	mgr, srv := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/events?channel=valve", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	assert.Equal(t, "event: ping", lines.Text())

	sess, err := mgr.Acquire(context.Background(), session.Config{Name: "streamer", Write: []domain.ChannelKey{"valve"}})
	require.NoError(t, err)
	defer sess.Close()

	for lines.Scan() {
		line := lines.Text()
		if !strings.HasPrefix(line, "data: {") {
			continue
		}
		var ev arbiterhttp.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		assert.Equal(t, domain.ChannelKey("valve"), ev.Channel)
		assert.Equal(t, domain.EventGateOpen, ev.Type)
		require.NotNil(t, ev.Gate)
		assert.Equal(t, "streamer", ev.Gate.Subject)
		return
	}
	t.Fatal("no event received")
}

func TestSubscribeWebSocket(t *testing.T) {
	mgr, srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var ready map[string]string
	require.NoError(t, wsjson.Read(ctx, conn, &ready))
	assert.Equal(t, "ready", ready["type"])

	sess, err := mgr.Acquire(context.Background(), session.Config{Name: "ws", Write: []domain.ChannelKey{"setpoint"}})
	require.NoError(t, err)
	_, err = sess.Write(ctx, "setpoint", 3)
	require.NoError(t, err)

	seen := map[domain.EventType]bool{}
	for !seen[domain.EventWrite] {
		var ev arbiterhttp.Event
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
		seen[ev.Type] = true
		if ev.Type == domain.EventWrite {
			require.NotNil(t, ev.Accepted)
			assert.True(t, *ev.Accepted)
			require.NotNil(t, ev.Value)
			assert.Equal(t, 3.0, *ev.Value)
		}
	}
	assert.True(t, seen[domain.EventGateOpen])
	assert.True(t, seen[domain.EventTransfer])
	_ = sess.Close()
}

func TestStreamManager_DropsForSlowClients(t *testing.T) {
	sm := arbiterhttp.NewStreamManager(nil)
	events, cancel := sm.Subscribe("")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			sm.Broadcast(arbiterhttp.Event{Type: domain.EventWrite, Channel: "valve"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a slow client")
	}
	assert.NotEmpty(t, events)
	assert.Equal(t, 1, sm.Len())

	cancel()
	cancel()
	assert.Zero(t, sm.Len())
}

func TestHandler_ServeSinglePath(t *testing.T) {
	mgr := arbiter.New()
	defer mgr.Shutdown(context.Background())
	handler := arbiterhttp.NewHandler(mgr)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/info", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"app":"arbiter-http"`)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/sessions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "metrics are only mounted when configured")
}

func TestStreamManager_PatternSubscription(t *testing.T) {
	sm := arbiterhttp.NewStreamManager(nil)
	events, cancel, err := sm.SubscribePattern("valve-*")
	require.NoError(t, err)
	defer cancel()

	sm.Broadcast(arbiterhttp.Event{Type: domain.EventWrite, Channel: "flow"})
	sm.Broadcast(arbiterhttp.Event{Type: domain.EventWrite, Channel: "valve-2"})

	select {
	case ev := <-events:
		assert.Equal(t, domain.ChannelKey("valve-2"), ev.Channel)
	case <-time.After(time.Second):
		t.Fatal("matching event not delivered")
	}
	assert.Empty(t, events, "non-matching channels are filtered out")

	_, _, err = sm.SubscribePattern("valve-[")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.True(t, arbiterhttp.IsPattern("{a,b}"))
	assert.False(t, arbiterhttp.IsPattern("valve"))
}

func TestSubscribeEvents_InvalidPattern(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/events?channel=" + "valve-%5B")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ReapsIdleSessions(t *testing.T) {
	mgr := arbiter.New(arbiter.WithChannels(domain.PersistedChannel{Name: "setpoint"}))
	api := arbiterhttp.NewServer(mgr, arbiterhttp.WithSessionIdleTimeout(time.Minute))
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		mgr.Shutdown(context.Background())
	})

	var created session.Info
	require.Equal(t, http.StatusCreated, do(t, "POST", srv.URL+"/sessions", arbiterhttp.CreateSessionRequest{
		Name: "vanished", Write: []domain.ChannelKey{"setpoint"},
	}, &created))
	local, err := mgr.Acquire(context.Background(), session.Config{Name: "in-process", Read: []domain.ChannelKey{"setpoint"}})
	require.NoError(t, err)
	defer local.Close()
	require.Equal(t, http.StatusOK, do(t, "GET", srv.URL+"/sessions/"+local.ID(), nil, nil))

	assert.Zero(t, api.ReapIdle(time.Now()), "recently used sessions are kept")
	assert.Equal(t, 1, api.ReapIdle(time.Now().Add(2*time.Minute)))

	assert.Equal(t, http.StatusNotFound, do(t, "GET", srv.URL+"/sessions/"+created.ID, nil, nil))
	assert.Zero(t, mgr.ControllerCount(), "the idle session's gate is released")
	_, ok := mgr.Session(local.ID())
	assert.True(t, ok, "sessions created in-process are never reaped")
}

func TestServer_RunReaper(t *testing.T) {
	mgr := arbiter.New(arbiter.WithChannels(domain.PersistedChannel{Name: "setpoint"}))
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })
	api := arbiterhttp.NewServer(mgr, arbiterhttp.WithSessionIdleTimeout(50*time.Millisecond))
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go api.RunReaper(ctx)

	require.Equal(t, http.StatusCreated, do(t, "POST", srv.URL+"/sessions", arbiterhttp.CreateSessionRequest{
		Name: "short-lived", Write: []domain.ChannelKey{"setpoint"},
	}, nil))
	assert.Eventually(t, func() bool { return len(mgr.Sessions()) == 0 }, 2*time.Second, 10*time.Millisecond)
}
