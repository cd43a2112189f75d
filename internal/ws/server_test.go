package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plc-bridge/backend/internal/bridge"
	"github.com/plc-bridge/backend/internal/config"
	"github.com/plc-bridge/backend/internal/metrics"
	"github.com/plc-bridge/backend/internal/mock"
	"github.com/plc-bridge/backend/internal/procstat"
	"github.com/plc-bridge/backend/internal/upstream"
)

const waitTime = 2 * time.Second

type testEnv struct {
	srv    *httptest.Server
	ws     *Server
	bridge *bridge.Bridge
	plc    *mock.Server
	reg    *prometheus.Registry
}

func newTestEnv(t *testing.T, cfg config.ServerConfig) *testEnv {
	t.Helper()

	plc := mock.NewPLCServer()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	b := bridge.New(bridge.Config{
		Root:    mock.RootHandle,
		Groups:  []string{"Objects/Raspberry Pi/Application/IoConfig_Globals_Mapping", "Objects/Raspberry Pi/Application/PLC_PRG"},
		InputA:  "AI0",
		InputB:  "AI1",
		Manual:  "MAN",
		Output:  "OPC_VAL",
		Timeout: waitTime,
	}, upstream.NewSession(plc), bridge.WithMetrics(m))
	b.Start(context.Background())
	t.Cleanup(b.Stop)

	s := NewServer(cfg, b, zerolog.Nop())
	s.SetMetrics(reg)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, ws: s, bridge: b, plc: plc, reg: reg}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type update struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// waitFor reads frames until match accepts one.
func waitFor(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	deadline := time.Now().Add(waitTime)
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(f) {
			return f
		}
	}
}

func isUpdate(name string, value interface{}) func(frame) bool {
	return func(f frame) bool {
		if f.Type != string(bridge.MsgUpdate) {
			return false
		}
		var u update
		if err := json.Unmarshal(f.Payload, &u); err != nil {
			return false
		}
		return u.Name == name && (value == nil || u.Value == value)
	}
}

func isError(f frame) bool {
	return f.Type == string(bridge.MsgError)
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload interface{}) {
	t.Helper()
	msg := map[string]interface{}{"type": typ}
	if payload != nil {
		msg["payload"] = payload
	}
	require.NoError(t, conn.WriteJSON(msg))
}

func TestViewerReceivesSnapshot(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	require.NoError(t, env.plc.Set("AI0", 32767))

	conn := env.dial(t)
	// The input value may arrive in the snapshot or just after it.
	var sawValue, sawMode bool
	waitFor(t, conn, func(f frame) bool {
		sawValue = sawValue || isUpdate("AI0", float64(100))(f)
		sawMode = sawMode || isUpdate(bridge.ModeName, "input A")(f)
		return sawValue && sawMode
	})
}

func TestViewerSwitchesMode(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	conn := env.dial(t)
	waitFor(t, conn, isUpdate(bridge.ModeName, "input A"))

	send(t, conn, EvtSelectInputB, nil)
	waitFor(t, conn, isUpdate(bridge.ModeName, "input B"))

	send(t, conn, EvtSelectManual, nil)
	waitFor(t, conn, isUpdate(bridge.ModeName, "manual"))

	send(t, conn, EvtSetManualValue, "25")
	waitFor(t, conn, isUpdate("MAN", float64(25)))
	require.Eventually(t, func() bool {
		v, _ := env.plc.Value("OPC_VAL")
		return v == 8192
	}, waitTime, 10*time.Millisecond)
}

func TestBroadcastReachesEveryViewer(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	a := env.dial(t)
	b := env.dial(t)
	waitFor(t, a, isUpdate(bridge.ModeName, nil))
	waitFor(t, b, isUpdate(bridge.ModeName, nil))

	send(t, a, EvtSelectInputB, nil)
	waitFor(t, a, isUpdate(bridge.ModeName, "input B"))
	waitFor(t, b, isUpdate(bridge.ModeName, "input B"))
}

func TestMalformedCommandGetsError(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	conn := env.dial(t)
	waitFor(t, conn, isUpdate(bridge.ModeName, nil))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	waitFor(t, conn, isError)

	send(t, conn, "reboot", nil)
	f := waitFor(t, conn, isError)
	assert.Contains(t, string(f.Payload), "unknown command")
}

func TestOutOfRangeManualValueGetsError(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	conn := env.dial(t)
	waitFor(t, conn, isUpdate(bridge.ModeName, nil))

	send(t, conn, EvtSetManualValue, 150)
	waitFor(t, conn, isError)
}

func TestDisconnectDetachesViewer(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	conn := env.dial(t)
	waitFor(t, conn, isUpdate(bridge.ModeName, nil))
	require.True(t, env.plc.Connected())

	conn.Close()

	require.Eventually(t, func() bool {
		st, err := env.bridge.Status(context.Background())
		return err == nil && st.Viewers == 0 && st.Phase == bridge.PhaseClosed
	}, waitTime, 10*time.Millisecond)
	assert.False(t, env.plc.Connected(), "last viewer out closes the session")
	require.Eventually(t, func() bool { return env.ws.ConnectionCount() == 0 }, waitTime, 10*time.Millisecond)
}

func TestMaxConnections(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{MaxConnections: 1})
	conn := env.dial(t)
	waitFor(t, conn, isUpdate(bridge.ModeName, nil))

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	conn.Close()
	require.Eventually(t, func() bool { return env.ws.ConnectionCount() == 0 }, waitTime, 10*time.Millisecond)

	again := env.dial(t)
	waitFor(t, again, isUpdate(bridge.ModeName, nil))
}

func TestAcquireLimit(t *testing.T) {
	s := NewServer(config.ServerConfig{MaxConnections: 2}, nil, zerolog.Nop())
	require.NoError(t, s.acquire())
	require.NoError(t, s.acquire())
	assert.True(t, errors.Is(s.acquire(), ErrTooManyConnections))

	s.release()
	assert.NoError(t, s.acquire())

	unlimited := NewServer(config.ServerConfig{}, nil, zerolog.Nop())
	for i := 0; i < 10; i++ {
		require.NoError(t, unlimited.acquire())
	}
	assert.Equal(t, 10, unlimited.ConnectionCount())
}

type fakeSampler struct{}

func (fakeSampler) Sample(context.Context) (procstat.Stats, error) {
	return procstat.Stats{PID: 42, RSSBytes: 1 << 20}, nil
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	env.ws.SetProcessSampler(fakeSampler{})

	conn := env.dial(t)
	waitFor(t, conn, isUpdate(bridge.ModeName, nil))

	resp, err := http.Get(env.srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body struct {
		Phase   string `json:"phase"`
		Viewers int    `json:"viewers"`
		Mode    string `json:"mode"`
		Health  string `json:"health"`
		Conns   int    `json:"connections"`
		Process *struct {
			PID int32 `json:"pid"`
		} `json:"process"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ready", body.Phase)
	assert.Equal(t, 1, body.Viewers)
	assert.Equal(t, "input A", body.Mode)
	assert.Equal(t, "healthy", body.Health)
	assert.Equal(t, 1, body.Conns)
	require.NotNil(t, body.Process)
	assert.Equal(t, int32(42), body.Process.PID)
}

func TestStatusRejectsPost(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	resp, err := http.Post(env.srv.URL+"/api/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	conn := env.dial(t)
	waitFor(t, conn, isUpdate(bridge.ModeName, nil))

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	assert.Contains(t, sb.String(), "plcbridge_viewers 1")
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin", nil, "", "example.com", true},
		{"same host", nil, "http://hmi.plant:8080", "hmi.plant:8080", true},
		{"localhost", nil, "http://localhost:3000", "hmi.plant:8080", true},
		{"loopback v4", nil, "http://127.0.0.1:5173", "hmi.plant:8080", true},
		{"loopback v6", nil, "http://[::1]:5173", "hmi.plant:8080", true},
		{"foreign", nil, "http://evil.example", "hmi.plant:8080", false},
		{"allow list hit", []string{"http://panel.local"}, "http://panel.local", "hmi.plant:8080", true},
		{"allow list host", []string{"http://panel.local"}, "https://panel.local", "hmi.plant:8080", true},
		{"allow list excludes localhost", []string{"http://panel.local"}, "http://localhost:3000", "hmi.plant:8080", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(config.ServerConfig{AllowedOrigins: tt.allowed}, nil, zerolog.Nop())
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, s.checkOrigin(req))
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- ListenAndServe(ctx, "127.0.0.1:0", http.NewServeMux(), zerolog.Nop()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(waitTime):
		t.Fatal("ListenAndServe did not return after cancel")
	}
}
