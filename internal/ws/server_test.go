package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Voinich26/siget-sistema-trafico/internal/emergency"
	"github.com/Voinich26/siget-sistema-trafico/internal/logging"
	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
	"github.com/Voinich26/siget-sistema-trafico/internal/server"
)

func testLog() *logrus.Entry {
	return logging.Discard().WithField("component", "ws")
}

type fakeCoordinator struct {
	mu       sync.Mutex
	running  bool
	mode     protocol.Mode
	triggers []string
}

func (f *fakeCoordinator) Status(ctx context.Context) (server.SystemStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return server.SystemStatus{Running: f.running, Mode: f.mode, Capacity: 10}, nil
}

func (f *fakeCoordinator) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return server.ErrAlreadyRunning
	}
	f.running = true
	return nil
}

func (f *fakeCoordinator) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return server.ErrNotRunning
	}
	f.running = false
	return nil
}

func (f *fakeCoordinator) TriggerEmergency(ctx context.Context, reason string) (*emergency.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return nil, server.ErrNotRunning
	}
	if reason == "" {
		return nil, emergency.ErrNoReason
	}
	f.mode = protocol.ModeEmergency
	f.triggers = append(f.triggers, reason)
	return &emergency.Result{Seq: uint64(len(f.triggers)), Reason: reason, State: protocol.Red}, nil
}

func (f *fakeCoordinator) ClearEmergency(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	changed := f.mode == protocol.ModeEmergency
	f.mode = protocol.ModeNormal
	return changed, nil
}

func newTestAPI(t *testing.T) (*httptest.Server, *fakeCoordinator, *Broadcaster) {
	t.Helper()
	coord := &fakeCoordinator{}
	b := NewBroadcaster(coord, 20*time.Millisecond, 2, testLog())
	api := NewServer(coord, b, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("siget_mode 0\n"))
	}), testLog())
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		b.Stop()
	})
	return srv, coord, b
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

func TestLifecycleEndpoints(t *testing.T) {
	srv, _, _ := newTestAPI(t)

	resp, err := http.Post(srv.URL+"/api/server/stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "stop while stopped")

	resp, err = http.Post(srv.URL+"/api/server/start", "application/json", nil)
	require.NoError(t, err)
	var st server.SystemStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, st.Running)

	resp, err = http.Post(srv.URL+"/api/server/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "start while running")

	resp, err = http.Get(srv.URL + "/api/server/start")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestEmergencyEndpoints(t *testing.T) {
	srv, coord, _ := newTestAPI(t)
	require.NoError(t, coord.Start())

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing reason", `{"reason":"  "}`, http.StatusBadRequest},
		{"bad json", `{"reason":`, http.StatusBadRequest},
		{"ok", `{"reason":"ambulance"}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/emergency", "application/json", bytes.NewBufferString(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
	assert.Equal(t, []string{"ambulance"}, coord.triggers)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/emergency", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var cleared ClearResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cleared))
	assert.True(t, cleared.Changed)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestAPI(t)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWSFeedSendsSnapshotsAndEvents(t *testing.T) {
	srv, _, b := newTestAPI(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() WSMessage {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	assert.Equal(t, MsgSnapshot, read().Type, "first message is a snapshot")
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	b.Publish(server.Event{Type: server.EventEvicted, LightID: "L1", At: time.Now()})
	for {
		msg := read()
		if msg.Type != MsgEvent {
			continue
		}
		payload := msg.Payload.(map[string]any)
		assert.Equal(t, "evicted", payload["type"])
		assert.Equal(t, "L1", payload["lightId"])
		return
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1", true},
		{"http://evil.example", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:8889/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := checkOrigin(req); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}
