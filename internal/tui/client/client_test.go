package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestHTTPClientCalls(t *testing.T) {
	var gotReason string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"running": true, "mode": "EMERGENCY", "capacity": 10,
			"sessions": []map[string]any{{"id": "L1", "state": "RED"}},
		})
	})
	mux.HandleFunc("/api/server/stop", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message":"server not running"}`))
	})
	mux.HandleFunc("/api/emergency", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body struct{ Reason string }
			json.NewDecoder(r.Body).Decode(&body)
			gotReason = body.Reason
			json.NewEncoder(w).Encode(map[string]any{"seq": 3, "reason": body.Reason, "targets": []string{"L1"}})
		case http.MethodDelete:
			w.Write([]byte(`{"changed":true}`))
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeEmergency, st.Mode)
	require.Len(t, st.Lights, 1)
	assert.Equal(t, StateRed, st.Lights[0].State)

	_, err = c.Stop(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409 server not running")

	res, err := c.TriggerEmergency(ctx, "fire truck")
	require.NoError(t, err)
	assert.Equal(t, "fire truck", gotReason)
	assert.Equal(t, uint64(3), res.Seq)

	changed, err := c.ClearEmergency(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestWSClientDispatchesFeed(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"snapshot","payload":{"running":true,"connected":1,"capacity":4}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"event","payload":{"type":"evicted","lightId":"L2"}}`))
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewWSClient("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", quietLog())
	defer c.Close()

	require.IsType(t, WSConnectedMsg{}, c.Listen(ctx)())

	msg := c.ReadLoop(ctx)()
	snap, ok := msg.(WSSnapshotMsg)
	require.True(t, ok, "got %T", msg)
	assert.True(t, snap.Payload.Running)
	assert.Equal(t, 4, snap.Payload.Capacity)

	msg = c.ReadLoop(ctx)()
	ev, ok := msg.(WSEventMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, EventEvicted, ev.Payload.Type)
	assert.Equal(t, "L2", ev.Payload.LightID)

	assert.IsType(t, WSDisconnectedMsg{}, c.ReadLoop(ctx)())
}

func TestDecodeFrame(t *testing.T) {
	msg, err := decodeFrame([]byte(`{"type":"error","payload":{"message":"too many consoles"}}`))
	require.NoError(t, err)
	assert.Equal(t, WSErrorMsg{Payload: ErrorPayload{Message: "too many consoles"}}, msg)

	msg, err = decodeFrame([]byte(`{"type":"hello","payload":{}}`))
	require.NoError(t, err)
	assert.Nil(t, msg)

	_, err = decodeFrame([]byte(`{"type":"snapshot","payload":{"connected":"three"}}`))
	assert.ErrorContains(t, err, "snapshot")
}

func TestReadLoopWithoutConnection(t *testing.T) {
	c := NewWSClient("ws://127.0.0.1:1/ws", quietLog())
	msg := c.ReadLoop(context.Background())()
	d, ok := msg.(WSDisconnectedMsg)
	require.True(t, ok)
	assert.ErrorIs(t, d.Err, errNotConnected)
}
