package ws

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Voinich26/siget-sistema-trafico/internal/server"
)

// consolePair returns both ends of a live websocket: the server side to hand
// to the broadcaster and the console side to read from.
func consolePair(t *testing.T) (serverSide, consoleSide *websocket.Conn) {
	t.Helper()

	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		accepted <- c
	}))
	t.Cleanup(srv.Close)

	console, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { console.Close() })

	select {
	case c := <-accepted:
		return c, console
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the console")
		return nil, nil
	}
}

type frame struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, c *websocket.Conn) frame {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	require.NoError(t, c.ReadJSON(&f))
	return f
}

func TestNewConsoleGetsSnapshotFirst(t *testing.T) {
	b := NewBroadcaster(&fakeCoordinator{running: true}, time.Hour, 0, testLog())
	defer b.Stop()

	srvSide, console := consolePair(t)
	_, err := b.AddClient(srvSide)
	require.NoError(t, err)

	f := readFrame(t, console)
	require.Equal(t, MsgSnapshot, f.Type)
	var st server.SystemStatus
	require.NoError(t, json.Unmarshal(f.Payload, &st))
	assert.True(t, st.Running)
	assert.Equal(t, 10, st.Capacity)
}

func TestConsoleLimit(t *testing.T) {
	b := NewBroadcaster(&fakeCoordinator{}, time.Hour, 2, testLog())
	defer b.Stop()

	first, _ := consolePair(t)
	c1, err := b.AddClient(first)
	require.NoError(t, err)
	second, _ := consolePair(t)
	_, err = b.AddClient(second)
	require.NoError(t, err)

	third, _ := consolePair(t)
	_, err = b.AddClient(third)
	assert.ErrorIs(t, err, ErrTooManyConnections)
	assert.Equal(t, 2, b.ClientCount())

	// A slot frees up when a console leaves.
	b.RemoveClient(c1)
	fourth, _ := consolePair(t)
	_, err = b.AddClient(fourth)
	require.NoError(t, err)
	assert.Equal(t, 2, b.ClientCount())
}

func TestUnlimitedConsoles(t *testing.T) {
	b := NewBroadcaster(&fakeCoordinator{}, time.Hour, 0, testLog())
	defer b.Stop()

	for i := 0; i < 6; i++ {
		conn, _ := consolePair(t)
		_, err := b.AddClient(conn)
		require.NoError(t, err, "console %d", i)
	}
	assert.Equal(t, 6, b.ClientCount())
}

func TestPublishReachesEveryConsole(t *testing.T) {
	b := NewBroadcaster(&fakeCoordinator{}, time.Hour, 0, testLog())
	defer b.Stop()

	var consoles []*websocket.Conn
	for i := 0; i < 2; i++ {
		srvSide, console := consolePair(t)
		_, err := b.AddClient(srvSide)
		require.NoError(t, err)
		consoles = append(consoles, console)
	}

	b.Publish(server.Event{Type: server.EventEvicted, LightID: "L4", At: time.Now()})

	for _, console := range consoles {
		require.Equal(t, MsgSnapshot, readFrame(t, console).Type)
		f := readFrame(t, console)
		require.Equal(t, MsgEvent, f.Type)
		var ev server.Event
		require.NoError(t, json.Unmarshal(f.Payload, &ev))
		assert.Equal(t, server.EventEvicted, ev.Type)
		assert.Equal(t, "L4", ev.LightID)
	}
}

func TestDeadConsoleIsDropped(t *testing.T) {
	b := NewBroadcaster(&fakeCoordinator{}, time.Hour, 0, testLog())
	defer b.Stop()

	srvSide, _ := consolePair(t)
	srvSide.Close()

	// The greeting snapshot fails to write and the console is removed.
	_, err := b.AddClient(srvSide)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	// Publishing with nobody listening is a no-op.
	b.Publish(server.Event{Type: server.EventRemoved, LightID: "L1"})
}

func TestStopDisconnectsConsoles(t *testing.T) {
	b := NewBroadcaster(&fakeCoordinator{}, time.Hour, 0, testLog())

	srvSide, console := consolePair(t)
	_, err := b.AddClient(srvSide)
	require.NoError(t, err)

	b.Stop()
	b.Stop()
	assert.Zero(t, b.ClientCount())

	console.SetReadDeadline(time.Now().Add(2 * time.Second))
	var readErr error
	for readErr == nil {
		_, _, readErr = console.ReadMessage()
	}
	var netErr net.Error
	if errors.As(readErr, &netErr) {
		assert.False(t, netErr.Timeout(), "console should see a close, not a timeout")
	}
}
