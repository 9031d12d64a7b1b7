package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	firstRetry    = time.Second
	maxRetry      = 30 * time.Second
	writeTimeout  = 10 * time.Second
	idleTimeout   = 60 * time.Second
	keepaliveTick = 30 * time.Second
)

var errNotConnected = errors.New("feed not connected")

// Bubble Tea messages produced by the feed.
type (
	WSConnectedMsg    struct{}
	WSDisconnectedMsg struct{ Err error }
	WSSnapshotMsg     struct{ Payload Status }
	WSEventMsg        struct{ Payload Event }
	WSErrorMsg        struct{ Payload ErrorPayload }
)

// link is one dialled connection and its keepalive.
type link struct {
	conn    *websocket.Conn
	stop    context.CancelFunc
	writeMu sync.Mutex
}

func (l *link) ping() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.conn.WriteMessage(websocket.PingMessage, nil)
}

func (l *link) keepalive(ctx context.Context) {
	t := time.NewTicker(keepaliveTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if l.ping() != nil {
				return
			}
		}
	}
}

func (l *link) close() {
	l.stop()
	l.conn.Close()
}

// WSClient follows the coordinator's live feed, reconnecting as needed.
type WSClient struct {
	url    string
	log    *logrus.Entry
	dialer *websocket.Dialer

	mu  sync.Mutex
	cur *link
}

func NewWSClient(url string, log *logrus.Entry) *WSClient {
	return &WSClient{url: url, log: log, dialer: websocket.DefaultDialer}
}

// Listen dials until it succeeds or ctx ends, doubling the wait after each
// failure. A cancelled ctx yields a nil message.
func (c *WSClient) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		for wait := firstRetry; ; wait = min(wait*2, maxRetry) {
			err := c.connect(ctx)
			if err == nil {
				c.log.WithField("url", c.url).Info("feed connected")
				return WSConnectedMsg{}
			}
			if ctx.Err() != nil {
				return nil
			}
			c.log.WithError(err).WithField("retry_in", wait).Debug("feed dial failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
		}
	}
}

func (c *WSClient) connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	kctx, stop := context.WithCancel(ctx)
	l := &link{conn: conn, stop: stop}

	c.mu.Lock()
	prev := c.cur
	c.cur = l
	c.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})
	go l.keepalive(kctx)
	return nil
}

// ReadLoop blocks until the next frame the model understands, or until the
// connection drops. Reissue it after every message it returns.
func (c *WSClient) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		l := c.cur
		c.mu.Unlock()
		if l == nil {
			return WSDisconnectedMsg{Err: errNotConnected}
		}

		for {
			// Any frame, snapshot or pong, proves the coordinator is alive.
			l.conn.SetReadDeadline(time.Now().Add(idleTimeout))
			_, data, err := l.conn.ReadMessage()
			if err != nil {
				c.drop(l)
				return WSDisconnectedMsg{Err: err}
			}
			msg, err := decodeFrame(data)
			if err != nil {
				c.log.WithError(err).Debug("skipping feed frame")
				continue
			}
			if msg != nil {
				return msg
			}
		}
	}
}

func (c *WSClient) drop(l *link) {
	c.mu.Lock()
	if c.cur == l {
		c.cur = nil
	}
	c.mu.Unlock()
	l.close()
}

// Close hangs up the current connection, if any.
func (c *WSClient) Close() {
	c.mu.Lock()
	l := c.cur
	c.cur = nil
	c.mu.Unlock()
	if l != nil {
		l.close()
	}
}

// decodeFrame turns one feed frame into a Bubble Tea message. Unknown frame
// types decode to nil.
func decodeFrame(data []byte) (tea.Msg, error) {
	var env WSMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case MsgSnapshot:
		var st Status
		if err := json.Unmarshal(env.Payload, &st); err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
		return WSSnapshotMsg{Payload: st}, nil
	case MsgEvent:
		var ev Event
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("event: %w", err)
		}
		return WSEventMsg{Payload: ev}, nil
	case MsgError:
		var p ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		return WSErrorMsg{Payload: p}, nil
	}
	return nil, nil
}
