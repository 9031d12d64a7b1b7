package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Voinich26/siget-sistema-trafico/internal/server"
)

// ErrTooManyConnections is returned by AddClient when the console limit is
// reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

const writeWait = 5 * time.Second

// StatusSource is what the broadcaster snapshots.
type StatusSource interface {
	Status(ctx context.Context) (server.SystemStatus, error)
}

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func newClient(conn *websocket.Conn, b *Broadcaster) *client {
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster fans coordinator snapshots and events out to console clients.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	source   StatusSource
	maxConns int
	log      *logrus.Entry

	snapshotTicker *time.Ticker
	stop           chan struct{}
	stopOnce       sync.Once
}

// NewBroadcaster starts the snapshot loop. maxConns <= 0 means unlimited.
func NewBroadcaster(source StatusSource, snapshotInterval time.Duration, maxConns int, log *logrus.Entry) *Broadcaster {
	b := &Broadcaster{
		clients:        make(map[*client]bool),
		source:         source,
		maxConns:       maxConns,
		log:            log,
		snapshotTicker: time.NewTicker(snapshotInterval),
		stop:           make(chan struct{}),
	}
	go b.snapshotLoop()
	return b
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	data, ok := b.snapshot()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		return nil, ErrTooManyConnections
	}
	c := newClient(conn, b)
	b.clients[c] = true
	if ok {
		c.send <- data // fresh buffer, never blocks
	}
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// Publish pushes ev to every client. It never blocks; it matches the
// server.Server event hook signature.
func (b *Broadcaster) Publish(ev server.Event) {
	b.broadcast(WSMessage{Type: MsgEvent, Payload: ev})
}

func (b *Broadcaster) snapshot() ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	st, err := b.source.Status(ctx)
	if err != nil {
		b.log.WithError(err).Warn("status snapshot failed")
		return nil, false
	}
	data, err := json.Marshal(WSMessage{Type: MsgSnapshot, Payload: st})
	if err != nil {
		b.log.WithError(err).Warn("snapshot marshal failed")
		return nil, false
	}
	return data, true
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.snapshotTicker.C:
			if b.ClientCount() == 0 {
				continue
			}
			if data, ok := b.snapshot(); ok {
				b.send(data)
			}
		}
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.WithError(err).Warn("broadcast marshal failed")
		return
	}
	b.send(data)
}

func (b *Broadcaster) send(data []byte) {
	// Sends happen under the read lock so RemoveClient cannot close a
	// channel mid-send.
	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		// Client can't keep up, disconnect it
		b.log.Warn("ws client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop ends the snapshot loop and disconnects every client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.snapshotTicker.Stop()
		close(b.stop)
		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			c.close()
		}
		b.mu.Unlock()
	})
}
