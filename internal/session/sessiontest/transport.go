// Package sessiontest provides an in-memory session.Transport for tests.
package sessiontest

import (
	"errors"
	"sync"
	"time"

	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
)

// ErrClosed is returned by sends on a closed Transport.
var ErrClosed = errors.New("sessiontest: transport closed")

// Transport records every message sent to it.
type Transport struct {
	id string

	mu      sync.Mutex
	sent    []protocol.Message
	closed  bool
	closes  int
	failing error
	onSend  func(protocol.Message)
}

func NewTransport(id string) *Transport {
	return &Transport{id: id}
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Send(m protocol.Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.failing != nil {
		err := t.failing
		t.mu.Unlock()
		return err
	}
	t.sent = append(t.sent, m)
	hook := t.onSend
	t.mu.Unlock()
	if hook != nil {
		hook(m)
	}
	return nil
}

func (t *Transport) SendTimeout(m protocol.Message, _ time.Duration) error {
	return t.Send(m)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closes++
	return nil
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Fail makes every later send return err. Pass nil to recover.
func (t *Transport) Fail(err error) {
	t.mu.Lock()
	t.failing = err
	t.mu.Unlock()
}

// OnSend installs fn to run after each successful send, outside the lock.
func (t *Transport) OnSend(fn func(protocol.Message)) {
	t.mu.Lock()
	t.onSend = fn
	t.mu.Unlock()
}

// Sent returns a copy of the messages sent so far.
func (t *Transport) Sent() []protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Message(nil), t.sent...)
}

// Closes returns how many times Close was called.
func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}
