package server

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
)

var (
	// ErrConnectionClosed is returned by sends on a closed transport.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendBufferFull means the peer is not draining its outbound queue.
	ErrSendBufferFull = errors.New("send buffer full")

	errLineTooLong = errors.New("line exceeds maximum length")
)

// conn is one light's TCP connection. It implements session.Transport: sends
// are queued on a buffered channel and written by writePump, so no caller
// ever blocks on the socket.
type conn struct {
	id           string
	netConn      net.Conn
	remote       string
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	log          *logrus.Entry

	mu    sync.Mutex
	light string // id registered over this connection, empty until then
}

func newConn(id string, nc net.Conn, sendBuffer int, writeTimeout time.Duration, log *logrus.Entry) *conn {
	c := &conn{
		id:           id,
		netConn:      nc,
		remote:       nc.RemoteAddr().String(),
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	c.log = log.WithFields(logrus.Fields{"conn_id": id, "remote": c.remote})
	go c.writePump()
	return c
}

func (c *conn) ID() string { return c.id }

// Send queues m without blocking.
func (c *conn) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if c.Closed() {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// SendTimeout queues m, waiting at most d for room in the buffer.
func (c *conn) SendTimeout(m protocol.Message, d time.Duration) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if c.Closed() {
		return ErrConnectionClosed
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-timer.C:
		return ErrSendBufferFull
	}
}

// Close stops accepting sends. Messages already queued are flushed before
// the socket closes, so a rejection reply reaches the peer.
func (c *conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// abort closes the socket immediately, discarding queued messages.
func (c *conn) abort() {
	c.Close()
	c.netConn.Close()
}

func (c *conn) writePump() {
	defer c.netConn.Close()
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.log.WithError(err).Debug("write failed")
				c.Close()
				return
			}
		case <-c.done:
			for {
				select {
				case data := <-c.send:
					if c.write(data) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *conn) write(data []byte) error {
	if c.writeTimeout > 0 {
		c.netConn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.netConn.Write(data)
	return err
}

func (c *conn) track(id string) {
	c.mu.Lock()
	c.light = id
	c.mu.Unlock()
}

func (c *conn) owns(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.light != "" && c.light == id
}

// registered returns the light this connection carries, if any.
func (c *conn) registered() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.light, c.light != ""
}

// lineReader splits a stream into newline-terminated lines of at most max
// bytes. A read that times out mid-line keeps the fragment, so the next
// read completes it. An oversized line is skipped up to its newline.
type lineReader struct {
	r        *bufio.Reader
	max      int
	partial  []byte
	overflow bool
}

func newLineReader(r *bufio.Reader, max int) *lineReader {
	return &lineReader{r: r, max: max}
}

// next returns the next line without its terminator. errLineTooLong is
// returned once per skipped line and reading may continue.
func (lr *lineReader) next() ([]byte, error) {
	for {
		frag, err := lr.r.ReadSlice('\n')
		switch {
		case err == nil:
			if lr.overflow {
				lr.overflow = false
				lr.partial = nil
				return nil, errLineTooLong
			}
			line := append(lr.partial, frag...)
			lr.partial = nil
			line = line[:len(line)-1]
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			if len(line) > lr.max {
				return nil, errLineTooLong
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			lr.keep(frag)
		default:
			lr.keep(frag)
			return nil, err
		}
	}
}

func (lr *lineReader) keep(frag []byte) {
	if lr.overflow {
		return
	}
	if len(lr.partial)+len(frag) > lr.max {
		lr.overflow = true
		lr.partial = nil
		return
	}
	lr.partial = append(lr.partial, frag...)
}
