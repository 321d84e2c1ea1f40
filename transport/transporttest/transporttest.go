// Package transporttest provides in-memory transport.Conn and
// transport.Dialer fakes for tests.
package transporttest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/pushload/transport"
)

// Conn is a scripted transport.Conn. Messages pushed with Push are returned by
// Receive in order; CloseRemote makes Receive fail with transport.ErrClosed
// once the queued messages are drained.
type Conn struct {
	inbox   chan []byte
	remote  chan struct{}
	closed  chan struct{}
	once    sync.Once
	remOnce sync.Once

	mu      sync.Mutex
	sent    [][]byte
	journal []string
	sendErr error

	closeCalls atomic.Int32
}

// NewConn creates a Conn whose inbox holds up to buffer messages.
func NewConn(buffer int) *Conn {
	return &Conn{
		inbox:  make(chan []byte, buffer),
		remote: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// Push queues an inbound transmission.
func (c *Conn) Push(data []byte) {
	c.inbox <- data
}

// CloseRemote simulates the server closing the connection.
func (c *Conn) CloseRemote() {
	c.remOnce.Do(func() { close(c.remote) })
}

// FailSends makes every later Send return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Send implements transport.Conn.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}

	c.sent = append(c.sent, append([]byte(nil), data...))
	c.journal = append(c.journal, "send")
	return nil
}

// Receive implements transport.Conn.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	if c.isClosed() {
		return nil, transport.ErrClosed
	}

	select {
	case data := <-c.inbox:
		c.record("receive")
		return data, nil
	default:
	}

	select {
	case data := <-c.inbox:
		c.record("receive")
		return data, nil
	case <-c.remote:
		return nil, transport.ErrClosed
	case <-c.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.closeCalls.Add(1)
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Sent returns copies of every transmission sent so far.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// Journal returns the order of "send" and "receive" operations.
func (c *Conn) Journal() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.journal...)
}

// CloseCalls returns how many times Close was called.
func (c *Conn) CloseCalls() int {
	return int(c.closeCalls.Load())
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	return c.isClosed()
}

func (c *Conn) record(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.journal = append(c.journal, op)
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Dialer hands out connections built by New, one per Dial, and remembers
// them in dial order.
type Dialer struct {
	// New builds the connection for the n-th dial (0 based). Returning an
	// error fails that dial.
	New func(n int, address string) (*Conn, error)

	mu    sync.Mutex
	conns []*Conn
	dials int
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, address string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	n := d.dials
	d.dials++
	d.mu.Unlock()

	conn, err := d.New(n, address)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

// Conns returns the connections dialed so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Dials returns the number of Dial calls that reached New.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
