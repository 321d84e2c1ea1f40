// Package transport abstracts the message-oriented connection a session talks
// over and provides the websocket implementation used against the push server.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send and Receive once the connection is closed,
// locally or by the peer.
var ErrClosed = errors.New("connection closed")

// Conn is one full-duplex connection carrying discrete transmissions.
// Send and Receive may be called from different goroutines, but each must
// only be called from one goroutine at a time.
type Conn interface {
	// Send transmits one message. The context deadline, if any, bounds the write.
	Send(ctx context.Context, data []byte) error

	// Receive blocks until the next message arrives, the context deadline
	// expires or the connection fails.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the connection. It is safe to call multiple times.
	Close() error
}

// Dialer establishes connections.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, address string) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, address string) (Conn, error) {
	return f(ctx, address)
}

// WebsocketDialer dials websocket endpoints such as "ws://host:8080/push".
type WebsocketDialer struct {
	// HandshakeTimeout bounds the opening handshake; 0 means only the context
	// deadline applies.
	HandshakeTimeout time.Duration
	// ReadBufferSize and WriteBufferSize size the I/O buffers; 0 uses the
	// library defaults.
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultWebsocketDialer returns a WebsocketDialer with a 10s handshake timeout.
func DefaultWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  1024,
	}
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   d.ReadBufferSize,
		WriteBufferSize:  d.WriteBufferSize,
	}

	ws, resp, err := dialer.DialContext(ctx, address, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	return NewWebsocketConn(ws), nil
}

// WebsocketConn adapts a *websocket.Conn to Conn. Messages are sent as text
// frames since the wire format is UTF-8 JSON.
type WebsocketConn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewWebsocketConn wraps an established websocket connection. The stub
// server uses it for accepted connections as well.
func NewWebsocketConn(ws *websocket.Conn) *WebsocketConn {
	return &WebsocketConn{
		ws:   ws,
		done: make(chan struct{}),
	}
}

// Send implements Conn.
func (c *WebsocketConn) Send(ctx context.Context, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}

	if err := c.ws.SetWriteDeadline(deadline(ctx)); err != nil {
		return c.mapErr(err)
	}

	stop := c.watch(ctx, c.ws.UnderlyingConn().SetWriteDeadline)
	defer stop()

	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return c.mapCtxErr(ctx, err)
	}

	return nil
}

// Receive implements Conn.
func (c *WebsocketConn) Receive(ctx context.Context) ([]byte, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	if err := c.ws.SetReadDeadline(deadline(ctx)); err != nil {
		return nil, c.mapErr(err)
	}

	stop := c.watch(ctx, c.ws.UnderlyingConn().SetReadDeadline)
	defer stop()

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, c.mapCtxErr(ctx, err)
	}

	return data, nil
}

// Close implements Conn. A close frame is sent best effort before the
// underlying connection is released.
func (c *WebsocketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})

	return c.closeErr
}

// watch interrupts a blocked operation when ctx is cancelled by moving the
// socket's read or write deadline into the past; gorilla connections have no
// context support of their own. The returned stop func waits for the watcher
// to exit, so a late interrupt always lands before the next operation resets
// its deadline.
func (c *WebsocketConn) watch(ctx context.Context, interrupt func(time.Time) error) func() {
	if ctx.Done() == nil {
		return func() {}
	}

	finished := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			_ = interrupt(time.Now())
		case <-finished:
		case <-c.done:
		}
	}()

	return func() {
		close(finished)
		<-exited
	}
}

func (c *WebsocketConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *WebsocketConn) mapCtxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}

	// The socket deadline can fire just before the context timer does.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if _, ok := ctx.Deadline(); ok {
			return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
	}

	return c.mapErr(err)
}

func (c *WebsocketConn) mapErr(err error) error {
	if c.isClosed() || IsClosed(err) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	return err
}

// IsClosed reports whether err means the peer or the local side closed the
// connection, as opposed to a timeout or an I/O fault.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrClosed) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}

	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}

	return time.Time{}
}
