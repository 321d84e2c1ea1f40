// Package session implements one simulated push client: connect, send a
// login batch, then count every pushed response until the connection fails
// or the run is cancelled.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/pushload/logger"
	"github.com/cyberinferno/pushload/perfmonitor"
	"github.com/cyberinferno/pushload/progress"
	"github.com/cyberinferno/pushload/protocol"
	"github.com/cyberinferno/pushload/transport"
)

// Config holds the per-session settings.
type Config struct {
	// Index is the session's position in its harness, used in logs and errors.
	Index int
	// UID is the identity presented at login.
	UID int64
	// Address is the websocket URL of the push server.
	Address string
	// ConnectTimeout bounds dialing; 0 means no timeout.
	ConnectTimeout time.Duration
	// WriteTimeout bounds sending the login batch; 0 means no timeout.
	WriteTimeout time.Duration
	// ReadTimeout bounds the wait for each inbound transmission; 0 means wait
	// forever.
	ReadTimeout time.Duration
}

// Options carries the collaborators shared by every session of a run.
type Options struct {
	Dialer        transport.Dialer
	Encoder       *protocol.Encoder
	Monitor       *perfmonitor.PerformanceMonitor
	Reporter      progress.Reporter
	Logger        logger.Logger
	OnStateChange StateHandler
}

// Session owns one connection for its whole life. Run must be called once.
type Session struct {
	cfg  Config
	opts Options
	log  logger.Logger

	state    atomic.Int32
	received atomic.Int64

	conn      transport.Conn
	closeOnce sync.Once
	err       error
}

// New creates a session in the Connecting state. Dialer, Encoder and Monitor
// are required; Reporter and Logger default to no-ops.
//
// Parameters:
//   - cfg: Identity, address and timeouts for this session
//   - opts: Shared collaborators
//
// Returns:
//   - A new *Session ready to Run
func New(cfg Config, opts Options) *Session {
	if opts.Reporter == nil {
		opts.Reporter = progress.Discard
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}

	s := &Session{
		cfg:  cfg,
		opts: opts,
		log:  opts.Logger.With(logger.F("session", cfg.Index), logger.F("uid", cfg.UID)),
	}
	s.state.Store(int32(Connecting))

	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Received returns how many responses this session has counted.
func (s *Session) Received() int64 {
	return s.received.Load()
}

// UID returns the identity the session logs in with.
func (s *Session) UID() int64 {
	return s.cfg.UID
}

// Err returns the failure that closed the session, or nil while it is still
// open.
func (s *Session) Err() error {
	if s.State() != Closed {
		return nil
	}

	return s.err
}

// Run drives the session to completion. Connect and login failures are
// returned as a fatal *Error. Failures in the receive loop close the session,
// are logged and counted, and Run returns nil.
//
// Parameters:
//   - ctx: Cancelling ctx closes the session
//
// Returns:
//   - nil once the receive loop ends, or the fatal *Error
func (s *Session) Run(ctx context.Context) error {
	s.emit(Connecting, nil)

	if err := s.connect(ctx); err != nil {
		s.close(err)
		return err
	}

	if err := s.login(ctx); err != nil {
		s.close(err)
		return err
	}

	s.close(s.receiveLoop(ctx))
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	dialCtx, cancel := withTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.opts.Dialer.Dial(dialCtx, s.cfg.Address)
	if err != nil {
		return s.fail(ctx, KindConnect, err)
	}

	s.conn = conn
	return nil
}

// login is fire-and-forget: the ack, if any, is counted like any other
// response by the receive loop.
func (s *Session) login(ctx context.Context) error {
	payload, err := s.opts.Encoder.Login(s.cfg.UID)
	if err != nil {
		return s.fail(ctx, KindLogin, err)
	}

	sendCtx, cancel := withTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	if err := s.conn.Send(sendCtx, payload); err != nil {
		return s.fail(ctx, KindLogin, err)
	}

	s.setState(LoggedIn, nil)
	s.log.Debug("login sent")
	return nil
}

func (s *Session) receiveLoop(ctx context.Context) error {
	s.setState(Receiving, nil)

	for {
		payload, err := s.receive(ctx)
		if err != nil {
			return s.fail(ctx, classify(ctx, err), err)
		}

		// Elements preceding a bad one are still counted.
		rsps, err := protocol.DecodeResponses(payload)
		for range rsps {
			s.received.Add(1)
			s.opts.Reporter.Report(s.opts.Monitor.Add(1))
		}
		if err != nil {
			return s.fail(ctx, classify(ctx, err), err)
		}
	}
}

func (s *Session) receive(ctx context.Context) ([]byte, error) {
	recvCtx, cancel := withTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()

	return s.conn.Receive(recvCtx)
}

// fail wraps err as a session *Error. A cancelled run overrides the kind so
// shutdown is never mistaken for a server fault.
func (s *Session) fail(ctx context.Context, kind Kind, err error) error {
	if ctx.Err() != nil {
		kind = KindCancelled
	}

	return &Error{Kind: kind, Index: s.cfg.Index, UID: s.cfg.UID, Err: err}
}

// close releases the connection once and enters the terminal state.
func (s *Session) close(err error) {
	s.closeOnce.Do(func() {
		if s.conn != nil {
			_ = s.conn.Close()
		}

		s.err = err
		s.report(err)
		s.setState(Closed, err)
	})
}

func (s *Session) report(err error) {
	var sessErr *Error
	if !errors.As(err, &sessErr) {
		return
	}

	s.opts.Monitor.Failure(string(sessErr.Kind))
	fields := []logger.Field{
		logger.F("kind", string(sessErr.Kind)),
		logger.F("received", s.Received()),
		logger.Err(sessErr.Err),
	}

	switch {
	case sessErr.Kind == KindCancelled:
		s.log.Debug("session cancelled", fields...)
	case sessErr.Fatal():
		s.log.Error("session failed before receiving", fields...)
	default:
		s.log.Warn("session closed", fields...)
	}
}

func (s *Session) setState(state State, err error) {
	s.state.Store(int32(state))
	s.emit(state, err)
}

func (s *Session) emit(state State, err error) {
	if s.opts.OnStateChange == nil {
		return
	}

	s.opts.OnStateChange(StateEvent{
		Index:     s.cfg.Index,
		UID:       s.cfg.UID,
		State:     state,
		Timestamp: time.Now(),
		Error:     err,
	})
}

func classify(ctx context.Context, err error) Kind {
	switch {
	case ctx.Err() != nil:
		return KindCancelled
	case errors.Is(err, protocol.ErrMalformedPayload):
		return KindMalformedPayload
	case errors.Is(err, protocol.ErrProtocolViolation):
		return KindProtocolViolation
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case transport.IsClosed(err):
		return KindConnectionClosed
	default:
		return KindTransport
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, timeout)
}
