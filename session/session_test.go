package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/pushload/perfmonitor"
	"github.com/cyberinferno/pushload/progress"
	"github.com/cyberinferno/pushload/protocol"
	"github.com/cyberinferno/pushload/sequence"
	"github.com/cyberinferno/pushload/transport"
	"github.com/cyberinferno/pushload/transport/transporttest"
)

type fixture struct {
	dialer   *transporttest.Dialer
	monitor  *perfmonitor.PerformanceMonitor
	seq      *sequence.Generator
	mu       sync.Mutex
	reported []int64
	events   []StateEvent
}

func newFixture(newConn func(n int, address string) (*transporttest.Conn, error)) *fixture {
	return &fixture{
		dialer:  &transporttest.Dialer{New: newConn},
		monitor: perfmonitor.NewPerformanceMonitor(),
		seq:     sequence.NewGenerator(0),
	}
}

func (f *fixture) options() Options {
	return Options{
		Dialer:  f.dialer,
		Encoder: protocol.NewEncoder(f.seq),
		Monitor: f.monitor,
		Reporter: progress.ReporterFunc(func(total int64) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.reported = append(f.reported, total)
		}),
		OnStateChange: func(event StateEvent) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, event)
		},
	}
}

func (f *fixture) states(index int) []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []State
	for _, e := range f.events {
		if e.Index == index {
			out = append(out, e.State)
		}
	}
	return out
}

func (f *fixture) lastReported() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reported) == 0 {
		return 0
	}
	return f.reported[len(f.reported)-1]
}

func scripted(batches ...string) func(int, string) (*transporttest.Conn, error) {
	return func(int, string) (*transporttest.Conn, error) {
		conn := transporttest.NewConn(len(batches) + 1)
		for _, b := range batches {
			conn.Push([]byte(b))
		}
		conn.CloseRemote()
		return conn, nil
	}
}

func sessionError(t *testing.T, err error) *Error {
	t.Helper()
	var sessErr *Error
	require.True(t, errors.As(err, &sessErr), "not a session error: %v", err)
	return sessErr
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "LoggedIn", LoggedIn.String())
	assert.Equal(t, "Receiving", Receiving.String())
	assert.Equal(t, "Closed", Closed.String())
	assert.Equal(t, "Unknown", State(42).String())
}

func TestSession_Run(t *testing.T) {
	t.Run("counts every response until the peer closes", func(t *testing.T) {
		f := newFixture(scripted(
			`[{"cmd":"login","code":0,"data":{"id":1}},{"cmd":"rcvdata"}]`,
			`[{"cmd":"rcvdata"}]`,
		))
		s := New(Config{Index: 0, UID: 42, Address: "ws://stub/push"}, f.options())

		require.NoError(t, s.Run(context.Background()))

		assert.Equal(t, int64(3), s.Received())
		assert.Equal(t, int64(3), f.monitor.Total())
		assert.Equal(t, []int64{1, 2, 3}, f.reported)
		assert.Equal(t, Closed, s.State())
		assert.Equal(t, KindConnectionClosed, sessionError(t, s.Err()).Kind)
		assert.Equal(t, map[string]int64{"connection_closed": 1}, f.monitor.Failures())
	})

	t.Run("opaque fields and empty cmds are counted", func(t *testing.T) {
		f := newFixture(scripted(
			`[{"cmd":"rcvdata","seq":1.5,"code":"ok","msg":5},{"cmd":""}]`,
		))
		s := New(Config{UID: 42}, f.options())

		require.NoError(t, s.Run(context.Background()))

		assert.Equal(t, int64(2), s.Received())
		assert.Equal(t, KindConnectionClosed, sessionError(t, s.Err()).Kind)
	})

	t.Run("sends a single login batch with the uid", func(t *testing.T) {
		f := newFixture(scripted())
		s := New(Config{UID: 42, Address: "ws://stub/push"}, f.options())

		require.NoError(t, s.Run(context.Background()))

		conns := f.dialer.Conns()
		require.Len(t, conns, 1)
		sent := conns[0].Sent()
		require.Len(t, sent, 1)
		assert.JSONEq(t, `[{"cmd":"login","seq":1,"immed":true,"data":{"uid":42}}]`, string(sent[0]))
		assert.Equal(t, 1, conns[0].CloseCalls())
	})

	t.Run("login is sent before anything is received", func(t *testing.T) {
		f := newFixture(scripted(`[{"cmd":"rcvdata"}]`, `[{"cmd":"rcvdata"}]`))
		s := New(Config{UID: 1}, f.options())

		require.NoError(t, s.Run(context.Background()))

		journal := f.dialer.Conns()[0].Journal()
		assert.Equal(t, []string{"send", "receive", "receive"}, journal)
	})

	t.Run("walks the lifecycle in order", func(t *testing.T) {
		f := newFixture(scripted(`[{"cmd":"rcvdata"}]`))
		s := New(Config{Index: 7, UID: 1}, f.options())

		require.NoError(t, s.Run(context.Background()))

		assert.Equal(t, []State{Connecting, LoggedIn, Receiving, Closed}, f.states(7))
	})
}

func TestSession_Run_receiveFailures(t *testing.T) {
	for name, tc := range map[string]struct {
		batch    string
		kind     Kind
		received int64
	}{
		"malformed payload":   {batch: `not json`, kind: KindMalformedPayload, received: 1},
		"object not array":    {batch: `{"cmd":"rcvdata"}`, kind: KindMalformedPayload, received: 1},
		"non-string cmd":      {batch: `[{"cmd":5}]`, kind: KindMalformedPayload, received: 1},
		"missing cmd":         {batch: `[{"seq":1}]`, kind: KindProtocolViolation, received: 1},
		"violation mid-batch": {batch: `[{"cmd":"rcvdata"},{"data":1},{"cmd":"rcvdata"}]`, kind: KindProtocolViolation, received: 2},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(scripted(`[{"cmd":"rcvdata"}]`, tc.batch, `[{"cmd":"rcvdata"}]`))
			s := New(Config{UID: 5}, f.options())

			err := s.Run(context.Background())

			require.NoError(t, err)
			assert.Equal(t, Closed, s.State())
			sessErr := sessionError(t, s.Err())
			assert.Equal(t, tc.kind, sessErr.Kind)
			assert.False(t, sessErr.Fatal())
			assert.Equal(t, tc.received, s.Received(), "nothing after the bad element is counted")
			assert.Equal(t, int64(1), f.monitor.Failures()[string(tc.kind)])
			assert.True(t, f.dialer.Conns()[0].Closed())
		})
	}

	t.Run("read timeout closes the session", func(t *testing.T) {
		f := newFixture(func(int, string) (*transporttest.Conn, error) {
			return transporttest.NewConn(1), nil
		})
		s := New(Config{UID: 5, ReadTimeout: 20 * time.Millisecond}, f.options())

		require.NoError(t, s.Run(context.Background()))
		assert.Equal(t, KindTimeout, sessionError(t, s.Err()).Kind)
	})

	t.Run("other transport errors", func(t *testing.T) {
		assert.Equal(t, KindTransport, classify(context.Background(), errors.New("reset")))
		assert.Equal(t, KindConnectionClosed, classify(context.Background(), transport.ErrClosed))
	})
}

func TestSession_Run_fatalFailures(t *testing.T) {
	t.Run("connect failure is returned", func(t *testing.T) {
		f := newFixture(func(int, string) (*transporttest.Conn, error) {
			return nil, errors.New("connection refused")
		})
		s := New(Config{Index: 2, UID: 9}, f.options())

		err := s.Run(context.Background())

		sessErr := sessionError(t, err)
		assert.Equal(t, KindConnect, sessErr.Kind)
		assert.True(t, sessErr.Fatal())
		assert.True(t, IsFatal(err))
		assert.Equal(t, 2, sessErr.Index)
		assert.Equal(t, int64(9), sessErr.UID)
		assert.Contains(t, err.Error(), "connection refused")
		assert.Equal(t, Closed, s.State())
		assert.Equal(t, []State{Connecting, Closed}, f.states(2))
		assert.Equal(t, int64(1), f.monitor.Failures()["connect"])
	})

	t.Run("login send failure is returned", func(t *testing.T) {
		f := newFixture(func(int, string) (*transporttest.Conn, error) {
			conn := transporttest.NewConn(1)
			conn.FailSends(errors.New("broken pipe"))
			return conn, nil
		})
		s := New(Config{UID: 9}, f.options())

		err := s.Run(context.Background())

		assert.Equal(t, KindLogin, sessionError(t, err).Kind)
		assert.True(t, IsFatal(err))
		assert.True(t, f.dialer.Conns()[0].Closed())
	})
}

func TestSession_Run_cancel(t *testing.T) {
	t.Run("cancel during receive ends quietly", func(t *testing.T) {
		f := newFixture(func(int, string) (*transporttest.Conn, error) {
			return transporttest.NewConn(1), nil
		})
		s := New(Config{UID: 1}, f.options())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- s.Run(ctx) }()

		require.Eventually(t, func() bool { return s.State() == Receiving }, time.Second, 5*time.Millisecond)
		cancel()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("session did not stop")
		}
		assert.Equal(t, KindCancelled, sessionError(t, s.Err()).Kind)
		assert.True(t, f.dialer.Conns()[0].Closed())
	})

	t.Run("cancel before connect is not fatal", func(t *testing.T) {
		f := newFixture(scripted())
		s := New(Config{UID: 1}, f.options())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := s.Run(ctx)
		require.Error(t, err)
		assert.Equal(t, KindCancelled, sessionError(t, err).Kind)
		assert.False(t, IsFatal(err))
	})
}

func TestSession_isolation(t *testing.T) {
	f := newFixture(func(n int, _ string) (*transporttest.Conn, error) {
		conn := transporttest.NewConn(4)
		if n == 0 {
			conn.Push([]byte(`garbage`))
		} else {
			conn.Push([]byte(`[{"cmd":"rcvdata"},{"cmd":"rcvdata"}]`))
		}
		return conn, nil
	})

	broken := New(Config{Index: 0, UID: 1}, f.options())
	require.NoError(t, broken.Run(context.Background()))
	assert.Equal(t, Closed, broken.State())

	healthy := New(Config{Index: 1, UID: 2}, f.options())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = healthy.Run(ctx) }()

	require.Eventually(t, func() bool { return healthy.Received() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Receiving, healthy.State())
	assert.Nil(t, healthy.Err())
	assert.Equal(t, int64(2), f.monitor.Total())
	assert.Equal(t, int64(2), f.lastReported())
}
