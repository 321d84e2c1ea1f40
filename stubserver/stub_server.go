// Package stubserver is a minimal websocket push server for exercising the
// load generator locally and in tests. Each connection must log in with its
// first batch; the server then pushes batches of "rcvdata" responses.
package stubserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"

	"github.com/cyberinferno/pushload/logger"
	"github.com/cyberinferno/pushload/protocol"
	"github.com/cyberinferno/pushload/safemap"
	"github.com/cyberinferno/pushload/sequence"
	"github.com/cyberinferno/pushload/transport"
)

// Config controls what the stub server pushes.
type Config struct {
	// Path is the websocket endpoint, "/push" by default.
	Path string
	// LoginDeadline is how long a new connection may take to log in.
	LoginDeadline time.Duration
	// AckLogin sends a login response before any push.
	AckLogin bool
	// Pushes is the number of push batches per connection; negative means
	// push forever.
	Pushes int
	// BatchSize is the number of rcvdata responses per push batch.
	BatchSize int
	// Interval separates consecutive push batches; the first is immediate.
	Interval time.Duration
	// CloseAfterPushes closes the connection once Pushes batches were sent.
	CloseAfterPushes bool
	// DuplicateWindow is how long a uid is remembered for duplicate login
	// accounting.
	DuplicateWindow time.Duration
}

// DefaultConfig returns a stub that acks logins and pushes one batch of
// ten responses every second forever.
func DefaultConfig() Config {
	return Config{
		Path:            "/push",
		LoginDeadline:   time.Second,
		AckLogin:        true,
		Pushes:          -1,
		BatchSize:       10,
		Interval:        time.Second,
		DuplicateWindow: time.Minute,
	}
}

// RecvData is the payload of a pushed rcvdata response.
type RecvData struct {
	ID   int64  `json:"id"`
	UID  int64  `json:"uid"`
	Chan string `json:"chan"`
	Data string `json:"data"`
}

type client struct {
	id   int64
	uid  int64
	conn transport.Conn
}

// Server accepts websocket clients and pushes to them. Connected clients are
// tracked by connection id.
type Server struct {
	cfg      Config
	log      logger.Logger
	upgrader websocket.Upgrader

	ids     *sequence.Generator
	clients *safemap.SafeMap[int64, *client]
	uids    *cache.Cache

	logins     atomic.Int64
	duplicates atomic.Int64
	pushed     atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	http     *http.Server
	listener net.Listener

	// mu orders wg.Add in handlers against Stop's wg.Wait.
	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New creates a Server. Zero fields of cfg fall back to DefaultConfig.
//
// Parameters:
//   - cfg: Push behaviour
//   - log: Logger for connection events; nil discards
//
// Returns:
//   - A Server ready to Start
func New(cfg Config, log logger.Logger) *Server {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.LoginDeadline <= 0 {
		cfg.LoginDeadline = def.LoginDeadline
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = def.DuplicateWindow
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		log:     log,
		ids:     sequence.NewGenerator(0),
		clients: safemap.NewSafeMap[int64, *client](),
		uids:    cache.New(cfg.DuplicateWindow, 2*cfg.DuplicateWindow),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start listens on addr ("127.0.0.1:0" picks a free port) and serves in a
// goroutine.
//
// Returns:
//   - An error if the server is already running or listening fails
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("stub server already running")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("stub server failed to start: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleStream)

	s.listener = ln
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.running = true

	s.log.Info("stub server started", logger.F("addr", ln.Addr().String()), logger.F("path", s.cfg.Path))
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("stub server stopped serving", logger.Err(err))
		}
	}()

	return nil
}

// Stop closes the listener and every client connection, then waits for the
// connection handlers to return. Safe to call when not running.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	_ = s.http.Close()

	s.clients.Range(func(_ int64, c *client) bool {
		_ = c.conn.Close()
		return true
	})
	s.wg.Wait()

	s.log.Info("stub server stopped", logger.F("logins", s.Logins()), logger.F("pushed", s.Pushed()))
}

// URL returns the websocket URL clients should dial.
func (s *Server) URL() string {
	if s.listener == nil {
		return ""
	}

	return "ws://" + s.listener.Addr().String() + s.cfg.Path
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	return s.clients.Len()
}

// Logins returns the number of successful logins.
func (s *Server) Logins() int64 {
	return s.logins.Load()
}

// DuplicateLogins counts logins whose uid was already seen within the
// duplicate window.
func (s *Server) DuplicateLogins() int64 {
	return s.duplicates.Load()
}

// Pushed returns the number of rcvdata responses sent.
func (s *Server) Pushed() int64 {
	return s.pushed.Load()
}

// track registers a handler with the shutdown WaitGroup; it reports false
// once Stop has begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}

	s.wg.Add(1)
	return true
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "stub server stopping", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logger.Err(err))
		return
	}

	c := &client{id: s.ids.Next(), conn: transport.NewWebsocketConn(ws)}
	s.clients.Store(c.id, c)
	defer func() {
		s.clients.Delete(c.id)
		_ = c.conn.Close()
	}()

	// Stop may have closed every stored client before this one was stored.
	if s.ctx.Err() != nil {
		return
	}

	log := s.log.With(logger.F("client", c.id))
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	seq, err := s.awaitLogin(ctx, c)
	if err != nil {
		log.Warn("login failed", logger.Err(err))
		return
	}
	log.Debug("client logged in", logger.F("uid", c.uid))

	if s.cfg.AckLogin {
		if err := s.ackLogin(ctx, c, seq); err != nil {
			log.Warn("login ack failed", logger.Err(err))
			return
		}
	}

	// Drain anything the client sends so a disconnect is noticed.
	go func() {
		defer cancel()
		for {
			if _, err := c.conn.Receive(ctx); err != nil {
				return
			}
		}
	}()

	if err := s.push(ctx, c); err != nil {
		log.Debug("push stopped", logger.Err(err))
		return
	}

	if !s.cfg.CloseAfterPushes {
		<-ctx.Done()
	}
}

// awaitLogin reads the first batch, which must start with a login request.
func (s *Server) awaitLogin(ctx context.Context, c *client) (int64, error) {
	loginCtx, cancel := context.WithTimeout(ctx, s.cfg.LoginDeadline)
	defer cancel()

	payload, err := c.conn.Receive(loginCtx)
	if err != nil {
		return 0, err
	}

	reqs, err := protocol.DecodeRequests(payload)
	if err != nil {
		return 0, err
	}
	if len(reqs) == 0 || reqs[0].Cmd != protocol.CmdLogin {
		return 0, fmt.Errorf("%w: first request is not login", protocol.ErrProtocolViolation)
	}

	uid, err := loginUID(reqs[0].Data)
	if err != nil {
		return 0, err
	}

	c.uid = uid
	s.recordLogin(uid, c.id)
	return reqs[0].Seq, nil
}

func (s *Server) recordLogin(uid, id int64) {
	s.logins.Add(1)
	key := strconv.FormatInt(uid, 10)
	if err := s.uids.Add(key, id, cache.DefaultExpiration); err != nil {
		s.duplicates.Add(1)
		s.uids.Set(key, id, cache.DefaultExpiration)
	}
}

func (s *Server) ackLogin(ctx context.Context, c *client, seq int64) error {
	rsp, err := protocol.NewResponse(protocol.CmdLogin, seq, map[string]int64{"id": c.id})
	if err != nil {
		return err
	}

	payload, err := protocol.EncodeResponses([]protocol.ResponseData{rsp})
	if err != nil {
		return err
	}

	return c.conn.Send(ctx, payload)
}

func (s *Server) push(ctx context.Context, c *client) error {
	var ticker *time.Ticker
	if s.cfg.Interval > 0 {
		ticker = time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
	}

	for n := 0; s.cfg.Pushes < 0 || n < s.cfg.Pushes; n++ {
		if n > 0 && ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}

		payload, err := s.batch(c, n)
		if err != nil {
			return err
		}

		if err := c.conn.Send(ctx, payload); err != nil {
			return err
		}
		s.pushed.Add(int64(s.cfg.BatchSize))
	}

	return nil
}

func (s *Server) batch(c *client, n int) ([]byte, error) {
	rsps := make([]protocol.ResponseData, 0, s.cfg.BatchSize)
	for i := 0; i < s.cfg.BatchSize; i++ {
		rsp, err := protocol.NewResponse(protocol.CmdRecvData, 0, RecvData{
			ID:   c.id,
			UID:  c.uid,
			Data: fmt.Sprintf("push-%d-%d", n, i),
		})
		if err != nil {
			return nil, err
		}
		rsps = append(rsps, rsp)
	}

	return protocol.EncodeResponses(rsps)
}

func loginUID(data any) (int64, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return 0, fmt.Errorf("%w: login data is not an object", protocol.ErrProtocolViolation)
	}

	uid, ok := m["uid"].(float64)
	if !ok {
		return 0, fmt.Errorf("%w: login data has no numeric uid", protocol.ErrProtocolViolation)
	}

	return int64(uid), nil
}
