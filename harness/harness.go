// Package harness orchestrates a load run: it starts one session per
// simulated client, optionally ramping up, and waits for all of them.
package harness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cyberinferno/pushload/logger"
	"github.com/cyberinferno/pushload/perfmonitor"
	"github.com/cyberinferno/pushload/progress"
	"github.com/cyberinferno/pushload/protocol"
	"github.com/cyberinferno/pushload/safemap"
	"github.com/cyberinferno/pushload/sequence"
	"github.com/cyberinferno/pushload/session"
	"github.com/cyberinferno/pushload/transport"
)

// Options carries the collaborators of a run. Only Dialer is required.
type Options struct {
	Dialer        transport.Dialer
	Reporter      progress.Reporter
	Logger        logger.Logger
	OnStateChange session.StateHandler

	// Sequence and Monitor default to fresh instances; pass them to share
	// state with the caller.
	Sequence *sequence.Generator
	Monitor  *perfmonitor.PerformanceMonitor
}

// Snapshot is a point-in-time view of a run.
type Snapshot struct {
	Total    int64
	Pending  int
	States   map[session.State]int
	Failures map[string]int64
	Elapsed  time.Duration
	Rate     float64
}

// Harness runs Count sessions against one address. The sequence generator
// and monitor are shared by its sessions only, so independent harnesses can
// coexist in one process.
type Harness struct {
	cfg     Config
	opts    Options
	log     logger.Logger
	encoder *protocol.Encoder

	sessions *safemap.SafeMap[int, *session.Session]

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

// New validates cfg and creates a Harness.
//
// Parameters:
//   - cfg: The run parameters
//   - opts: Collaborators; Dialer is required
//
// Returns:
//   - A Harness ready to Run
//   - An error if cfg is invalid or no Dialer was given
func New(cfg Config, opts Options) (*Harness, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid harness config: %w", err)
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("invalid harness options: dialer is required")
	}

	mode, err := ParseIdentityMode(string(cfg.IdentityMode))
	if err != nil {
		return nil, fmt.Errorf("invalid harness config: %w", err)
	}
	cfg.IdentityMode = mode

	if opts.Reporter == nil {
		opts.Reporter = progress.Discard
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}
	if opts.Sequence == nil {
		opts.Sequence = sequence.NewGenerator(0)
	}
	if opts.Monitor == nil {
		opts.Monitor = perfmonitor.NewPerformanceMonitor()
	}

	return &Harness{
		cfg:      cfg,
		opts:     opts,
		log:      opts.Logger,
		encoder:  protocol.NewEncoder(opts.Sequence),
		sessions: safemap.NewSafeMap[int, *session.Session](),
	}, nil
}

// Run starts the sessions and blocks until every one has ended. Sessions
// normally only end on failure, so Run usually returns because ctx was
// cancelled or Stop was called, in which case it returns nil. The first
// connect or login failure cancels every other session and is returned.
//
// Parameters:
//   - ctx: Cancelling ctx stops the whole run
//
// Returns:
//   - nil after a graceful stop or once all sessions ended in the receive loop
//   - The fatal *session.Error that aborted the run
func (h *Harness) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !h.arm(cancel) {
		return nil
	}

	h.opts.Monitor.Start()
	defer h.opts.Monitor.Stop()

	h.log.Info("load run starting",
		logger.F("address", h.cfg.Address),
		logger.F("count", h.cfg.Count),
		logger.F("uid", h.cfg.UID),
		logger.F("identity_mode", string(h.cfg.IdentityMode)),
		logger.F("ramp_rate", h.cfg.RampRate),
	)

	g, gctx := errgroup.WithContext(runCtx)
	limiter := h.limiter()

	for i := 0; i < h.cfg.Count; i++ {
		if limiter != nil {
			if err := limiter.Wait(gctx); err != nil {
				h.log.Debug("ramp-up interrupted", logger.F("started", i))
				break
			}
		}

		s := h.newSession(i)
		h.sessions.Store(i, s)
		g.Go(func() error {
			if err := s.Run(gctx); err != nil && session.IsFatal(err) {
				return err
			}
			return nil
		})
	}

	err := g.Wait()
	snap := h.Snapshot()
	if err != nil {
		h.log.Error("load run aborted", logger.Err(err), logger.F("received", snap.Total))
		return fmt.Errorf("load run aborted: %w", err)
	}

	h.log.Info("load run finished",
		logger.F("received", snap.Total),
		logger.F("failures", snap.Failures),
		logger.F("elapsed", snap.Elapsed.String()),
	)
	return nil
}

// Stop broadcasts cancellation to every session. It is safe to call before,
// during or after Run, and more than once.
func (h *Harness) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.cancel != nil {
		h.cancel()
	}
}

// Monitor returns the run's shared counters.
func (h *Harness) Monitor() *perfmonitor.PerformanceMonitor {
	return h.opts.Monitor
}

// Sequence returns the run's shared sequence generator.
func (h *Harness) Sequence() *sequence.Generator {
	return h.opts.Sequence
}

// Snapshot reports per-state session counts and the shared counters.
func (h *Harness) Snapshot() Snapshot {
	snap := Snapshot{
		Total:    h.opts.Monitor.Total(),
		States:   make(map[session.State]int),
		Failures: h.opts.Monitor.Failures(),
		Elapsed:  h.opts.Monitor.Elapsed(),
		Rate:     h.opts.Monitor.Rate(),
	}

	started := 0
	h.sessions.Range(func(_ int, s *session.Session) bool {
		snap.States[s.State()]++
		started++
		return true
	})
	snap.Pending = h.cfg.Count - started

	return snap
}

// Session returns the session at index, if it has been started.
func (h *Harness) Session(index int) (*session.Session, bool) {
	return h.sessions.Load(index)
}

// arm records the run's cancel func; it reports false when Stop already ran.
func (h *Harness) arm(cancel context.CancelFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}

	h.cancel = cancel
	return true
}

func (h *Harness) limiter() *rate.Limiter {
	if h.cfg.RampRate <= 0 {
		return nil
	}

	burst := h.cfg.RampBurst
	if burst <= 0 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(h.cfg.RampRate), burst)
}

func (h *Harness) newSession(index int) *session.Session {
	return session.New(session.Config{
		Index:          index,
		UID:            h.cfg.IdentityFor(index),
		Address:        h.cfg.Address,
		ConnectTimeout: h.cfg.ConnectTimeout,
		WriteTimeout:   h.cfg.WriteTimeout,
		ReadTimeout:    h.cfg.ReadTimeout,
	}, session.Options{
		Dialer:        h.opts.Dialer,
		Encoder:       h.encoder,
		Monitor:       h.opts.Monitor,
		Reporter:      h.opts.Reporter,
		Logger:        h.log,
		OnStateChange: h.opts.OnStateChange,
	})
}
