// Package statsink publishes run statistics to a shared store so that several
// load generator hosts can be aggregated into one view.
package statsink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cyberinferno/pushload/logger"
)

// Snapshot is the data a Sink publishes.
type Snapshot struct {
	Total    int64
	Failures map[string]int64
}

// SourceFunc produces the current snapshot.
type SourceFunc func() Snapshot

// Sink receives snapshots.
type Sink interface {
	// Publish stores snap.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - snap: Current totals of this host
	//
	// Returns:
	//   - An error if the store could not be updated
	Publish(ctx context.Context, snap Snapshot) error
}

// RedisSink accumulates receive totals of every host under one key and keeps
// a failure hash per host.
//
// Keys written for prefix "pushload":
//   - pushload:recv            INCRBY of the total received since the last publish
//   - pushload:failures:<host> HSET of failure kind to count
type RedisSink struct {
	client redis.Cmdable
	prefix string
	host   string

	mu        sync.Mutex
	published int64
}

// NewRedisSink creates a sink writing under prefix. An empty host defaults to
// the machine's hostname.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	sink := statsink.NewRedisSink(client, "pushload", "")
func NewRedisSink(client redis.Cmdable, prefix, host string) *RedisSink {
	if host == "" {
		if h, err := os.Hostname(); err == nil {
			host = h
		} else {
			host = "unknown"
		}
	}

	return &RedisSink{
		client: client,
		prefix: prefix,
		host:   host,
	}
}

// RecvKey is the key holding the aggregate receive count.
func (s *RedisSink) RecvKey() string {
	return s.prefix + ":recv"
}

// FailuresKey is the hash holding this host's failure counts.
func (s *RedisSink) FailuresKey() string {
	return fmt.Sprintf("%s:failures:%s", s.prefix, s.host)
}

// Publish implements Sink. Only the delta since the previous successful
// publish is added, so a total is never counted twice.
func (s *RedisSink) Publish(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delta := snap.Total - s.published
	if delta < 0 {
		delta = 0
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if delta > 0 {
			pipe.IncrBy(ctx, s.RecvKey(), delta)
		}
		if len(snap.Failures) > 0 {
			values := make(map[string]any, len(snap.Failures))
			for kind, n := range snap.Failures {
				values[kind] = n
			}
			pipe.HSet(ctx, s.FailuresKey(), values)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish stats: %w", err)
	}

	if delta > 0 {
		s.published += delta
	}
	return nil
}

// Run publishes source every interval until ctx is done, then publishes a
// final snapshot using a short detached timeout.
//
// Parameters:
//   - ctx: Stops the loop when cancelled
//   - sink: Destination of the snapshots
//   - interval: Time between publishes; must be positive
//   - source: Produces the snapshot to publish
//   - log: Receives publish failures; nil discards
func Run(ctx context.Context, sink Sink, interval time.Duration, source SourceFunc, log logger.Logger) error {
	if interval <= 0 {
		return errors.New("stats interval must be positive")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := sink.Publish(finalCtx, source()); err != nil {
				log.Warn("final stats publish failed", logger.Err(err))
				return err
			}
			return nil
		case <-ticker.C:
			if err := sink.Publish(ctx, source()); err != nil && ctx.Err() == nil {
				log.Warn("stats publish failed", logger.Err(err))
			}
		}
	}
}
