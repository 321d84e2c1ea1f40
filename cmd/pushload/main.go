// Command pushload opens many concurrent websocket sessions against a push
// server, logs each one in and counts every pushed response.
//
//	pushload -a ws://127.0.0.1:8080/push -c 100 -u 10001
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/cyberinferno/pushload/config"
	"github.com/cyberinferno/pushload/harness"
	"github.com/cyberinferno/pushload/logger"
	"github.com/cyberinferno/pushload/progress"
	"github.com/cyberinferno/pushload/statsink"
	"github.com/cyberinferno/pushload/transport"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("pushload", pflag.ContinueOnError)
	flags := config.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := flags.Resolve()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reporter := progress.NewConsoleReporter(os.Stdout)

	h, err := harness.New(cfg.Harness(), harness.Options{
		Dialer:   transport.DefaultWebsocketDialer(),
		Reporter: reporter,
		Logger:   log,
	})
	if err != nil {
		log.Error("cannot start load run", logger.Err(err))
		return 1
	}

	statsDone := startStats(ctx, cfg.Stats, h, log)

	runErr := h.Run(ctx)
	stop()
	<-statsDone
	reporter.Finish()

	snap := h.Snapshot()
	log.Info("summary",
		logger.F("received", snap.Total),
		logger.F("failures", snap.Failures),
		logger.F("elapsed", snap.Elapsed.String()),
		logger.F("rate", snap.Rate),
	)

	if runErr != nil {
		return 1
	}
	return 0
}

func newLogger(cfg config.LoggingConfig) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	if cfg.Dir != "" {
		return logger.NewZerologFileLogger("pushload", cfg.Dir, level)
	}

	return logger.NewConsoleLogger(os.Stderr, "pushload", level), nil
}

// startStats publishes the run's counters to Redis until ctx is done. The
// returned channel is closed once the final publish has finished.
func startStats(ctx context.Context, cfg config.StatsConfig, h *harness.Harness, log logger.Logger) <-chan struct{} {
	done := make(chan struct{})
	if cfg.RedisAddr == "" {
		close(done)
		return done
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	sink := statsink.NewRedisSink(client, cfg.RedisKey, "")
	source := func() statsink.Snapshot {
		snap := h.Snapshot()
		return statsink.Snapshot{Total: snap.Total, Failures: snap.Failures}
	}

	go func() {
		defer close(done)
		defer client.Close()
		if err := statsink.Run(ctx, sink, cfg.Interval, source, log.With(logger.F("sink", sink.RecvKey()))); err != nil {
			log.Warn("stats sink stopped", logger.Err(err))
		}
	}()

	return done
}
