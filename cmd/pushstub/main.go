// Command pushstub runs a local push server for trying pushload without a
// real backend.
//
//	pushstub --listen 127.0.0.1:8080 --batch 5 --interval 200ms
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/cyberinferno/pushload/logger"
	"github.com/cyberinferno/pushload/stubserver"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	def := stubserver.DefaultConfig()
	cfg := def

	fs := pflag.NewFlagSet("pushstub", pflag.ContinueOnError)
	listen := fs.StringP("listen", "l", "127.0.0.1:8080", "address to listen on")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error")
	fs.StringVar(&cfg.Path, "path", def.Path, "websocket endpoint path")
	fs.DurationVar(&cfg.LoginDeadline, "login-deadline", def.LoginDeadline, "time a client has to log in")
	fs.BoolVar(&cfg.AckLogin, "ack-login", def.AckLogin, "answer logins with a login response")
	fs.IntVar(&cfg.Pushes, "pushes", def.Pushes, "push batches per client, negative pushes forever")
	fs.IntVar(&cfg.BatchSize, "batch", def.BatchSize, "rcvdata responses per batch")
	fs.DurationVar(&cfg.Interval, "interval", def.Interval, "time between batches")
	fs.BoolVar(&cfg.CloseAfterPushes, "close-after-pushes", def.CloseAfterPushes, "disconnect once all batches were sent")
	fs.DurationVar(&cfg.DuplicateWindow, "duplicate-window", def.DuplicateWindow, "how long a uid counts toward duplicate logins")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	log := logger.NewConsoleLogger(os.Stderr, "pushstub", level)
	defer log.Close()

	srv := stubserver.New(cfg, log)
	if err := srv.Start(*listen); err != nil {
		log.Error("cannot start stub server", logger.Err(err))
		return 1
	}
	log.Info("accepting clients", logger.F("url", srv.URL()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	srv.Stop()
	log.Info("summary",
		logger.F("logins", srv.Logins()),
		logger.F("duplicate_logins", srv.DuplicateLogins()),
		logger.F("pushed", srv.Pushed()),
	)
	return 0
}
