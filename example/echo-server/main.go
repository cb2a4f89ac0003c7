//go:build linux

//Echo server: every byte received on a connection is sent back to it.
//Runs on io_uring when the kernel allows it and falls back to the Go netpoller otherwise.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/godzie44/uring-echo/config"
	"github.com/godzie44/uring-echo/logging"
	ringnet "github.com/godzie44/uring-echo/net"
	"github.com/godzie44/uring-echo/reactor"
	"github.com/godzie44/uring-echo/server"
	"github.com/godzie44/uring-echo/uring"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("echo-server", flag.ExitOnError)
	configPath := fs.String("config", "", "path to TOML config file")

	flagCfg := config.Default()
	config.RegisterFlags(fs, &flagCfg)
	_ = fs.Parse(args)

	cfg := flagCfg
	if *configPath != "" {
		fileCfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		cfg = fileCfg
		config.Override(&cfg, flagCfg, fs)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	//worker pool size derives from GOMAXPROCS, align it with the container CPU quota first
	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		_ = logger.Log("level", "debug", "msg", fmt.Sprintf(format, args...))
	}))
	if err != nil {
		_ = logger.Log("level", "warn", "msg", "set GOMAXPROCS", "err", err)
	}
	defer undo()

	listener, err := ringnet.Listen(cfg.Host, cfg.Port, cfg.Backlog)
	if err != nil {
		_ = logger.Log("level", "error", "msg", "listen", "err", err)
		return 1
	}
	defer listener.Close()

	queue, backend, err := openQueue(cfg, logger)
	if err != nil {
		_ = logger.Log("level", "error", "msg", "open completion queue", "backend", cfg.Backend, "err", err)
		return 1
	}
	defer queue.Close()

	srv, err := server.New(listener, queue,
		server.WithLogger(logger),
		server.WithAcceptDepth(cfg.AcceptDepth),
		server.WithWorkers(cfg.Workers),
		server.WithBufferSize(cfg.BufferSize),
		server.WithIdleTimeout(cfg.IdleTimeout.Duration),
		server.WithRetryInterval(cfg.AcceptRetry.Duration),
		server.WithStatsInterval(cfg.StatsInterval.Duration),
	)
	if err != nil {
		_ = logger.Log("level", "error", "msg", "create server", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = logger.Log("level", "info", "msg", "echo server starting", "backend", backend)

	if err = srv.Run(ctx); err != nil {
		_ = logger.Log("level", "error", "msg", "serve", "err", err)
		return 1
	}
	return 0
}

func openQueue(cfg config.Config, logger reactor.Logger) (reactor.CompletionQueue, string, error) {
	opts := []reactor.Option{
		reactor.WithLogger(logger),
		reactor.WithIOWQMaxWorkers(cfg.IOWQWorkers),
	}

	if cfg.Backend == config.BackendNetpoll {
		return reactor.NewNetpoll(opts...), config.BackendNetpoll, nil
	}

	q, err := reactor.NewURing(cfg.RingEntries, opts...)
	if err == nil {
		return q, config.BackendURing, nil
	}

	if cfg.Backend == config.BackendAuto && errors.Is(err, uring.ErrRingSetup) {
		_ = logger.Log("level", "warn", "msg", "io_uring unavailable, using netpoll", "err", err)
		return reactor.NewNetpoll(opts...), config.BackendNetpoll, nil
	}
	return nil, "", err
}
