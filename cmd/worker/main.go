// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/optimus-run/optimus/internal/broker"
	"github.com/optimus-run/optimus/internal/config"
	"github.com/optimus-run/optimus/internal/obs"
	"github.com/optimus-run/optimus/internal/sandbox"
	"github.com/optimus-run/optimus/internal/worker"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/worker.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	// Crash-fast: any missing/mismatched required env var exits here,
	// before a broker connection or docker client is ever opened (§4.3).
	cfg, err := config.LoadWorker(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(obs.String("language", string(cfg.Language)))

	tp, err := obs.MaybeInitTracing(cfg.Observability.Tracing, "optimus-worker-"+string(cfg.Language))
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb, err := broker.NewClient(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to build redis client", obs.Err(err))
	}
	defer func() { _ = rdb.Close() }()

	br := broker.New(rdb, time.Duration(cfg.ResultTTLSeconds)*time.Second, cfg.CompressThresholdBytes)
	if err := br.Ping(context.Background()); err != nil {
		logger.Fatal("broker unreachable", obs.Err(err))
	}

	cache, err := worker.NewImageCache(logger)
	if err != nil {
		logger.Fatal("failed to init image cache", obs.Err(err))
	}
	defer func() { _ = cache.Close() }()

	driver := sandbox.New(cfg.StdoutStderrCapBytes)
	wrk := worker.New(cfg, br, driver, cache, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	readyCheck := func(c context.Context) error { return br.Ping(c) }
	httpSrv := obs.StartHTTPServer(cfg.Observability.MetricsPort, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	if err := wrk.Run(ctx); err != nil {
		logger.Fatal("worker error", obs.Err(err))
	}
}
