// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/optimus-run/optimus/internal/broker"
	"github.com/optimus-run/optimus/internal/config"
	"github.com/optimus-run/optimus/internal/gateway"
	"github.com/optimus-run/optimus/internal/obs"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/gateway.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.LoadGateway(configPath)
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

	tp, err := obs.MaybeInitTracing(cfg.Observability.Tracing, "optimus-gateway")
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

	br := broker.New(rdb, 0, 0)
	gw := gateway.New(cfg, br, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	obs.StartQueueDepthUpdater(ctx, rdb, logger, 5*time.Second)

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

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: gw.Router(),
	}
	go func() {
		logger.Info("gateway listening", obs.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("gateway server error", obs.Err(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown error", obs.Err(err))
	}
}
