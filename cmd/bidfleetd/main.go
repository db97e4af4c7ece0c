// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/luxfi/bidfleet/pkg/broker"
	"github.com/luxfi/bidfleet/pkg/campaign"
	"github.com/luxfi/bidfleet/pkg/config"
	"github.com/luxfi/bidfleet/pkg/log"
	"github.com/luxfi/bidfleet/pkg/metric"
	"github.com/luxfi/bidfleet/pkg/stats"
	"github.com/luxfi/bidfleet/pkg/store"
	"github.com/luxfi/bidfleet/pkg/strategy"
	"github.com/luxfi/bidfleet/pkg/supervisor"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version information")
		logLevel    = flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("bidfleetd v%s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := log.NewWithLevel(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting bidfleetd", "version", Version)

	// No meaningful operation is possible without the broker; only this
	// initial connect is fatal.
	bus, err := broker.Connect(cfg.AMQPURL, cfg.PrefetchCount, logger)
	if err != nil {
		logger.Fatal("broker connect failed", "url", cfg.AMQPURL, "error", err)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DirectoryURL)
	if err != nil {
		logger.Fatal("campaign directory connect failed", "error", err)
	}
	directory := campaign.NewPostgresDirectory(pool)

	ledger, err := store.Open(cfg.StorePath)
	if err != nil {
		logger.Fatal("snapshot store open failed", "path", cfg.StorePath, "error", err)
	}

	metrics, err := metric.NewMetrics()
	if err != nil {
		logger.Fatal("metrics init failed", "error", err)
	}

	hub := stats.NewHub(logger)
	engine := strategy.NewEngine()

	spawner := supervisor.New(cfg, directory, bus, engine, ledger, ledger, metrics, hub, logger)
	if err := spawner.Start(ctx); err != nil {
		logger.Fatal("supervisor start failed", "error", err)
	}

	server := stats.NewServer(cfg.StatsPort, spawner, ledger, metrics, hub, logger)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			logger.Error("stats server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	spawner.Stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("stats server shutdown failed", "error", err)
	}
	if err := bus.Close(); err != nil && err != broker.ErrClosed {
		logger.Warn("broker close failed", "error", err)
	}
	pool.Close()
	if err := ledger.Close(); err != nil {
		logger.Warn("snapshot store close failed", "error", err)
	}

	logger.Info("bidfleetd stopped")
}
