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

	httpapi "github.com/flyingrobots/go-traffic-signal-controller/internal/api"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/config"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/controller"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/engine"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/memory"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/obs"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/redisclient"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/sumo"
)

var version = "dev"

func main() {
	var configPath string
	var simMode string
	var autostart bool
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&simMode, "sim", "", "Simulator mode: synthetic|sumo (overrides sumo.mode)")
	fs.BoolVar(&autostart, "autostart", false, "Start the simulation loop immediately")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if simMode != "" {
		cfg.Sumo.Mode = simMode
		if err := config.Validate(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "invalid -sim value: %v\n", err)
			os.Exit(1)
		}
	}
	// Setup logging
	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Memory journal backend
	var backend memory.Backend
	switch cfg.Memory.Backend {
	case "redis":
		rdb := redisclient.New(cfg)
		defer rdb.Close()
		backend = memory.NewRedisBackend(rdb, cfg.Memory.RedisKey)
	default:
		backend, err = memory.NewFileBackend(cfg.Memory.Path)
		if err != nil {
			logger.Fatal("failed to open memory journal", obs.Err(err))
		}
	}
	store := memory.NewStore(backend, cfg.Memory.MaxRecords, cfg.Memory.MaxAge, logger)
	defer store.Close()

	// Simulator API
	var simAPI sumo.API
	switch cfg.Sumo.Mode {
	case "synthetic":
		simAPI = sumo.NewSynthetic(cfg.Sumo.SyntheticSeed)
	default:
		logger.Fatal("sumo mode requires an external TraCI transport; set sumo.mode=synthetic",
			obs.String("mode", cfg.Sumo.Mode))
	}

	adapter := sumo.NewAdapter(simAPI, cfg.Sumo.TrafficLight, logger)
	ctrl := controller.New(cfg.Controller, store, logger)
	declog := engine.NewDecisionLog(cfg.DecisionLog)
	defer declog.Close()
	eng := engine.New(cfg, adapter, ctrl, declog, logger)

	// Scheduled memory compaction, keyed to simulated time
	compactor, err := memory.StartCompactor(store, cfg.Memory.CompactSchedule,
		func() int { return eng.Status().Time }, logger)
	if err != nil {
		logger.Fatal("failed to schedule memory compaction", obs.Err(err))
	}
	defer compactor.Stop()

	// HTTP server: metrics, healthz, readyz
	httpSrv := obs.StartHTTPServer(cfg.Observability.MetricsPort, nil)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		// If a second signal arrives, force exit
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	if autostart {
		if err := eng.Start(ctx); err != nil {
			logger.Fatal("failed to start simulation", obs.Err(err))
		}
	}

	apiSrv := httpapi.NewServer(ctx, cfg.API, eng, store, logger)
	go func() {
		<-ctx.Done()
		if eng.Running() {
			_ = eng.Stop()
		}
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = apiSrv.Shutdown(shutdownCtx)
	}()

	if err := apiSrv.Start(); err != nil && ctx.Err() == nil {
		logger.Fatal("API server error", obs.Err(err))
	}
}
