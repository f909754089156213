// Flight Tracker Collector
//
// Periodically collects aircraft position reports from the configured
// sources (local dump1090 receivers, the OpenSky wide-area API, and pushed
// pi-station snapshots), blends them into one authoritative view per region,
// enriches the view from the aircraft registry, and publishes it to the
// cache for the read API.
//
// Modes:
//
//	collector           run the region schedulers plus the HTTP ingress/API
//	standalone-ingress  run only the HTTP ingress/API against a shared cache
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jeffstrout/flightTrackerCollector/internal/cache"
	"github.com/jeffstrout/flightTrackerCollector/internal/collector"
	"github.com/jeffstrout/flightTrackerCollector/internal/ingress"
	"github.com/jeffstrout/flightTrackerCollector/internal/logging"
	"github.com/jeffstrout/flightTrackerCollector/internal/registry"
	"github.com/jeffstrout/flightTrackerCollector/internal/stats"
	"github.com/jeffstrout/flightTrackerCollector/pkg/config"
)

// Exit codes.
const (
	exitOK          = 0
	exitConfig      = 1
	exitCache       = 2
	exitFatal       = 3
)

func main() {
	mode := flag.String("mode", config.ModeCollector,
		"Run mode: collector or standalone-ingress")
	configPath := flag.String("config", "config/collector.json",
		"Path to configuration file")
	flag.Parse()

	os.Exit(run(*mode, *configPath))
}

func run(mode, configPath string) (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			code = exitFatal
		}
	}()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	if mode != config.ModeCollector && mode != config.ModeStandaloneIngress {
		fmt.Fprintf(os.Stderr, "configuration error: unknown mode %q\n", mode)
		return exitConfig
	}

	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	log.Info("flight tracker collector starting",
		"mode", mode,
		"config", configPath,
		"regions", len(cfg.EnabledRegions()))

	cacheClient, err := cache.Connect(cfg.Cache)
	if err != nil {
		log.Error("cache unreachable at startup", "addr", cfg.Cache.Addr(), "error", err)
		return exitCache
	}
	defer cacheClient.Close()
	log.Info("cache connected", "addr", cfg.Cache.Addr())

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	if mode == config.ModeCollector {
		reg, err := registry.New(ctx, cacheClient, cfg.Registry, log)
		if err != nil {
			log.Error("failed to initialize registry store", "error", err)
			return exitFatal
		}

		recorder := stats.NewRecorder(cacheClient, log)

		for _, region := range cfg.EnabledRegions() {
			sched := collector.New(region, cfg, cacheClient, reg, recorder, log)
			wg.Add(1)
			go func() {
				defer wg.Done()
				sched.Run(ctx)
			}()
		}
	}

	server := ingress.NewServer(cfg, cacheClient, log)
	serverErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil {
			serverErr <- err
			stop()
		}
	}()

	select {
	case err := <-serverErr:
		log.Error("http server failed", "error", err)
		wg.Wait()
		return exitFatal
	case <-ctx.Done():
	}

	log.Info("shutting down")
	wg.Wait()
	log.Info("shutdown complete")
	return exitOK
}
