// Command vllmrouter is the CLI entry point: run starts the reverse
// proxy/load balancer, check-config validates a config file without
// serving, and version prints the build version. Adapted from the
// teacher's cmd/gobalance/main.go wiring order: load config -> build
// fleet state -> start periodic tasks -> build dispatcher -> start HTTP
// server -> graceful shutdown on signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xerrors/vllmrouter/internal/catalog"
	"github.com/xerrors/vllmrouter/internal/config"
	"github.com/xerrors/vllmrouter/internal/dispatch"
	"github.com/xerrors/vllmrouter/internal/health"
	"github.com/xerrors/vllmrouter/internal/httpapi"
	"github.com/xerrors/vllmrouter/internal/loadsampler"
	"github.com/xerrors/vllmrouter/internal/logging"
	"github.com/xerrors/vllmrouter/internal/metrics"
)

const version = "0.1.0"

const catalogTickK = 10

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "check-config":
		checkConfigCmd(os.Args[2:])
	case "version":
		fmt.Println("vllmrouter " + version)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: vllmrouter <run|check-config|version> [flags]")
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	host := fs.String("host", "0.0.0.0", "address to bind")
	port := fs.Int("port", 8000, "port to listen on")
	configPath := fs.String("config", "servers.toml", "path to the TOML config file")
	reload := fs.Bool("reload", true, "watch the config file for changes and hot-reload")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	console := fs.Bool("console", false, "log a fleet status line on every health-check tick")
	model := fs.Bool("model", false, "show a model column in the console status line")
	fs.Parse(args)

	logger := logging.NewLogger("vllmrouter").WithLevel(logging.ParseLevel(*logLevel))
	logger.Info("starting_router", "version", version)

	store := config.NewStore(*configPath, logger.Named("config"))
	if err := store.Load(); err != nil {
		logger.Error("failed_to_load_config", "error", err.Error())
		log.Fatal(err)
	}
	logger.Info("config_loaded", "summary", store.Summary())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := store.AppConfig()
	collector := metrics.NewCollector()

	cat := catalog.NewCatalog(store, logger.Named("catalog"), 10*time.Second)
	if err := cat.RefreshAll(ctx); err != nil {
		logger.Warn("initial_catalog_refresh_error", "error", err.Error())
	}

	monitor := health.NewMonitor(store, logger.Named("health"), time.Duration(app.HealthCheckTimeout)*time.Second, cat.TickHook(catalogTickK), collector)
	go monitor.Start(ctx, time.Duration(app.HealthCheckInterval)*time.Second)

	sampler := loadsampler.NewSampler(store, logger.Named("loadsampler"), 5*time.Second)
	go sampler.Start(ctx, 500*time.Millisecond)

	exporter := metrics.NewExporter(collector, store)
	go exporter.Start(ctx, 5*time.Second)

	if *reload {
		watcher, err := config.NewWatcher(store, *configPath, logger.Named("config"))
		if err != nil {
			logger.Error("failed_to_start_config_watcher", "error", err.Error())
		} else {
			go watcher.Start(ctx)
		}
	}

	if *console {
		go runConsole(ctx, store, logger.Named("console"), *model, time.Duration(app.HealthCheckInterval)*time.Second)
	}

	engine := dispatch.NewEngine(store, logger.Named("dispatch"), time.Duration(app.RequestTimeout)*time.Second, collector)
	server := httpapi.NewServer(store, engine, cat, logger.Named("httpapi"), version)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", *host, *port),
		Handler: server.Handler(collector),
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("server_starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server_error", "error", err.Error())
			log.Fatal(err)
		}
	}()

	<-sigChan
	logger.Info("shutdown_signal_received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_error", "error", err.Error())
	}

	cancel()
	logger.Info("shutdown_complete")
}

// runConsole logs a structured fleet status line on every tick (one line
// per backend, with its models, when showModel is set), standing in for the original implementation's terminal dashboard
// (SPEC_FULL.md §1 supplement: textual, not a rich TUI).
func runConsole(ctx context.Context, store *config.Store, logger *logging.Logger, showModel bool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			backends := store.State().All()
			healthy := len(store.GetHealthy())
			if !showModel {
				logger.Info("fleet_status", "healthy", healthy, "total", len(backends))
				continue
			}
			for _, b := range backends {
				logger.Info("fleet_status_backend", "url", b.URL, "healthy", b.IsHealthy(), "models", b.SupportedModels())
			}
		}
	}
}

func checkConfigCmd(args []string) {
	fs := flag.NewFlagSet("check-config", flag.ExitOnError)
	configPath := fs.String("config", "servers.toml", "path to the TOML config file")
	fs.Parse(args)

	logger := logging.NewLogger("vllmrouter")
	store := config.NewStore(*configPath, logger)
	if err := store.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %s\n", err)
		os.Exit(1)
	}

	fmt.Println(store.Summary())

	monitor := health.NewMonitor(store, logger, 5*time.Second, nil, nil)
	for _, b := range store.State().All() {
		if err := monitor.CheckOnce(b); err != nil {
			fmt.Printf("  %s: unreachable (%s)\n", b.URL, err)
			continue
		}
		fmt.Printf("  %s: reachable\n", b.URL)
	}
}
