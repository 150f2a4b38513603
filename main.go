package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/casey/viewsync/api"
	"github.com/casey/viewsync/broadcast"
	"github.com/casey/viewsync/config"
	"github.com/casey/viewsync/device"
	"github.com/casey/viewsync/health"
	"github.com/casey/viewsync/hlc"
	"github.com/casey/viewsync/metrics"
	"github.com/casey/viewsync/pubsub"
	"github.com/casey/viewsync/storage"
	"github.com/casey/viewsync/sync"
)

func main() {
	dataDir := flag.String("data", "", "Data directory for bbolt database")
	configPath := flag.String("config", "", "Path to config file (default: <data>/config.json)")
	flag.Parse()

	// Load config
	if *dataDir == "" {
		*dataDir = storage.DefaultDataDir()
	}
	if *configPath == "" {
		*configPath = filepath.Join(*dataDir, "config.json")
	}
	if err := os.MkdirAll(*dataDir, 0700); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	cfg, created, err := config.LoadOrCreate(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", *configPath)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	log.Printf("Sync server starting with data directory: %s", cfg.DataDir)

	// Open storage
	store, err := storage.Open(storage.Options{DataDir: cfg.DataDir})
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	// Offline queue shares the storage database
	queue, err := sync.NewQueue(store.DB())
	if err != nil {
		log.Fatalf("Failed to create offline queue: %v", err)
	}

	collector := metrics.New()
	clock := hlc.NewClock(cfg.Sync.DeviceID)
	log.Printf("Device ID: %s", cfg.Sync.DeviceID)

	// Pub/sub bus and publish dispatcher
	bus := pubsub.NewBus(cfg.Sync.DispatchBuffer)
	dispatcher := sync.NewDispatcher(bus, queue, cfg.Sync)
	dispatcher.Start()

	// Connection registry doubles as fan-out delivery and directed send
	conns := broadcast.NewRegistry(collector)

	// Sync engines
	watchlist := sync.NewWatchlistSync(clock, store, dispatcher, conns)
	progress := sync.NewProgressSync(clock, store, dispatcher, conns)

	// Device registry and command router
	devices := device.NewRegistry(store, cfg.Device)
	devices.Start()
	router := device.NewRouter(conns, store, clock, cfg.Device)

	// Replay any operations queued while the bus was unavailable
	replayer := sync.NewReplayer(queue, bus, cfg.Sync)
	replayer.Register(sync.OpWatchlistAdd, watchlist)
	replayer.Register(sync.OpWatchlistRemove, watchlist)
	replayer.Register(sync.OpProgressUpdate, progress)
	if n, err := replayer.Replay(context.Background()); err != nil {
		log.Printf("Startup replay stopped: %v", err)
	} else if n > 0 {
		collector.AddReplayed(n)
		log.Printf("Replayed %d queued operations", n)
	}

	// Broadcaster relays bus messages to live connections
	caster := broadcast.NewBroadcaster(bus, conns, collector)
	wsServer := broadcast.NewServer(conns, caster, watchlist, progress, devices, router)

	// Periodic queue depth gauge
	gaugeCtx, gaugeCancel := context.WithCancel(context.Background())
	go runQueueGauge(gaugeCtx, queue, collector)

	// Readiness probes
	checker := health.NewChecker(health.DefaultConfig())
	checker.Register(health.Check{
		Name:  "storage",
		Probe: func(context.Context) error { return store.Ping() },
	})
	checker.Start()

	// HTTP endpoints
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsServer.HandleWebSocket)
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		collector.WritePrometheus(w)
	})
	mux.HandleFunc("/healthz", checker.Handler())
	api.New(watchlist, progress, devices, router, collector).RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("Listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Watch the config file; listen address changes need a restart, but
	// sync and device settings apply live on the next construction.
	watchCtx, watchCancel := context.WithCancel(context.Background())
	go config.Watch(watchCtx, *configPath, func(next *config.Config) {
		if next.ListenAddr != cfg.ListenAddr {
			log.Printf("listen_addr changed to %s; restart to apply", next.ListenAddr)
		}
	})

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s, shutting down", sig)

	watchCancel()
	gaugeCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}

	checker.Stop()
	caster.Stop()
	conns.CloseAll()
	devices.Stop()
	dispatcher.Stop() // parks in-flight publishes in the durable queue
	bus.Close()

	log.Printf("Shutdown complete")
}

// runQueueGauge keeps the offline queue depth metric current.
func runQueueGauge(ctx context.Context, queue *sync.Queue, collector *metrics.Collector) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := queue.Len(); err == nil {
				collector.SetQueueDepth(uint64(n))
			}
		}
	}
}
