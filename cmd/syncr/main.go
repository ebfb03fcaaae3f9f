package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/syncr/internal/config"
	"github.com/sandwichfarm/syncr/internal/connectivity"
	"github.com/sandwichfarm/syncr/internal/feed"
	"github.com/sandwichfarm/syncr/internal/gateway"
	"github.com/sandwichfarm/syncr/internal/kv"
	"github.com/sandwichfarm/syncr/internal/ops"
	"github.com/sandwichfarm/syncr/internal/relay"
	"github.com/sandwichfarm/syncr/internal/router"
	"github.com/sandwichfarm/syncr/internal/storage"
	"github.com/sandwichfarm/syncr/internal/sub"
	"github.com/sandwichfarm/syncr/internal/sync"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
	builtBy = "manual"
)

func main() {
	// Define subcommands
	if len(os.Args) > 1 && os.Args[1] == "init" {
		handleInit()
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "backup" {
		handleBackup(os.Args[2:])
		return
	}

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("syncr %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		fmt.Printf("  by:     %s\n", builtBy)
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("syncr - Nostr feed sync engine")
		fmt.Println()
		fmt.Println("No configuration file specified. Use --config <path> to specify config.")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  syncr init              Generate example configuration")
		fmt.Println("  syncr backup            Back up the local database")
		fmt.Println("  syncr --version         Show version information")
		fmt.Println("  syncr --config <path>   Start with configuration file")
		os.Exit(1)
	}

	// Load and validate configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting syncr %s\n", version)
	fmt.Printf("  Identity: %s\n", cfg.Identity.Npub)
	fmt.Println()

	// Run the application
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := ops.NewLogger(&cfg.Logging)
	logger.LogStartup(version, commit)

	// Initialize storage
	fmt.Println("Initializing storage...")
	st, err := storage.New(ctx, &cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer st.Close()
	fmt.Printf("  Event store: %s\n", cfg.Storage.SQLitePath)

	// Key-value store for relay list, capability cache, and pending sync state
	kvStore, err := kv.Open(&cfg.Storage.KV, st.DB())
	if err != nil {
		return fmt.Errorf("failed to open key-value store: %w", err)
	}
	defer kvStore.Close()
	fmt.Printf("  KV backend: %s\n", cfg.Storage.KV.Backend)

	// Relay pool
	fmt.Println("Initializing relay pool...")
	pool, err := relay.NewPool(ctx, &cfg.Relays, kvStore, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize relay pool: %w", err)
	}
	defer pool.Close()
	if sk := cfg.Identity.SecretKey; sk != "" {
		pool.SetAuthHandler(func(ctx context.Context, rl *nostr.Relay) error {
			return rl.Auth(ctx, func(ev *nostr.Event) error {
				return ev.Sign(sk)
			})
		})
	}
	pool.Connect(ctx)
	for _, url := range pool.RelayURLs() {
		fmt.Printf("  Relay: %s\n", url)
	}

	// Connectivity signal: relay reachability drives the sync worker
	monitor := connectivity.NewMonitor(logger)
	monitor.SetTransport("network", true)

	// Event router over the local store
	rt := router.New(st, logger)

	// Subscription multiplexer
	mux := sub.NewMux(pool, logger)
	defer mux.Close()

	// Optional HTTP read-through gateway
	var gw *gateway.Client
	if cfg.Gateway.Enabled {
		gw = gateway.New(&cfg.Gateway, logger)
		if gw != nil {
			fmt.Printf("  Gateway: %s\n", cfg.Gateway.URL)
		}
	}

	ownPubkey, err := cfg.Identity.PubkeyHex()
	if err != nil {
		return fmt.Errorf("invalid identity npub: %w", err)
	}

	// Feed coordinator delivers every feed event into the router. The
	// user's own relay list events additionally update the pool.
	coordinator := feed.New(cfg, mux, pool, gw, func(ev *nostr.Event) {
		if err := rt.Route(ctx, ev); err != nil {
			logger.Warn("failed to route event", "event", ev.ID, "error", err)
		}
		if ev.Kind == 10002 && ev.PubKey == ownPubkey {
			if hints, err := relay.ParseHints(ev); err == nil {
				if err := pool.ApplyHints(ctx, hints); err != nil {
					logger.Warn("failed to apply relay hints", "error", err)
				}
			}
		}
	}, logger)

	// Background sync worker
	fmt.Println("Initializing sync worker...")
	signer, err := buildSigner(cfg)
	if err != nil {
		return err
	}
	worker, err := sync.NewWorker(ctx, &cfg.Sync, kvStore, sync.NewStorageSource(st), signer, pool, monitor, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize sync worker: %w", err)
	}
	defer worker.Stop()

	if status := worker.Status(); status.PendingCount > 0 {
		fmt.Printf("  Pending publishes from last session: %d\n", status.PendingCount)
	}

	diag := ops.NewDiagnosticsCollector(version, commit)
	diag.SetRelaySource(func() (int, int) {
		return len(pool.ConnectedRelays()), len(pool.RelayURLs())
	})
	diag.SetSyncSource(func() ops.EngineStats {
		s := worker.Status()
		return ops.EngineStats{
			PendingCount:   s.PendingCount,
			PublishedCount: s.PublishedCount,
			IsOnline:       s.IsOnline,
			IsSyncing:      s.IsSyncing,
		}
	})

	// Start the discovery feed
	if err := coordinator.Subscribe(ctx, feed.Discovery, feed.Options{
		Limit: cfg.Sync.Pagination.DefaultLimit,
	}); err != nil {
		logger.Warn("failed to start discovery feed", "error", err)
	}

	fmt.Println()
	fmt.Println("✓ All services started successfully!")
	fmt.Println()
	fmt.Println("Press Ctrl+C to shutdown gracefully...")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println()
	fmt.Println("Shutting down gracefully...")
	diag.LogSnapshot(logger)
	logger.LogShutdown("signal received")

	fmt.Println("✓ Shutdown complete")
	return nil
}

// buildSigner creates the event signer from the environment-provided secret
// key, verifying it matches the configured identity.
func buildSigner(cfg *config.Config) (sync.Signer, error) {
	if cfg.Identity.SecretKey == "" {
		return nil, fmt.Errorf("SYNCR_SECRET_KEY is required to publish")
	}

	signer, err := sync.NewLocalSigner(cfg.Identity.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}

	pubkey, err := cfg.Identity.PubkeyHex()
	if err != nil {
		return nil, fmt.Errorf("invalid identity npub: %w", err)
	}
	if signer.PubKey() != pubkey {
		return nil, fmt.Errorf("secret key does not match configured identity")
	}

	return signer, nil
}

func handleBackup(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	destDir := fs.String("dest", "./backups", "Backup destination directory")
	fs.Parse(args)

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "backup requires --config <path>")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger := ops.NewLogger(&cfg.Logging)
	mgr := ops.NewBackupManager(cfg.Storage.SQLitePath, logger)
	path, err := mgr.Backup(context.Background(), *destDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Backup written to %s\n", path)
}

func handleInit() {
	exampleConfig, err := config.GetExampleConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
		os.Exit(1)
	}

	// Write to stdout
	fmt.Print(string(exampleConfig))
}
