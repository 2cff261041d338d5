package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"pinrelay/internal/api"
	"pinrelay/internal/cleanup"
	"pinrelay/internal/config"
	"pinrelay/internal/files"
	"pinrelay/internal/keys"
	"pinrelay/internal/logging"
	"pinrelay/internal/metrics"
	"pinrelay/internal/store"
	"pinrelay/internal/transfer"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		logging.Internal.Fatalf("failed to load configuration: %v", err)
	}
	if err := newRootCommand(cfg).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:          "pinrelay",
		Short:        "Self-hosted file relay with short download keys.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
	cfg.BindFlags(root.PersistentFlags())
	root.AddCommand(newStatsCommand(cfg))
	return root
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.InMemoryStore() {
		logging.Internal.Warnf("using in-memory store, transfers will not survive a restart")
		return store.NewMemStore()
	}
	return store.NewSQLiteStore(cfg.DBPath)
}

// openStorage uses S3 if a bucket is configured, otherwise the local filesystem.
func openStorage(cfg *config.Config, fs afero.Fs) (files.Storage, error) {
	var storage files.Storage
	if cfg.UseS3() {
		s3, err := files.NewS3Storage(files.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			KeyID:     cfg.S3.KeyID,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			Insecure:  cfg.S3.Insecure,
		})
		if err != nil {
			return nil, err
		}
		storage = s3
		logging.Internal.Printf("using S3 storage (bucket: %s)", cfg.S3.Bucket)
	} else {
		fsStorage, err := files.NewFSStorage(fs, cfg.StorageDir)
		if err != nil {
			return nil, err
		}
		storage = fsStorage
		logging.Internal.Printf("using local filesystem storage (%s)", fsStorage.BasePath())
	}

	if cfg.Archive {
		logging.Internal.Print("zip archives enabled")
		storage = files.NewZipArchiver(storage)
	}
	return storage, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	proxies, err := api.ParseProxyTrust(cfg.ProxyList())
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		logging.Internal.Errorf("failed to open database: %v", err)
		return err
	}
	defer st.Close()

	fs := afero.NewOsFs()
	if err := fs.MkdirAll(cfg.TempDir, 0700); err != nil {
		return err
	}
	// Clean up any orphaned temp files from previous runs
	if cleanedUp := api.CleanupOrphanedTempFiles(fs, cfg.TempDir); cleanedUp > 0 {
		logging.Internal.Printf("cleaned up %d orphaned temp files from previous run", cleanedUp)
	}

	storage, err := openStorage(cfg, fs)
	if err != nil {
		logging.Internal.Errorf("failed to initialize storage: %v", err)
		return err
	}

	cache := keys.NewCache()
	if err := cache.Load(ctx, st); err != nil {
		logging.Internal.Errorf("could not load active keys, retrying at each cleanup tick: %v", err)
	} else {
		logging.Internal.Printf("loaded %d active keys", cache.Len())
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.NewProm("pinrelay", registry)
	rec.SetActiveKeys(cache.Len())

	manager := transfer.NewManager(keys.NewRandom(cfg.KeyAlphabet), cache, st, storage, fs, transfer.Options{
		KeyLength:          cfg.KeyLength,
		MaxReserveAttempts: cfg.MaxReserveAttempts,
		MaxActiveKeys:      cfg.MaxActiveKeys,
		Metrics:            rec,
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	uploadLimiter := api.NewUploadLimiter(cfg.MaxUploadsPerIP)
	sched := cleanup.New(cleanup.Config{
		TTL:          cfg.TTL,
		Interval:     cfg.CleanupInterval,
		PendingGrace: cfg.PendingGrace,
		Concurrency:  cfg.CleanupConcurrency,
	}, st, storage, cache, rec)
	slotAge := cfg.PendingGrace
	if slotAge <= 0 {
		slotAge = time.Hour
	}
	sched.AddHook(func(context.Context) {
		// Slots only outlive their request if a handler never finished.
		if n := uploadLimiter.CleanupExpired(slotAge); n > 0 {
			logging.Internal.Printf("released %d stale upload slots", n)
		}
	})
	sched.Start(ctx)

	handler := api.NewHandler(manager, sched, fs, uploadLimiter, api.Options{
		APIKey:        cfg.APIKey,
		TempDir:       cfg.TempDir,
		MaxUploadSize: cfg.MaxUploadSize,
		Metrics:       rec,
		Proxies:       proxies,
	})

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(registry))
	mux.Handle("/", handler)

	// Apply middleware (order: Logger -> RateLimit -> handler)
	var finalHandler http.Handler = mux
	if !cfg.DevMode {
		limits := api.DefaultRateLimitConfig()
		limits.Proxies = proxies
		rateLimiter := api.NewRateLimiter(limits)
		defer rateLimiter.Stop()
		finalHandler = rateLimiter.Middleware(finalHandler)
		logging.Internal.Print("rate limiting enabled")
	} else {
		logging.Internal.Print("development mode: rate limiting disabled")
	}
	finalHandler = api.Logger(cfg.APIKey, proxies, rec)(finalHandler)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           finalHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logging.Internal.Print("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Internal.Printf("shutdown error: %v", err)
		}
	}()

	logging.Internal.Printf("starting server on %s", cfg.Addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logging.Internal.Errorf("server error: %v", err)
		cancel()
		sched.Wait()
		return err
	}
	sched.Wait()
	return nil
}
