package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/classify"
	"github.com/wolfeidau/offline-cache/clients"
	"github.com/wolfeidau/offline-cache/config"
	"github.com/wolfeidau/offline-cache/credentials"
	"github.com/wolfeidau/offline-cache/download"
	"github.com/wolfeidau/offline-cache/lifecycle"
	"github.com/wolfeidau/offline-cache/notify"
	"github.com/wolfeidau/offline-cache/server"
	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/store/boltstore"
	"github.com/wolfeidau/offline-cache/strategy"
	"github.com/wolfeidau/offline-cache/syncqueue"
	"github.com/wolfeidau/offline-cache/telemetry"
	"github.com/wolfeidau/offline-cache/upstream"
	"github.com/wolfeidau/offline-cache/worker"
)

// ServeCmd runs the gateway. Settings come from defaults, then the config
// file, then any flag that is set.
type ServeCmd struct {
	Config  string `help:"YAML config file." type:"path" env:"OFFLINE_CACHE_CONFIG"`
	Address string `help:"Address to listen on." default:":8080" env:"OFFLINE_CACHE_ADDRESS"`

	Origin       string `help:"Storefront origin URL." env:"OFFLINE_CACHE_ORIGIN"`
	CacheVersion string `help:"Version of the cache generation to serve." env:"OFFLINE_CACHE_VERSION"`

	Storage string `help:"Cache storage (memory, bolt)." default:"bolt" enum:"memory,bolt" env:"OFFLINE_CACHE_STORAGE"`
	DataDir string `help:"Directory for the cache database and outbox." default:"./data" type:"path" env:"OFFLINE_CACHE_DATA_DIR"`

	UpstreamTimeout       time.Duration `help:"Timeout for origin requests (0 for none)." env:"OFFLINE_CACHE_UPSTREAM_TIMEOUT"`
	Coalesce              bool          `help:"Share one origin fetch between concurrent identical GETs." env:"OFFLINE_CACHE_COALESCE"`
	FallbackOnServerError bool          `help:"Serve a cached API response when the origin answers 5xx." env:"OFFLINE_CACHE_FALLBACK_ON_SERVER_ERROR"`
	DiscoverAssets        bool          `help:"Pre-cache scripts and stylesheets referenced by the shell." env:"OFFLINE_CACHE_DISCOVER_ASSETS"`

	AdminToken      string `help:"Bearer token for push and inspection routes." env:"OFFLINE_CACHE_ADMIN_TOKEN"`
	CredentialsFile string `help:"JSON secrets template; its admin_token overrides --admin-token." type:"path" env:"OFFLINE_CACHE_CREDENTIALS_FILE"`

	OTLPEndpoint      string        `help:"OTLP gRPC endpoint for metrics (e.g. localhost:4317)." env:"OFFLINE_CACHE_OTLP_ENDPOINT"`
	MetricsPrometheus bool          `help:"Serve Prometheus metrics at /_sw/metrics." env:"OFFLINE_CACHE_METRICS_PROMETHEUS"`
	ShutdownTimeout   time.Duration `help:"Time allowed for connections to close on shutdown." default:"10s" env:"OFFLINE_CACHE_SHUTDOWN_TIMEOUT"`
	DrainTimeout      time.Duration `help:"Time allowed for in-flight event handlers after connections close." default:"10s" env:"OFFLINE_CACHE_DRAIN_TIMEOUT"`
}

// resolve builds the effective configuration.
func (c *ServeCmd) resolve() (config.Config, error) {
	cfg := config.Default()
	if c.Config != "" {
		loaded, err := config.Load(c.Config)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if c.Origin != "" {
		cfg.Origin = c.Origin
	}
	if c.CacheVersion != "" {
		cfg.Version = c.CacheVersion
	}
	if c.UpstreamTimeout != 0 {
		cfg.Upstream.Timeout = c.UpstreamTimeout
	}
	cfg.Coalesce = cfg.Coalesce || c.Coalesce
	cfg.FallbackOnServerError = cfg.FallbackOnServerError || c.FallbackOnServerError
	cfg.DiscoverAssets = cfg.DiscoverAssets || c.DiscoverAssets

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *ServeCmd) Run(logger *slog.Logger) error {
	cfg, err := c.resolve()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceVersion:   cfg.Version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.MetricsPrometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("flushing metrics", "error", err)
		}
	}()

	adminToken, err := c.adminToken(ctx, logger)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	cacheStore, closeStore, err := c.openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore.Close(); err != nil {
			logger.Warn("closing cache store", "error", err)
		}
	}()

	gw, err := build(cfg, cacheStore, filepath.Join(c.DataDir, "outbox"), logger)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Address:      c.Address,
		Registration: gw.registration,
		Store:        cacheStore,
		Hub:          gw.hub,
		Outbox:       gw.outbox,
		AdminToken:   adminToken,
		DrainTimeout: c.DrainTimeout,
		Logger:       logger.With("component", "server"),
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Until the worker activates, fetches pass straight through.
	go func() {
		if err := gw.registration.Register(ctx, gw.worker); err != nil {
			logger.Error("worker registration failed", "version", cfg.Version, "error", err)
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"origin", cfg.Origin,
		"version", cfg.Version,
		"storage", c.Storage,
		"static_partition", cfg.StaticPartition(),
		"dynamic_partition", cfg.DynamicPartition(),
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-errCh:
		return err
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// adminToken returns the token from the credentials template when one is
// configured, otherwise the flag value.
func (c *ServeCmd) adminToken(ctx context.Context, logger *slog.Logger) (string, error) {
	if c.CredentialsFile == "" {
		return c.AdminToken, nil
	}
	resolver := credentials.NewResolver(credentials.WithLogger(logger.With("component", "credentials")))
	creds, err := resolver.ResolveFile(ctx, c.CredentialsFile)
	if err != nil {
		return "", fmt.Errorf("resolving credentials: %w", err)
	}
	if creds.AdminToken == "" {
		return c.AdminToken, nil
	}
	return creds.AdminToken, nil
}

func (c *ServeCmd) openStore(cfg config.Config, logger *slog.Logger) (store.CacheStore, io.Closer, error) {
	switch c.Storage {
	case "memory":
		return store.NewInstrumented(store.NewMemory()), closerFunc(func() error { return nil }), nil
	case "bolt":
		path := filepath.Join(c.DataDir, "cache.db")
		bs, err := boltstore.Open(path,
			boltstore.WithLogger(logger.With("component", "boltstore")),
			boltstore.WithMaxBodySize(cfg.Upstream.MaxBodyBytes),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("opening cache database %s: %w", path, err)
		}
		return store.NewInstrumented(bs), bs, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage %q", c.Storage)
	}
}

// gateway is the assembled set of components for one version.
type gateway struct {
	registration *worker.Registration
	worker       *worker.Worker
	hub          *clients.Hub
	outbox       *syncqueue.FileStore
}

func build(cfg config.Config, cacheStore store.CacheStore, outboxDir string, logger *slog.Logger) (*gateway, error) {
	upstreamOpts := []upstream.Option{upstream.WithMaxBodySize(cfg.Upstream.MaxBodyBytes)}
	if cfg.Upstream.Timeout > 0 {
		upstreamOpts = append(upstreamOpts, upstream.WithTimeout(cfg.Upstream.Timeout))
	}
	client, err := upstream.New(cfg.Origin, upstreamOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating upstream client: %w", err)
	}

	var network strategy.Network = client
	if cfg.Coalesce {
		network = download.NewCoalescer(client, download.WithLogger(logger.With("component", "download")))
	}

	classifier, err := classify.New(cfg.API.Prefix, cfg.API.Patterns)
	if err != nil {
		return nil, err
	}

	fsBackend, err := backend.NewFilesystem(outboxDir)
	if err != nil {
		return nil, fmt.Errorf("creating outbox backend: %w", err)
	}
	outbox := syncqueue.NewFileStore(
		backend.NewInstrumented(fsBackend, "outbox"),
		syncqueue.WithStoreLogger(logger.With("component", "outbox")),
	)

	hub := clients.NewHub(clients.WithLogger(logger.With("component", "clients")))

	engine := strategy.NewEngine(cacheStore, network, strategy.Config{
		StaticPartition:       cfg.StaticPartition(),
		DynamicPartition:      cfg.DynamicPartition(),
		FallbackOnServerError: cfg.FallbackOnServerError,
		CacheAnyStatus:        cfg.CacheAnyStatus,
	}, strategy.WithLogger(logger.With("component", "strategy")))

	controller := lifecycle.NewController(lifecycle.Config{
		Version:          cfg.Version,
		StaticPartition:  cfg.StaticPartition(),
		DynamicPartition: cfg.DynamicPartition(),
		Manifest:         cfg.ManifestPaths(),
		DiscoverAssets:   cfg.DiscoverAssets,
	}, cacheStore, network, hub, lifecycle.WithLogger(logger.With("component", "lifecycle")))

	queue := syncqueue.New(outbox, client,
		syncqueue.WithTag(cfg.Sync.Tag),
		syncqueue.WithEndpoint(cfg.Sync.Endpoint),
		syncqueue.WithLogger(logger.With("component", "syncqueue")),
	)

	relay := notify.New(hub, hub,
		notify.WithDefaults(cfg.Notifications.Icon, cfg.Notifications.Badge),
		notify.WithMaxShown(cfg.Notifications.MaxShown),
		notify.WithLogger(logger.With("component", "notify")),
	)

	w := worker.New(worker.Components{
		Classifier: classifier,
		Engine:     engine,
		Lifecycle:  controller,
		Queue:      queue,
		Relay:      relay,
	}, logger.With("component", "worker"))

	return &gateway{
		registration: worker.NewRegistration(network, logger.With("component", "registration")),
		worker:       w,
		hub:          hub,
		outbox:       outbox,
	}, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
