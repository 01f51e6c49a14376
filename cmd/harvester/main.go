// Package main wires together the harvester service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/torrhive/harvester/internal/api"
	gcsarchive "github.com/torrhive/harvester/internal/archive/gcs"
	localarchive "github.com/torrhive/harvester/internal/archive/local"
	memoryarchive "github.com/torrhive/harvester/internal/archive/memory"
	"github.com/torrhive/harvester/internal/config"
	"github.com/torrhive/harvester/internal/dedup"
	"github.com/torrhive/harvester/internal/fetch"
	"github.com/torrhive/harvester/internal/harvest"
	"github.com/torrhive/harvester/internal/ingest"
	"github.com/torrhive/harvester/internal/logging"
	"github.com/torrhive/harvester/internal/metrics"
	"github.com/torrhive/harvester/internal/orchestrator"
	pubsubpublisher "github.com/torrhive/harvester/internal/publish/pubsub"
	"github.com/torrhive/harvester/internal/scheduler"
	"github.com/torrhive/harvester/internal/sources"
	memstore "github.com/torrhive/harvester/internal/store/memory"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	registry, gate := buildSources(cfg, logger)

	var renderer fetch.Renderer
	if cfg.Headless.Enabled {
		chromedpRenderer, err := fetch.NewChromedpRenderer(fetch.RendererConfig{
			MaxParallel: cfg.Headless.MaxParallel,
			NavTimeout:  time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			UserAgent:   cfg.Fetch.UserAgent,
		}, logger.Named("renderer"))
		if err != nil {
			logger.Warn("headless renderer init failed", zap.Error(err))
		} else {
			renderer = chromedpRenderer
			defer chromedpRenderer.Close()
		}
	}

	backoff := harvest.Backoff{
		MaxAttempts: cfg.Fetch.MaxRetries,
		BaseDelay:   time.Duration(cfg.Fetch.BackoffInitialMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Fetch.BackoffMaxMs) * time.Millisecond,
	}
	fetcher := fetch.New(fetch.Config{
		UserAgent:   cfg.Fetch.UserAgent,
		Timeout:     time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		MaxInFlight: cfg.Fetch.MaxInFlight,
		Backoff:     backoff,
	}, gate, renderer, nil, logger.Named("fetch"))

	dedupStore, err := buildDedupStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("dedup store init failed", zap.Error(err))
	}
	defer dedupStore.Close()
	window := time.Duration(cfg.Dedup.ReingestWindowHours) * time.Hour
	index := dedup.NewIndex(dedupStore, window, logger.Named("dedup"))

	blobStore, err := buildArchive(ctx, cfg)
	if err != nil {
		logger.Fatal("archive init failed", zap.Error(err))
	}

	sink, sinkClose, err := buildSink(ctx, cfg, backoff, blobStore, logger)
	if err != nil {
		logger.Fatal("sink init failed", zap.Error(err))
	}
	defer sinkClose()

	var publisher harvest.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Warn("pubsub client init failed, run events disabled", zap.Error(err))
		} else {
			publisher = pubsubpublisher.New(client)
			defer client.Close() //nolint:errcheck
		}
	}

	runs := memstore.NewRunStore(cfg.Crawl.RunHistory)
	orch := orchestrator.New(orchestrator.Config{
		DefaultSources:  cfg.Crawl.Sources,
		DefaultMaxPages: cfg.Crawl.MaxPages,
		BatchSize:       cfg.Crawl.BatchSize,
		SinkTimeout:     time.Duration(cfg.Crawl.SinkTimeoutSeconds) * time.Second,
		RunTopic:        cfg.PubSub.TopicName,
	}, fetcher, registry, index, sink, runs, publisher, blobStore, logger.Named("orchestrator"))

	if cfg.Crawl.IntervalSeconds > 0 {
		sched := scheduler.New(
			time.Duration(cfg.Crawl.IntervalSeconds)*time.Second,
			orch,
			harvest.RunOptions{Sources: cfg.Crawl.Sources, Query: cfg.Crawl.Query, MaxPages: cfg.Crawl.MaxPages},
			logger.Named("scheduler"),
		)
		go sched.Run(ctx)
	}

	apiCfg := api.Config{RunTimeout: time.Duration(cfg.Server.RunTimeoutSeconds) * time.Second}
	if cfg.Auth.Enabled {
		apiCfg.APIKey = cfg.Auth.APIKey
	}
	apiServer := api.NewServer(orch, runs, sink, apiCfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	orch.Cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// buildSources constructs the adapter registry and the politeness gate,
// applying per-source config overrides.
func buildSources(cfg config.Config, logger *zap.Logger) (*sources.Registry, *fetch.HostGate) {
	opts := func(name string) sources.Options {
		src := cfg.Sources[name]
		return sources.Options{BaseURL: src.BaseURL, NeedsBrowser: src.NeedsBrowser}
	}
	registry := sources.NewRegistry(
		sources.NewApibay(opts("apibay")),
		sources.NewNyaa(opts("nyaa")),
		sources.NewEztv(opts("eztv")),
	)

	gate := fetch.NewHostGate(time.Duration(cfg.Fetch.DefaultDelaySeconds) * time.Second)
	defaults := sources.DefaultBaseURLs()
	for name, src := range cfg.Sources {
		if src.DelaySeconds <= 0 {
			continue
		}
		base := src.BaseURL
		if base == "" {
			base = defaults[name]
		}
		u, err := url.Parse(base)
		if err != nil || u.Hostname() == "" {
			logger.Warn("cannot apply source delay, unknown host", zap.String("source", name))
			continue
		}
		gate.SetHostDelay(u.Hostname(), time.Duration(src.DelaySeconds)*time.Second)
	}
	return registry, gate
}

func buildDedupStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (dedup.Store, error) {
	switch cfg.Dedup.Backend {
	case "postgres":
		store, err := dedup.NewPostgresStore(ctx, dedup.PostgresStoreConfig{
			DSN:   cfg.Dedup.DSN,
			Table: cfg.Dedup.Table,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		logger.Warn("using in-memory dedup store, fingerprints will NOT survive a restart")
		return dedup.NewMemoryStore(), nil
	}
}

func buildArchive(ctx context.Context, cfg config.Config) (harvest.BlobStore, error) {
	switch cfg.Archive.Backend {
	case "local":
		return localarchive.New(localarchive.Config{BaseDir: cfg.Archive.BaseDir})
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcsarchive.New(client, gcsarchive.Config{Bucket: cfg.Archive.GCSBucket})
	case "memory":
		return memoryarchive.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func buildSink(ctx context.Context, cfg config.Config, backoff harvest.Backoff, archive harvest.BlobStore, logger *zap.Logger) (harvest.Sink, func(), error) {
	noop := func() {}
	switch cfg.Sink.Backend {
	case "postgres":
		sink, err := ingest.NewPostgresSink(ctx, ingest.PostgresSinkConfig{DSN: cfg.Sink.DSN, Backoff: backoff}, archive, logger.Named("sink"))
		if err != nil {
			return nil, noop, err
		}
		if err := sink.EnsureSchema(ctx); err != nil {
			sink.Close()
			return nil, noop, err
		}
		return sink, sink.Close, nil
	case "http":
		sink, err := ingest.NewHTTPSink(ingest.HTTPSinkConfig{
			Endpoint: cfg.Sink.Endpoint,
			APIKey:   cfg.Sink.APIKey,
			Timeout:  time.Duration(cfg.Sink.TimeoutSeconds) * time.Second,
			Backoff:  backoff,
		}, archive, logger.Named("sink"))
		if err != nil {
			return nil, noop, err
		}
		return sink, noop, nil
	default:
		logger.Warn("using in-memory sink, ingested records will NOT survive a restart")
		return ingest.NewMemorySink(), noop, nil
	}
}
