package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hermes/internal/server/api"
	"hermes/internal/server/bus"
	"hermes/internal/server/config"
	"hermes/internal/server/database"
	"hermes/internal/server/health"
	"hermes/internal/server/service"
	"hermes/internal/server/storage"
	"hermes/internal/server/upload"

	"golang.org/x/sync/errgroup"
)

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"store_backend", cfg.StoreBackend,
		"blob_backend", cfg.BlobBackend,
		"max_file_size", cfg.MaxFileSize,
		"mime_mode", cfg.MIMEMode,
		"kafka", cfg.KafkaEnabled(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metadata store
	store, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open metadata store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			slog.Error("failed to close metadata store", "error", err)
		}
	}()

	// Blob storage
	blobs, err := openBlobs(cfg)
	if err != nil {
		slog.Error("failed to create blob storage", "backend", cfg.BlobBackend, "error", err)
		os.Exit(1)
	}
	if err := blobs.EnsureDir(ctx); err != nil {
		slog.Error("failed to initialize blob storage", "error", err)
		os.Exit(1)
	}
	slog.Info("blob storage initialized", "backend", cfg.BlobBackend)

	// Upload gateway and services
	gateway := upload.NewGateway(upload.NewRegistry(), blobs, upload.Policy{
		MaxSize:  cfg.MaxFileSize,
		Mode:     upload.MIMEMode(cfg.MIMEMode),
		MIMEList: cfg.MIMEList,
	}, cfg.BaseURL, logger)
	files := service.NewFileService(store, gateway, logger)
	bindings := service.NewBindingService(store)
	gateway.SetResolver(files.ResolveDownload)

	// Health
	reporter := health.NewReporter(health.NewTracker(cfg.HealthWindow))
	reporter.SetTrait(health.TraitConfig, true)
	reporter.SetTrait(health.TraitDatabase, store.Ping(ctx) == nil)

	g, gctx := errgroup.WithContext(ctx)

	// Cleanup of records whose bytes never arrived
	if cfg.IncompleteTTL > 0 {
		cleanup := storage.NewCleanupService(store, gateway, cfg.CleanupInterval, cfg.IncompleteTTL)
		cleanup.Start(gctx)
		defer cleanup.Wait()
	}

	// Message bus
	if cfg.KafkaEnabled() {
		reporter.SetTrait(health.TraitBroker, true)
		dispatcher := bus.NewDispatcher(files, bindings, reporter.Tracker(), logger)
		transport := bus.NewKafkaTransport(bus.KafkaConfig{
			Brokers:       bus.SplitBrokers(cfg.KafkaBrokers),
			RequestTopic:  cfg.KafkaRequestTopic,
			ResponseTopic: cfg.KafkaResponseTopic,
			GroupID:       cfg.KafkaGroupID,
		}, dispatcher, logger)
		g.Go(func() error {
			defer transport.Close()
			err := transport.Run(gctx)
			if gctx.Err() == nil {
				reporter.SetTrait(health.TraitBroker, false)
			}
			return err
		})
	}

	// HTTP
	handler := api.NewHandler(gateway, store, reporter, cfg.MaxFileSize)
	e := api.SetupRouter(handler, cfg)
	g.Go(func() error {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		// Stop accepting new requests, finish in-flight with 30s timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("server stopped", "error", err)
	}
	slog.Info("server exited cleanly")
}

func openStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		slog.Info("database migrations complete")
		return database.NewPostgresStore(db), nil
	case config.BackendMongo:
		store, err := database.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = store.Close(ctx)
			return nil, fmt.Errorf("failed to create indexes: %w", err)
		}
		return store, nil
	default:
		slog.Warn("using in-memory metadata store; records are lost on restart")
		return database.NewMemoryStore(), nil
	}
}

func openBlobs(cfg *config.Config) (storage.Store, error) {
	if cfg.BlobBackend == config.BackendMinio {
		return storage.NewMinioStore(storage.MinioConfig{
			Endpoint:        cfg.MinioEndpoint,
			AccessKeyID:     cfg.MinioAccessKey,
			SecretAccessKey: cfg.MinioSecretKey,
			UseSSL:          cfg.MinioUseSSL,
			BucketName:      cfg.MinioBucket,
		})
	}
	return storage.NewFileSystemStore(cfg.StoragePath), nil
}
