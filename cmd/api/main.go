package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"chronicle/anchoredit/internal/app"
	"chronicle/anchoredit/internal/archive"
	"chronicle/anchoredit/internal/config"
	"chronicle/anchoredit/internal/docrepo"
	"chronicle/anchoredit/internal/events"
	"chronicle/anchoredit/internal/generate"
	"chronicle/anchoredit/internal/lease"
	"chronicle/anchoredit/internal/logger"
	"chronicle/anchoredit/internal/metrics"
	"chronicle/anchoredit/internal/search"
	"chronicle/anchoredit/internal/session"
	"chronicle/anchoredit/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	log := logger.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{MaxOpenConns: cfg.DBMaxConns})
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir)); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatal("failed to create repos dir", zap.Error(err))
	}

	dataStore := store.NewPostgresStore(db)
	docs := docrepo.New(cfg.ReposDir)

	var locker lease.Locker = lease.NewLocalLocker()
	var revocations session.Revocations = session.NewMemoryStore()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisLocker, err := lease.NewRedisLocker(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisLocker.Close()
		redisSessions, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisSessions.Close()
		locker, revocations = redisLocker, redisSessions
		log.Info("using redis for document leases and token revocations")
	} else {
		log.Info("using in-process document leases and token revocations")
	}

	pgfts := search.NewPgFTS(db)
	var searchService *search.Service
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Module(log, "meili"))
		defer meiliClient.Close()
		searchService = search.NewService(meiliClient, pgfts, log)
		go searchService.ReindexAll(context.Background(), pgfts)
	} else {
		searchService = search.NewService(nil, pgfts, log)
	}

	var publisher events.Publisher = events.Nop{}
	if strings.TrimSpace(cfg.NATSURL) != "" {
		natsPublisher, err := events.NewNATSPublisher(cfg.NATSURL, logger.Module(log, "events"))
		if err != nil {
			log.Fatal("nats connection failed", zap.Error(err))
		}
		publisher = natsPublisher
	}
	defer publisher.Close()

	deps := app.Deps{
		Store:    dataStore,
		Docs:     docs,
		Locker:   locker,
		Sessions: revocations,
		Search:   searchService,
		Events:   publisher,
		Metrics:  metrics.New(),
		Log:      log,
	}
	if strings.TrimSpace(cfg.Archive.Endpoint) != "" {
		archiver, err := archive.NewMinioArchiver(ctx, cfg.Archive)
		if err != nil {
			log.Fatal("snapshot archive unavailable", zap.Error(err))
		}
		deps.Archiver = archiver
	}
	if strings.TrimSpace(cfg.OpenAI.APIKey) != "" {
		deps.Generator = generate.NewOpenAI(cfg.OpenAI)
	} else {
		log.Warn("OPENAI_API_KEY not set, proposal generation disabled")
	}

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("anchoredit API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
}
