package main

import (
	"context"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"groupchat/internal/chat"
	"groupchat/internal/metrics"
	"groupchat/internal/server"
	"groupchat/internal/storage"
	"groupchat/internal/storage/badgerstore"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Cannot load config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Cannot create logger: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	store, err := openStore(context.Background(), sugar, cfg)
	if err != nil {
		sugar.Fatalf("Cannot create Store instance: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := chat.NewHub(sugar, store,
		chat.TypingWindow(cfg.TypingWindow),
		chat.ResyncPageSize(cfg.ResyncPageSize),
		chat.WithMetrics(metrics.New(reg)),
	)

	serverOpts := []server.Option{
		server.WithEnvConfig(cfg.Server),
		server.ReadTimeout(5 * time.Second),
		server.TimeoutHandler(cfg.Server.RequestTimeout, "Request timed out"),
		server.WithMetrics(reg),
		server.RegisterAfterShutdown(func() {
			hub.Close()
			sugar.Info("Closing store")
			store.Close()
			sugar.Info("Store is closed")
		}),
	}

	srv, err := server.NewServer(logger, store, hub, serverOpts...)
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(); err != nil {
		sugar.Fatalf("Cannot start http srv: %v", err)
	}
}

// openStore opens the configured store, Postgres schema is migrated on start
func openStore(ctx context.Context, logger *zap.SugaredLogger, cfg appConfig) (storage.Store, error) {
	if cfg.StoreDriver == driverBadger {
		return badgerstore.Open(logger, cfg.BadgerPath)
	}

	pg, err := storage.NewPostgres(ctx, logger, cfg.DB, storage.ConnectionTimeout(30*time.Second))
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}
