// Command reindex rebuilds the search indices from the relational store.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/connect-api/internal/repository"
	"github.com/noah-isme/connect-api/internal/search"
	"github.com/noah-isme/connect-api/internal/service"
	"github.com/noah-isme/connect-api/pkg/config"
	"github.com/noah-isme/connect-api/pkg/database"
	"github.com/noah-isme/connect-api/pkg/elastic"
	"github.com/noah-isme/connect-api/pkg/jobs"
	"github.com/noah-isme/connect-api/pkg/logger"
)

func main() {
	timeout := flag.Duration("timeout", 30*time.Minute, "maximum time to wait for the rebuild")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	esClient, err := elastic.NewClient(cfg.Search)
	if err != nil {
		logr.Fatal("failed to create elasticsearch client", zap.Error(err))
	}
	for kind, index := range map[search.Kind]string{search.KindServices: cfg.Search.ServicesIndex, search.KindEvents: cfg.Search.EventsIndex} {
		if err := esClient.EnsureIndex(ctx, index, search.Mapping(kind)); err != nil {
			logr.Fatal("failed to prepare index", zap.String("index", index), zap.Error(err))
		}
	}

	reindexSvc := service.NewReindexService(repository.NewSearchRepository(db), esClient, nil, service.NewMetricsService(), service.ReindexConfig{
		Queue: jobs.QueueConfig{
			Lanes:      cfg.Reindex.Lanes,
			BufferSize: cfg.Reindex.BufferSize,
			MaxRetries: cfg.Reindex.MaxRetries,
			RetryDelay: cfg.Reindex.RetryDelay,
			JobTimeout: cfg.Reindex.JobTimeout,
		},
		ServicesIndex: cfg.Search.ServicesIndex,
		EventsIndex:   cfg.Search.EventsIndex,
	}, logr)
	reindexSvc.Start(ctx)

	start := time.Now()
	scheduled, err := reindexSvc.ReindexAll(ctx)
	if err != nil {
		logr.Error("scheduling stopped early", zap.Int("scheduled", scheduled), zap.Error(err))
	}
	if err := reindexSvc.Drain(ctx); err != nil {
		logr.Fatal("reindex did not finish", zap.Int("scheduled", scheduled), zap.Error(err))
	}
	logr.Info("reindex complete", zap.Int("documents", scheduled), zap.Duration("took", time.Since(start)))
}
