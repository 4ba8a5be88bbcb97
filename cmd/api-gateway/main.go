package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/connect-api/api/swagger"
	"github.com/noah-isme/connect-api/internal/handler"
	"github.com/noah-isme/connect-api/internal/middleware"
	"github.com/noah-isme/connect-api/internal/repository"
	"github.com/noah-isme/connect-api/internal/search"
	"github.com/noah-isme/connect-api/internal/service"
	"github.com/noah-isme/connect-api/pkg/cache"
	"github.com/noah-isme/connect-api/pkg/config"
	"github.com/noah-isme/connect-api/pkg/database"
	"github.com/noah-isme/connect-api/pkg/elastic"
	"github.com/noah-isme/connect-api/pkg/events"
	"github.com/noah-isme/connect-api/pkg/jobs"
	"github.com/noah-isme/connect-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/connect-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/connect-api/pkg/middleware/requestid"
)

// @title Connect API
// @version 0.1.0
// @description Public services directory search and update request moderation
// @BasePath /
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
			logr.Warn("search index not ready", zap.String("index", index), zap.Error(err))
		}
	}

	var redisClient redis.UniversalClient
	if cfg.Search.CacheEnabled {
		client, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, search cache disabled", zap.Error(err))
		} else {
			redisClient = client
			defer client.Close()
		}
	}

	publisher := newPublisher(cfg.Events, logr)
	defer publisher.Close()

	metrics := service.NewMetricsService()
	cacheRepo := repository.NewCacheRepository(redisClient, "connect", logr)
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Search.CacheTTL, logr, redisClient != nil)

	builder, err := search.NewQueryBuilder(cfg.Search.Backend, search.BuilderConfig{
		MaxPerPage:    cfg.Search.MaxPerPage,
		MaxWindow:     cfg.Search.MaxWindow,
		DistanceUnit:  cfg.Search.DistanceUnit,
		DefaultRadius: cfg.Search.DefaultRadius,
		MaxRadius:     cfg.Search.MaxRadius,
	})
	if err != nil {
		logr.Fatal("invalid search backend", zap.Error(err))
	}

	searchRepo := repository.NewSearchRepository(db)
	searchSvc := service.NewSearchService(builder, esClient, search.NewResultMapper(searchRepo, logr), cacheSvc, metrics, service.SearchConfig{
		Limits:   search.Limits{DefaultPerPage: cfg.Search.DefaultPerPage, MaxPerPage: cfg.Search.MaxPerPage, MaxWindow: cfg.Search.MaxWindow},
		Indices:  map[search.Kind]string{search.KindServices: cfg.Search.ServicesIndex, search.KindEvents: cfg.Search.EventsIndex},
		CacheTTL: cfg.Search.CacheTTL,
	}, logr)

	reindexSvc := service.NewReindexService(searchRepo, esClient, cacheSvc, metrics, reindexConfig(cfg), logr)
	reindexSvc.Start(context.Background())

	entityRepo := repository.NewEntityRepository(db)
	registry := service.NewEntityRegistry(entityRepo, validator.New())
	updateRequestSvc := service.NewUpdateRequestService(
		repository.NewUpdateRequestRepository(db),
		repository.NewTransactor(db),
		registry,
		service.NewMergeEngine(entityRepo, registry),
		repository.NewAuditRepository(db),
		logr,
		service.WithReindexScheduler(reindexSvc),
		service.WithEventPublisher(publisher),
		service.WithUpdateRequestMetrics(metrics),
		service.WithReviewTimeout(cfg.UpdateRequests.TxTimeout),
	)
	authSvc := service.NewAuthService(service.AuthConfig{AccessTokenSecret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer})

	checks := map[string]handler.ReadinessCheck{
		"postgres":      db.PingContext,
		"elasticsearch": esClient.Ping,
	}
	if redisClient != nil {
		checks["redis"] = cacheRepo.Ping
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	metricsHandler := handler.NewMetricsHandler(metrics, checks)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	searchHandler := handler.NewSearchHandler(searchSvc)
	api.POST("/search", searchHandler.Services)
	api.POST("/search/events", searchHandler.Events)

	if cfg.UpdateRequests.Enabled {
		updateRequestHandler := handler.NewUpdateRequestHandler(updateRequestSvc)
		updateRequests := api.Group("/update-requests", middleware.JWT(authSvc))
		updateRequests.POST("", updateRequestHandler.Submit)
		updateRequests.GET("", updateRequestHandler.List)
		updateRequests.GET("/export", middleware.RequireReviewer(), updateRequestHandler.Export)
		updateRequests.GET("/:id", updateRequestHandler.Get)
		updateRequests.PUT("/:id/approve", middleware.RequireReviewer(), updateRequestHandler.Approve)
		updateRequests.PUT("/:id/reject", middleware.RequireReviewer(), updateRequestHandler.Reject)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdown(srv, reindexSvc, logr)
}

func shutdown(srv *http.Server, reindexSvc *service.ReindexService, logr *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logr.Warn("http server shutdown", zap.Error(err))
	}
	// Approvals already committed still get indexed before the database closes.
	if err := reindexSvc.Drain(ctx); err != nil {
		logr.Warn("reindex queue not drained", zap.Error(err))
	}
	logr.Info("stopped")
}

func newPublisher(cfg config.EventsConfig, logr *zap.Logger) events.Publisher {
	if cfg.NATSURL == "" {
		return events.NoopPublisher{}
	}
	publisher, err := events.NewNATSPublisher(cfg.NATSURL, cfg.SubjectPrefix)
	if err != nil {
		logr.Warn("nats unavailable, workflow events disabled", zap.Error(err))
		return events.NoopPublisher{}
	}
	return publisher
}

func reindexConfig(cfg *config.Config) service.ReindexConfig {
	return service.ReindexConfig{
		Queue: jobs.QueueConfig{
			Lanes:      cfg.Reindex.Lanes,
			BufferSize: cfg.Reindex.BufferSize,
			MaxRetries: cfg.Reindex.MaxRetries,
			RetryDelay: cfg.Reindex.RetryDelay,
			JobTimeout: cfg.Reindex.JobTimeout,
		},
		ServicesIndex: cfg.Search.ServicesIndex,
		EventsIndex:   cfg.Search.EventsIndex,
	}
}
