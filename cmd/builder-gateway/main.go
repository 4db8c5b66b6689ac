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
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/sma-enrollment-builder/api/swagger"
	"github.com/noah-isme/sma-enrollment-builder/internal/handler"
	"github.com/noah-isme/sma-enrollment-builder/internal/middleware"
	"github.com/noah-isme/sma-enrollment-builder/internal/models"
	"github.com/noah-isme/sma-enrollment-builder/internal/portal"
	"github.com/noah-isme/sma-enrollment-builder/internal/repository"
	"github.com/noah-isme/sma-enrollment-builder/internal/service"
	"github.com/noah-isme/sma-enrollment-builder/pkg/cache"
	"github.com/noah-isme/sma-enrollment-builder/pkg/config"
	"github.com/noah-isme/sma-enrollment-builder/pkg/database"
	"github.com/noah-isme/sma-enrollment-builder/pkg/jobs"
	"github.com/noah-isme/sma-enrollment-builder/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-enrollment-builder/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-enrollment-builder/pkg/middleware/requestid"
	"github.com/noah-isme/sma-enrollment-builder/pkg/storage"
)

// @title Enrollment Builder Gateway
// @version 1.0.0
// @description Backend-for-frontend for the student subject enrollment builder.
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("gateway stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	var metricsSvc *service.MetricsService
	if cfg.Metrics.Enabled {
		metricsSvc = service.NewMetricsService()
	}
	checks := map[string]handler.ReadinessCheck{}

	var db *sqlx.DB
	if cfg.Database.Enabled {
		conn, err := database.NewPostgres(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer conn.Close() //nolint:errcheck
		if err := database.EnsureSchema(ctx, conn); err != nil {
			return err
		}
		db = conn
		checks["postgres"] = conn.PingContext
	}

	var redisClient *redis.Client
	if cfg.Cart.Store == config.CartStoreRedis {
		client, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close() //nolint:errcheck
		redisClient = client
		checks["redis"] = func(ctx context.Context) error { return cache.Ping(ctx, client) }
	}

	cartStore, err := newCartStore(cfg, db, redisClient, logr)
	if err != nil {
		return err
	}
	cartStore = service.NewInstrumentedCartStore(cartStore, metricsSvc)

	// A typed nil repository would still satisfy the interface, so the
	// auditor is only assigned when the database is on.
	var auditor interface {
		Record(ctx context.Context, entry *models.SubmissionLog) error
	}
	var history *repository.SubmissionLogRepository
	if db != nil {
		history = repository.NewSubmissionLogRepository(db)
		auditor = history
	}

	portalClient := portal.NewClient(portal.Config{BaseURL: cfg.Portal.BaseURL, Timeout: cfg.Portal.Timeout}, nil, metricsSvc, logr.Named("portal"))
	loader := service.NewCatalogLoader(portalClient, metricsSvc, logr.Named("catalog"), service.CatalogLoaderConfig{FetchFeeStatus: cfg.Builder.FetchFeeStatus})
	builderSvc := service.NewBuilderService(loader, portalClient, cartStore, auditor, metricsSvc, logr.Named("builder"), service.BuilderConfig{
		DefaultMaxUnits: decimal.NewFromFloat(cfg.Builder.DefaultMaxUnits),
		CartKeyPrefix:   cfg.Cart.KeyPrefix,
		SessionIdleTTL:  cfg.Builder.SessionIdleTTL,
		SweepInterval:   cfg.Builder.SweepInterval,
	})
	builderSvc.StartSweeper(ctx)

	validate := validator.New()
	tokens := service.NewTokenService(cfg.JWT.Secret)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	metricsHandler := handler.NewMetricsHandler(metricsSvc, checks, logr)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	if metricsSvc != nil {
		r.GET("/metrics", metricsHandler.Prometheus)
	}
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	builder := api.Group("/builder", middleware.JWT(tokens), middleware.RequireRoles(models.RoleStudent))

	builderHandler := handler.NewBuilderHandler(builderSvc, validate)
	builder.GET("", builderHandler.View)
	builder.POST("/reload", builderHandler.Reload)
	builder.POST("/cart/items", middleware.Audit(logr, "cart.add"), builderHandler.AddItem)
	builder.DELETE("/cart/items/:subjectId", middleware.Audit(logr, "cart.remove"), builderHandler.RemoveItem)
	builder.DELETE("/cart", middleware.Audit(logr, "cart.clear"), builderHandler.ClearCart)
	builder.PUT("/tabs/:year", builderHandler.SelectTab)
	builder.POST("/submit", middleware.Audit(logr, "submit"), builderHandler.Submit)
	if history != nil {
		builder.GET("/submissions", handler.NewSubmissionHandler(history).List)
	}

	if cfg.Slips.Enabled {
		queue, err := setupSlips(ctx, cfg, builderSvc, logr, validate, builder, api)
		if err != nil {
			return err
		}
		defer queue.Stop()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env), zap.String("cart_store", cfg.Cart.Store))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if flushErr := builderSvc.FlushAudits(shutdownCtx); flushErr != nil {
		logr.Warn("submission audits still pending at shutdown", zap.Error(flushErr))
	}
	return err
}

func newCartStore(cfg *config.Config, db *sqlx.DB, client *redis.Client, logr *zap.Logger) (service.CartStore, error) {
	switch cfg.Cart.Store {
	case config.CartStoreRedis:
		return repository.NewRedisCartRepository(client, cfg.Cart.TTL, logr.Named("cart")), nil
	case config.CartStorePostgres:
		if db == nil {
			return nil, errors.New("CART_STORE=postgres requires ENABLE_DATABASE=true")
		}
		return repository.NewPostgresCartRepository(db, cfg.Cart.TTL), nil
	default:
		return repository.NewMemoryCartRepository(cfg.Cart.TTL), nil
	}
}

func setupSlips(ctx context.Context, cfg *config.Config, builderSvc *service.BuilderService, logr *zap.Logger, validate *validator.Validate, builder, api *gin.RouterGroup) (*jobs.Queue, error) {
	files, err := storage.NewLocalStorage(cfg.Slips.StorageDir)
	if err != nil {
		return nil, err
	}
	signer := storage.NewSignedURLSigner(cfg.Slips.SignedURLSecret, cfg.Slips.SignedURLTTL)
	slipSvc := service.NewSlipService(repository.NewSlipJobRepository(), builderSvc, files, signer, logr.Named("slips"), service.SlipServiceConfig{
		APIPrefix:       cfg.APIPrefix,
		ResultTTL:       cfg.Slips.SignedURLTTL,
		CleanupInterval: time.Hour,
	})
	queue := jobs.NewQueue("slips", slipSvc.Handle, jobs.QueueConfig{
		Workers:    cfg.Slips.WorkerConcurrency,
		MaxRetries: cfg.Slips.WorkerRetries,
		Logger:     logr,
		OnGiveUp:   slipSvc.GiveUp,
	})
	slipSvc.UseQueue(queue)
	queue.Start(ctx)
	slipSvc.StartCleanup(ctx)

	slipHandler := handler.NewSlipHandler(slipSvc, validate)
	builder.POST("/slips", middleware.Audit(logr, "slip.create"), slipHandler.Create)
	builder.GET("/slips/:id", slipHandler.Status)
	api.GET("/slips/download", slipHandler.Download)
	return queue, nil
}
