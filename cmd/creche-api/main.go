package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/creche-api/internal/handler"
	"github.com/noah-isme/creche-api/internal/repository"
	"github.com/noah-isme/creche-api/internal/routes"
	"github.com/noah-isme/creche-api/internal/service"
	"github.com/noah-isme/creche-api/pkg/cache"
	"github.com/noah-isme/creche-api/pkg/config"
	"github.com/noah-isme/creche-api/pkg/database"
	"github.com/noah-isme/creche-api/pkg/jobs"
	"github.com/noah-isme/creche-api/pkg/logger"
)

// @title Creche API
// @version 1.0.0
// @description Enrollment lifecycle and parent-child association manager for a daycare.
// @BasePath /api/v1
// @schemes http
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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, consistency reports will not be cached", zap.Error(err))
	}

	validate := validator.New()
	metrics := service.NewMetricsService()

	users := repository.NewUserRepository(db)
	store := repository.NewAssociationRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close() //nolint:errcheck
	tx := database.NewTxRunner(db)

	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Audit.CacheTTL, logr, cfg.Audit.CacheEnabled && cacheRepo.Enabled())
	authSvc := service.NewAuthService(users, validate, logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
	})
	enrollmentSvc := service.NewEnrollmentService(store, tx, users, cacheSvc, metrics, validate, logr, cfg.Enrollments.PublicSubmission)
	archiveSvc := service.NewChildArchiveService(store, tx, enrollmentSvc, users, cacheSvc, metrics, validate, logr)
	childSvc := service.NewChildService(store, users, cacheSvc, validate, logr)
	parentSvc := service.NewParentService(users, enrollmentSvc, validate, logr)
	consistencySvc := service.NewConsistencyService(store, enrollmentSvc, cacheSvc, cfg.Audit.CacheTTL, metrics, validate, logr)

	var cachePing handler.CachePinger
	if cacheRepo.Enabled() {
		cachePing = cacheRepo
	}

	router := routes.New(routes.Options{
		APIPrefix:      cfg.APIPrefix,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		EnableDocs:     cfg.Env != config.EnvProduction,
		EnableMetrics:  cfg.Metrics.Enabled,
	}, routes.Dependencies{
		Logger:      logr,
		Auth:        authSvc,
		Metrics:     metrics,
		AuditLog:    users,
		AuthH:       handler.NewAuthHandler(authSvc),
		Parents:     handler.NewParentHandler(parentSvc),
		Children:    handler.NewChildHandler(childSvc, archiveSvc),
		Enrollments: handler.NewEnrollmentHandler(enrollmentSvc),
		Consistency: handler.NewConsistencyHandler(consistencySvc),
		Ops:         handler.NewMetricsHandler(metrics, db, cachePing),
	})

	if cfg.Audit.ScanInterval > 0 {
		scan := jobs.NewPeriodic("enrollment-consistency-scan", func(ctx context.Context) error {
			_, err := consistencySvc.Report(ctx, true)
			return err
		}, jobs.PeriodicConfig{Interval: cfg.Audit.ScanInterval, MaxRetries: 2, RetryDelay: 5 * time.Second, RunOnStart: true, Logger: logr})
		scan.Start(context.Background())
		defer scan.Stop()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "public_enrollment", cfg.Enrollments.PublicSubmission)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
	logr.Info("server stopped")
}
