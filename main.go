package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kunleshipo/face-recognition-liveness/internal/auth"
	"github.com/kunleshipo/face-recognition-liveness/internal/config"
	"github.com/kunleshipo/face-recognition-liveness/internal/document"
	"github.com/kunleshipo/face-recognition-liveness/internal/facetools"
	"github.com/kunleshipo/face-recognition-liveness/internal/grpcclient"
	"github.com/kunleshipo/face-recognition-liveness/internal/handlers"
	"github.com/kunleshipo/face-recognition-liveness/internal/logging"
	"github.com/kunleshipo/face-recognition-liveness/internal/pipeline"
	"github.com/kunleshipo/face-recognition-liveness/internal/repository"
	"github.com/kunleshipo/face-recognition-liveness/internal/usecase"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service stopped", zap.Error(err))
	}
}

// run loads every collaborator before the listener opens; nothing is reloaded afterwards.
func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := grpcclient.DialFaceTools(ctx, cfg.FaceToolsAddr, cfg.FaceToolsTimeout, logger)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Ready(ctx); err != nil {
		return fmt.Errorf("face tools not ready: %w", err)
	}

	var (
		repo  usecase.VerificationRepository
		cache usecase.Cache
	)
	if cfg.PersistenceEnabled {
		db, err := initDatabase(ctx, cfg.DatabaseDSN)
		if err != nil {
			return err
		}
		verificationRepo := repository.NewVerificationRepository(db, logger)
		if err := verificationRepo.AutoMigrate(ctx); err != nil {
			return err
		}

		redisClient, err := initRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer redisClient.Close()

		repo, cache = verificationRepo, usecase.NewRedisCache(redisClient)
	}

	router, err := newRouter(cfg, client.Models(), repo, cache, prometheus.DefaultRegisterer, prometheus.DefaultGatherer, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("face verification API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.Bool("persistence", cfg.PersistenceEnabled),
		zap.Bool("auth", cfg.JWTSecret != ""))
	return serveHTTPServer(server, 15*time.Second, logger)
}

func newRouter(cfg config.Config, models facetools.Models, repo usecase.VerificationRepository, cache usecase.Cache, reg prometheus.Registerer, gatherer prometheus.Gatherer, logger *zap.Logger) (*gin.Engine, error) {
	classifier, err := document.NewClassifier(cfg.AllowedExtensions)
	if err != nil {
		return nil, err
	}

	p, err := pipeline.New(models, classifier, document.NewUnpacker(logger), pipeline.Config{
		WorkspaceDir: cfg.WorkspaceDir,
		Workers:      cfg.CandidateWorkers,
		Policies: pipeline.NewPolicies(pipeline.Thresholds{
			Identity:         cfg.IdentityThreshold,
			DocumentMatch:    cfg.DocumentMatchThreshold,
			LivenessCutoff:   cfg.LivenessCutoff,
			LivenessSentinel: cfg.LivenessSentinel,
		}),
	}, pipeline.NewMetrics(reg), logger)
	if err != nil {
		return nil, err
	}

	var authMiddleware gin.HandlerFunc
	if cfg.JWTSecret != "" {
		authenticator, err := auth.NewAuthenticator(cfg.JWTSecret, cfg.JWTAudience)
		if err != nil {
			return nil, err
		}
		authMiddleware = authenticator.Middleware()
	}

	r := gin.Default()
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	uc := usecase.NewVerificationUseCase(p, repo, cache, logger)
	handlers.RegisterRoutes(r, uc, authMiddleware,
		handlers.WithMaxUploadSize(cfg.MaxUploadBytes),
		handlers.WithMetricsHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return r, nil
}

func initDatabase(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, logging.NewOperationError("main.connect_database", "", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, logging.NewOperationError("main.database_handle", "", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, logging.NewOperationError("main.ping_database", "", err)
	}
	return db, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, logging.NewOperationError("main.ping_redis", "", err)
	}
	return client, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

// serveHTTPServerWithOptions serves until the server fails or a shutdown signal
// arrives, then drains in-flight verifications for up to shutdownTimeout.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
