package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/snapclassify/internal/auth"
	"github.com/example/snapclassify/internal/classifier"
	"github.com/example/snapclassify/internal/config"
	"github.com/example/snapclassify/internal/grpcclient"
	"github.com/example/snapclassify/internal/handlers"
	"github.com/example/snapclassify/internal/labels"
	"github.com/example/snapclassify/internal/logging"
	"github.com/example/snapclassify/internal/repository"
	"github.com/example/snapclassify/internal/usecase"
)

func main() {
	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cls, closer, err := initClassifier(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize classifier", zap.Error(err), zap.String("backend", cfg.Backend))
	}
	defer closer.Close()

	var repo usecase.ClassificationRepository
	if cfg.DatabaseDSN != "" {
		r := repository.NewClassificationRepository(initDatabase(ctx, cfg.DatabaseDSN, logger), logger)
		if err := r.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		repo = r
	}

	var cache usecase.Cache
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		cache = usecase.NewRedisCache(initRedis(redisCtx, cfg.RedisAddr, logger))
	}

	uc := usecase.NewClassificationUseCase(repo, cache, cls, logger, usecase.Options{
		ImageSize:     cfg.ImageSize,
		ThumbnailEdge: cfg.ThumbnailEdge,
		ResultTTL:     cfg.ResultTTL,
		MaxPixels:     int64(cfg.MaxPixels),
	})

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, uc, auth.Middleware(cfg.JWTSecret, cfg.JWTAudience))

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: r,
	}

	logger.Info("classification server listening",
		zap.String("addr", cfg.Addr),
		zap.String("backend", cfg.Backend),
		zap.Int("image_size", cfg.ImageSize),
		zap.Strings("classes", labels.All()),
		zap.Bool("history", repo != nil || cache != nil),
		zap.Bool("auth", cfg.JWTSecret != ""),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func initClassifier(ctx context.Context, cfg *config.Config, logger *zap.Logger) (classifier.Classifier, io.Closer, error) {
	switch cfg.Backend {
	case config.BackendGRPC:
		cls, conn, err := grpcclient.DialModelRuntime(ctx, cfg.RuntimeAddr, logger.Named("model_runtime"))
		if err != nil {
			return nil, nil, err
		}
		return cls, conn, nil
	case config.BackendStatic:
		return &classifier.Static{Confidences: cfg.StaticVector}, closerFunc(func() error { return nil }), nil
	default:
		if _, err := os.Stat(cfg.ModelPath); err != nil {
			logger.Warn("model artifact not found; classifications will fail until it is installed",
				zap.String("model_path", cfg.ModelPath), zap.Error(err))
		}
		runtime, err := classifier.NewRuntime(cfg.ONNXLibrary)
		if err != nil {
			return nil, nil, err
		}
		cls := classifier.NewONNX(runtime, classifier.ONNXConfig{
			ModelPath:  cfg.ModelPath,
			InputName:  cfg.ModelInput,
			OutputName: cfg.ModelOutput,
			ImageSize:  cfg.ImageSize,
			NumClasses: labels.Count(),
		})
		return cls, closerFunc(runtime.Close), nil
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

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
