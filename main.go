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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/cancer-check/internal/config"
	"github.com/example/cancer-check/internal/grpchealth"
	"github.com/example/cancer-check/internal/handlers"
	"github.com/example/cancer-check/internal/imageprocessor"
	"github.com/example/cancer-check/internal/inference"
	"github.com/example/cancer-check/internal/logging"
	"github.com/example/cancer-check/internal/modelloader"
	"github.com/example/cancer-check/internal/repository"
	"github.com/example/cancer-check/internal/uploads"
	"github.com/example/cancer-check/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Server.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(runHealthcheck(cfg, logger))
	}

	rootCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	ctx, cancel := context.WithTimeout(rootCtx, 15*time.Second)
	defer cancel()

	repo := initRepository(ctx, cfg, logger)
	cache := initCache(ctx, cfg, logger)

	source, err := modelloader.NewSource(ctx, cfg.Model.Source, cfg.Model.MaxArtifactBytes, modelloader.S3Options{
		Endpoint:        cfg.S3.Endpoint,
		Region:          cfg.S3.Region,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
		UsePathStyle:    cfg.S3.UsePathStyle,
	})
	if err != nil {
		logger.Fatal("invalid model source", zap.Error(err))
	}
	loader := modelloader.NewLoader(source, modelloader.NewONNXMaterializer(modelloader.ONNXOptions{
		SharedLibraryPath: cfg.Model.SharedLibraryPath,
		InputName:         cfg.Model.InputName,
		OutputName:        cfg.Model.OutputName,
	}), cfg.Model.LoadTimeout, logger)
	loader.Start(rootCtx)

	processor, err := imageprocessor.NewProcessor(cfg.Image.Size, cfg.Image.Interpolation, cfg.Image.MaxPixels)
	if err != nil {
		logger.Fatal("invalid image settings", zap.Error(err))
	}
	engine := inference.NewEngine(loader, cfg.Model.InferenceTimeout)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := usecase.Options{
		MaxUploadBytes: cfg.App.MaxUploadBytes,
		IDScheme:       cfg.App.IDScheme,
		CacheTTL:       cfg.Redis.TTL,
		Metrics:        usecase.NewMetrics(registry),
	}
	if cfg.App.UploadDir != "" {
		scratch, err := uploads.NewScratch(cfg.App.UploadDir, cfg.App.UploadRetain, logger)
		if err != nil {
			logger.Fatal("failed to prepare upload dir", zap.Error(err))
		}
		opts.Archiver = scratch
	}
	uc := usecase.NewPredictionUseCase(repo, cache, processor, engine, logger, opts)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.MaxMultipartMemory = cfg.App.MaxUploadBytes + handlers.MultipartOverhead
	r.Use(handlers.RequestID(), handlers.AccessLog(logger), gin.CustomRecovery(func(c *gin.Context, recovered any) {
		requestID, _ := handlers.GetRequestID(c.Request.Context())
		logger.Error("panic recovered", zap.String("request_id", requestID), zap.Any("panic", recovered))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"status": "fail", "message": "Internal server error"})
	}))
	handlers.RegisterRoutes(r, uc, loader, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), logger)

	healthServer := grpchealth.NewServer(logger)
	healthServer.TrackReady(rootCtx, loader.Ready())
	grpcListener, err := net.Listen("tcp", cfg.Server.GRPCAddr())
	if err != nil {
		logger.Fatal("failed to listen for gRPC", zap.Error(err), zap.String("addr", cfg.Server.GRPCAddr()))
	}
	go func() {
		if err := healthServer.Serve(grpcListener); err != nil {
			logger.Error("gRPC health server stopped", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("prediction API listening", zap.String("addr", server.Addr))
	serveErr := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger)

	stopBackground()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	healthServer.Stop(shutdownCtx)
	if err := loader.Close(); err != nil {
		logger.Warn("failed to release model", zap.Error(err))
	}

	if serveErr != nil {
		logger.Fatal("server failed", zap.Error(serveErr))
	}
	logger.Info("shutdown complete")
}

func initRepository(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) usecase.PredictionRepository {
	if cfg.Store.Driver == config.StoreDriverMemory {
		zapLogger.Warn("using in-memory prediction store; histories are lost on restart")
		return repository.NewMemoryPredictionRepository()
	}

	db := initDatabase(ctx, cfg.Store.DSN, zapLogger)
	repo := repository.NewPredictionRepository(db, zapLogger)
	if err := repo.AutoMigrate(ctx); err != nil {
		zapLogger.Fatal("auto migrate failed", zap.Error(err))
	}
	return repo
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
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

// initCache returns nil when no Redis address is configured.
func initCache(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) usecase.Cache {
	if cfg.Redis.Addr == "" {
		zapLogger.Info("redis not configured; prediction cache disabled")
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := client.Ping(pingCtx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return usecase.NewRedisCache(client)
}

func runHealthcheck(cfg *config.Config, zapLogger *zap.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addr := net.JoinHostPort("127.0.0.1", cfg.Server.GRPCPort)
	status, err := grpchealth.Probe(ctx, addr, grpchealth.ServiceName, zapLogger)
	if err != nil {
		return 1
	}
	if status != healthpb.HealthCheckResponse_SERVING {
		zapLogger.Warn("predictor not serving", zap.String("status", status.String()))
		return 1
	}
	return 0
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

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

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
