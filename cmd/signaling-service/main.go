package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pickcreator-backend/internal/database"
	callHandler "pickcreator-backend/internal/handler/http/call"
	wsHandler "pickcreator-backend/internal/handler/ws"
	"pickcreator-backend/internal/middleware"
	"pickcreator-backend/internal/repository/cockroach"
	redisRepo "pickcreator-backend/internal/repository/redis"
	"pickcreator-backend/internal/service/callrecord"
	"pickcreator-backend/pkg/config"
	"pickcreator-backend/pkg/constants"
	pkgDatabase "pickcreator-backend/pkg/database"
	"pickcreator-backend/pkg/jwt"
	"pickcreator-backend/pkg/logger"
	"pickcreator-backend/pkg/metrics"
	"pickcreator-backend/pkg/retry"
)

func main() {
	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		logger.InitDefault()
	}
	defer logger.Sync()
	log := logger.Named(cfg.Server.ServiceName)

	if cfg.JWT.Secret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Audience, cfg.JWT.AccessTokenExpiry)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 2. CockroachDB for call records. Without it the relay still runs.
	var db *pkgDatabase.CockroachDB
	err = retry.Do(ctx, retry.Policy{
		MaxAttempts: 5,
		Backoff:     retry.Exponential(time.Second, 30*time.Second),
		Operation:   "cockroach_connect",
		Logger:      log,
	}, func(ctx context.Context, attempt int) error {
		var err error
		db, err = pkgDatabase.NewCockroachDB(ctx, cfg.Database)
		return err
	})

	var callRepo callrecord.Repository
	if err != nil {
		log.Warn("Running in limited mode without call record persistence", zap.Error(err))
	} else {
		defer db.Close()
		repo := cockroach.NewCallRepository(db.Pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			log.Fatal("Failed to prepare call_records schema", zap.Error(err))
		}
		callRepo = repo
		log.Info("Connected to CockroachDB")
	}

	// 3. Redis for presence and cross-instance routing, with degraded mode
	database.InitRedisMetrics()
	redisDB := database.NewRedisDB(cfg.Redis, appMetrics)
	defer redisDB.Close()
	if err := redisDB.HealthCheck(ctx); err != nil {
		log.Warn("Redis unavailable, relaying locally only", zap.Error(err))
	} else {
		log.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr()))
	}
	go redisDB.StartHealthCheck(ctx, 10*time.Second)

	presenceRepo := redisRepo.NewPresenceRepository(redisDB)
	signalBus := redisRepo.NewSignalBus(redisDB)

	// 4. Services and handlers
	callSvc := callrecord.NewService(callRepo, appMetrics, log)
	callHdlr := callHandler.NewHandler(callSvc, presenceRepo)

	signalingHub := wsHandler.NewSignalingHub(wsHandler.HubConfig{
		MaxConnections: cfg.Signaling.MaxConnections,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, wsHandler.HubDeps{
		Bus:      signalBus,
		Presence: presenceRepo,
		Recorder: callSvc,
		Metrics:  appMetrics,
		Logger:   log,
	})

	// 5. Router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(middleware.HealthCheck(cfg.Server.ServiceName, redisDB.IsDegraded))
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/metrics", middleware.MetricsHandler())

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	{
		callHdlr.RegisterRoutes(v1)
		v1.GET("/calls/ws/signaling", signalingHub.ServeWS)
	}

	// 6. Start server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info("Signaling service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("signaling", "/v1/calls/ws/signaling"),
			zap.Bool("call_records", !callSvc.Limited()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 7. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server forced to shutdown", zap.Error(err))
	}
	signalingHub.Close()
	stop()

	log.Info("Server exited")
}
