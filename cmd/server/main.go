// Package main runs the live streaming HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clipcast/backend/config"
	"github.com/clipcast/backend/internal/auth"
	"github.com/clipcast/backend/internal/live"
	"github.com/clipcast/backend/internal/middleware"
	"github.com/clipcast/backend/internal/realtime"
	"github.com/clipcast/backend/internal/streams"
	"github.com/clipcast/backend/pkg/database"
	"github.com/clipcast/backend/pkg/queue"
	"github.com/clipcast/backend/pkg/redis"
	"github.com/clipcast/backend/pkg/response"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		newLogger("info", false).Fatal("load config", zap.Error(err))
	}
	logger := newLogger(cfg.Server.LogLevel, cfg.Server.Development)
	defer logger.Sync()

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()
	jobQueue := queue.NewQueue(rdb.Client, logger)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)
	gate := auth.NewGate(jwtService, authRepo, cfg.Live.StoreTimeout, logger.Named("auth"))

	// Live sessions
	streamRepo := streams.NewRepository(pool)
	registry := live.NewRegistry(streamRepo, live.PersistPolicy{
		Attempts: cfg.Live.PersistAttempts,
		Backoff:  cfg.Live.PersistBackoff,
		Timeout:  cfg.Live.StoreTimeout,
	}, logger.Named("registry"))
	registry.SetPersistFailureHandler(func(ctx context.Context, rec live.TerminalRecord) {
		err := jobQueue.EnqueueTerminal(ctx, queue.TerminalPayload{
			StreamID:       rec.SessionID,
			EndedAt:        rec.EndedAt,
			Duration:       rec.Duration,
			TotalViews:     rec.TotalViews,
			HeartsReceived: rec.HeartsReceived,
		})
		if err != nil {
			logger.Error("enqueue terminal reconciliation", zap.String("stream_id", rec.SessionID), zap.Error(err))
		}
	})
	hub := realtime.NewHub(logger.Named("hub"))
	coordinator := live.NewCoordinator(registry, hub, streamRepo, live.Options{
		MaxCommentLength: cfg.Live.MaxCommentLength,
		StoreTimeout:     cfg.Live.StoreTimeout,
	}, logger.Named("live"))
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go registry.RunSweeper(sweepCtx, cfg.Live.ReconcileInterval)

	streamHandler := streams.NewHandler(streamRepo, coordinator, registry, logger)

	iceServers := realtime.ICEServers(cfg.WebRTC.ICEUrls, cfg.WebRTC.TURNUsername, cfg.WebRTC.TURNCredential)

	if !cfg.Server.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		redisOK := rdb.Healthy(c.Request.Context())
		dbOK := pool.Ping(c.Request.Context()) == nil
		if !redisOK || !dbOK {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, response.Body{Success: status == http.StatusOK, Data: gin.H{
			"database": dbOK,
			"redis":    redisOK,
			"rooms":    hub.RoomCount(),
			"sessions": registry.Len(),
		}})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ice-servers", realtime.ServeICEServers(iceServers))

	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
		authGroup.GET("/me", middleware.JWT(jwtService), authHandler.Me)
	}

	streamHandler.Register(router.Group(""), middleware.JWT(jwtService))

	// WebSocket (token in query or Authorization header; anonymous allowed)
	router.GET("/ws", realtime.ServeWs(coordinator, gate, realtime.Options{
		SendBuffer:     cfg.Live.SendBuffer,
		MaxMessageSize: cfg.Live.MaxMessageSize,
		PingInterval:   cfg.Live.PingInterval,
		PongWait:       cfg.Live.PongWait,
	}, logger.Named("ws")))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopSweeper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped", zap.Int("cached_sessions", registry.Len()))
}

func newLogger(level string, development bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if development {
		config = zap.NewDevelopmentConfig()
	}
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		config.Level = zap.NewAtomicLevelAt(lvl)
	}
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
