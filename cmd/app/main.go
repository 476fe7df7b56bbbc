package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"coinfarm-backend/internal/common/config"
	"coinfarm-backend/internal/common/logger"
	"coinfarm-backend/internal/common/middleware"
	paymentHTTP "coinfarm-backend/internal/features/payment/delivery/http"
	referralRepo "coinfarm-backend/internal/features/referral/repository/redis"
	referralService "coinfarm-backend/internal/features/referral/service"
	"coinfarm-backend/internal/features/reward"
	"coinfarm-backend/internal/features/sync/coordinator"
	"coinfarm-backend/internal/features/sync/mirror"
	recordRepo "coinfarm-backend/internal/features/sync/repository/redis"
	syncService "coinfarm-backend/internal/features/sync/service"
	"coinfarm-backend/internal/features/sync/subscription"
	userHTTP "coinfarm-backend/internal/features/user/delivery/http"
	userService "coinfarm-backend/internal/features/user/service"
	withdrawalRepo "coinfarm-backend/internal/features/withdrawal/repository/redis"
	withdrawalService "coinfarm-backend/internal/features/withdrawal/service"
	"coinfarm-backend/internal/platform/redis"
	"coinfarm-backend/internal/workers"
)

// @title           CoinFarm API
// @version         1.0
// @description     API server for the CoinFarm Telegram Mini App. All endpoints require init_data authentication.

// @host      localhost:8080
// @BasePath  /api/v1

// @securityDefinitions.apikey TelegramInitData
// @in header
// @name init_data
// @description Telegram Mini App init_data string for authentication

func main() {
	// Инициализируем конфигурацию
	cfg := config.Load()

	// Инициализируем логгер
	logger.Init("coinfarm-backend", cfg.Debug)

	logger.Info().
		Str("version", "1.0.0").
		Bool("debug", cfg.Debug).
		Msg("Starting CoinFarm Backend")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Инициализируем Redis
	redisClient, err := redis.OpenFromConfig(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()

	// Локальное зеркало на SQLite переживает рестарты процесса
	mirrorCache, err := mirror.Open(cfg.Mirror.Path, cfg.Sync.MirrorStaleAfter)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open mirror cache")
	}
	defer mirrorCache.Close()

	logger.Info().Str("path", cfg.Mirror.Path).Msg("Mirror cache opened")

	// Слой синхронизации
	recordStore := recordRepo.NewRecordStore(redisClient)
	recordStore.StartConnectivityProbe(ctx)

	subs := subscription.NewManager(recordStore, mirrorCache, subscription.Config{
		ReconnectBase: cfg.Sync.ReconnectBase,
		ReconnectCap:  cfg.Sync.ReconnectCap,
		FocusDebounce: cfg.Sync.FocusDebounce,
	})

	coord := coordinator.New(recordStore, mirrorCache, subs, cfg.Sync.WriteTimeout)
	applier := reward.NewApplier(coord)

	syncSvc := syncService.New(recordStore, mirrorCache, coord, subs, applier)

	// Сервисы предметной области
	referralSvc := referralService.New(referralRepo.NewRepository(redisClient), syncSvc, cfg.Economy.ReferralBonus)
	withdrawalSvc := withdrawalService.New(withdrawalRepo.NewRepository(redisClient), syncSvc)
	gameSvc := userService.New(syncSvc, referralSvc, cfg.Economy.FarmingWindow, cfg.Economy.FarmingBaseCoins)

	logger.Info().Msg("Services initialized")

	// Воркер событий бота
	botWorker := workers.NewBotEventsWorker(redisClient, syncSvc, referralSvc, cfg.Economy.VIPDuration)
	go botWorker.Start(ctx)

	// Настраиваем Gin
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.ErrorHandler())

	// Настраиваем CORS
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{cfg.Server.Origin}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Content-Type", "Authorization", "Accept", "init_data"}
	router.Use(cors.New(corsConfig))

	if err := setupRoutes(router, cfg, syncSvc, gameSvc, referralSvc, withdrawalSvc, redisClient); err != nil {
		logger.Fatal().Err(err).Msg("Failed to configure routes")
	}

	logger.Info().Msg("Routes configured")

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Ждем сигнала для graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited")
}

func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	syncSvc syncService.SyncService,
	gameSvc userService.GameService,
	referralSvc referralService.ReferralService,
	withdrawalSvc withdrawalService.WithdrawalService,
	redisClient *redis.Client,
) error {
	v1 := router.Group("/api/v1")
	v1.Use(middleware.TelegramInitData(cfg.Telegram.BotToken))
	v1.Use(middleware.RequireAuth())

	userHandler := userHTTP.NewUserHandler(syncSvc, gameSvc, referralSvc, withdrawalSvc, cfg.Server.Origin, cfg.Telegram.AdminIDs)
	userHandler.RegisterRoutes(v1)

	// Вебхук платежей не ходит через Telegram-аутентификацию
	paymentHandler, err := paymentHTTP.NewPaymentHandler(syncSvc, cfg.Economy.VIPDuration)
	if err != nil {
		return err
	}
	paymentHandler.RegisterRoutes(router.Group("/"))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC(),
			"service":   "coinfarm-backend",
		})
	})

	// Liveness probe
	router.GET("/live", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	// Readiness probe
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unready",
				"error":   "redis unavailable",
				"details": err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": time.Now().UTC(),
			"service":   "coinfarm-backend",
		})
	})

	return nil
}
