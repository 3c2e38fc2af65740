package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"komisiku/backend/internal/cache"
	"komisiku/backend/internal/commission"
	"komisiku/backend/internal/config"
	"komisiku/backend/internal/httpapi"
	"komisiku/backend/internal/logger"
	"komisiku/backend/internal/service"
	"komisiku/backend/internal/store"
	"komisiku/backend/internal/store/memory"
	pgstore "komisiku/backend/internal/store/postgres"
	"komisiku/backend/internal/worker"
)

func main() {
	cfg := config.Load()
	if err := logger.Initialize(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Log.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Log.Fatal("postgres unavailable and DATABASE_URL is set; refusing in-memory fallback", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Log.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Log.Info("repository: in-memory")
	}

	promoCache := cache.PromotionCache(cache.NoopPromotionCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisPromotionCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Log.Warn("redis unavailable, using noop cache", zap.Error(err))
		} else {
			promoCache = redisCache
			closers = append(closers, redisCache.Close)
			logger.Log.Info("cache: redis")
		}
	} else {
		logger.Log.Info("cache: noop")
	}

	svc := service.New(repo, promoCache, commission.DefaultTable(), time.Duration(cfg.PromoCacheTTLSeconds)*time.Second)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	sweeper := worker.New(svc,
		time.Duration(cfg.SweepIntervalMinutes)*time.Minute,
		time.Duration(cfg.ReassignAfterHours)*time.Hour)
	go sweeper.Run(workerCtx)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Log.Info("commission backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	workerCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Log.Error("close error", zap.Error(err))
		}
	}

	logger.Log.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
