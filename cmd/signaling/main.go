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

	"github.com/mossy-p/skillswap-signaling/config"
	"github.com/mossy-p/skillswap-signaling/internal/handlers"
	"github.com/mossy-p/skillswap-signaling/internal/logger"
	"github.com/mossy-p/skillswap-signaling/internal/redis"
	"github.com/mossy-p/skillswap-signaling/internal/relay"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration: %v", err)
		os.Exit(1)
	}
	if !logger.SetLevel(cfg.LogLevel) {
		logger.Warn("unknown LOG_LEVEL %q, keeping info", cfg.LogLevel)
	}

	// Room metadata always lives in Redis, whichever relay backend fans out.
	if err := redis.Connect(cfg.Redis); err != nil {
		logger.Error("failed to connect to Redis: %v", err)
		os.Exit(1)
	}
	defer redis.Close()

	logger.Info("Redis connection established at %s", cfg.Redis.Addr())

	rl := newRelay(cfg)
	defer rl.Close()

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	handlers.NewServer(cfg, rl).Routes(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("starting SkillSwap signaling server on port %s (relay: %s)", cfg.Port, cfg.Relay.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to start server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed: %v", err)
	}
}

type closingRelay interface {
	relay.Presence
	Close() error
}

func newRelay(cfg *config.Config) closingRelay {
	if cfg.Relay.Backend == config.RelayBackendMemory {
		return relay.NewMemory()
	}
	return relay.NewRedis(redis.GetClient())
}
