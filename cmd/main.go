package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"roastarena/backend/internal/api/handler"
	"roastarena/backend/internal/chathub"
	"roastarena/backend/internal/config"
	"roastarena/backend/internal/history"
	"roastarena/backend/internal/localization"
	"roastarena/backend/internal/logging"
	"roastarena/backend/internal/storage"
	"roastarena/backend/internal/telegram"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func setupDependencies(ctx context.Context, cfg config.Config) (*storage.Service, *redis.Client) {
	db, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect database")
	}
	s := storage.NewStorageService(db, cfg.PairingMaxAttempts)
	if err := s.AutoMigrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	if cfg.RedisAddr == "" {
		log.Info().Msg("REDIS_ADDR not set, running as a single node")
		return s, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect redis")
	}
	return s, rdb
}

func main() {
	cfg := config.Load()
	logging.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, rdb := setupDependencies(ctx, cfg)
	defer s.Close()
	log.Info().Str("node_id", cfg.NodeID).Msg("database ready, migrations complete")

	l := localization.Must()
	hub := chathub.NewManagerService(s, storage.ParseQueueOrder(cfg.QueueOrder))
	hub.Localizer = l
	if rdb != nil {
		defer rdb.Close()
		hub.Bus = chathub.NewBus(rdb, cfg.NodeID)
		if err := hub.StartPubSubListener(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to subscribe to relay bus")
		}
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	if cfg.TelegramBotToken != "" {
		bot, err := telegram.NewBotService(cfg.TelegramBotToken, hub, l)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start telegram bot")
		}
		go bot.Run(ctx)
	}

	h := handler.NewHandler(hub, history.NewIndexer(s),
		handler.NewTokenIssuer(cfg.JWTSecret, time.Duration(cfg.TokenTTLHours)*time.Hour))
	h.Redis = rdb
	h.Env = cfg.Env
	h.AllowedOrigins = cfg.AllowedOrigins
	r, releaseRouter := handler.NewRouter(h, cfg)
	defer releaseRouter()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	// detached connections keep their sessions for the next start
	stopHub()
	<-hubDone
}
