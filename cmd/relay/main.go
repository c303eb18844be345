package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/DevelopmentBelt/angcord-relay/config"
	"github.com/DevelopmentBelt/angcord-relay/src/api"
	"github.com/DevelopmentBelt/angcord-relay/src/post"
	"github.com/DevelopmentBelt/angcord-relay/src/registry"
	"github.com/DevelopmentBelt/angcord-relay/src/relay"
	"github.com/DevelopmentBelt/angcord-relay/src/session"
	"github.com/DevelopmentBelt/angcord-relay/src/store"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("config load failed")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageStore, err := store.OpenBadgerStore(cfg.DataDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("message store open failed")
	}
	defer messageStore.Close()

	directory := buildDirectory(ctx, cfg, logger)

	reg := registry.New(logger)
	fanout := relay.NewFanout(reg, cfg.WriteTimeout, cfg.FanoutQueue, logger)
	defer fanout.Stop()

	server := relay.NewServer(reg, fanout, directory, relay.ServerConfig{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		SendBuffer:      cfg.SendBuffer,
		WriteTimeout:    cfg.WriteTimeout,
		EchoSender:      cfg.EchoSender,
	}, logger)

	coordinator := post.NewCoordinator(messageStore, fanout, logger)

	app := fiber.New()
	api.NewHandler(reg, messageStore, coordinator, logger).Register(app)

	// The WebSocket upgrade needs the raw *fasthttp.RequestCtx, so the
	// /channel path is routed before Fiber sees the request.
	wsHandler := server.Handler()
	appHandler := app.Handler()
	rootHandler := func(reqCtx *fasthttp.RequestCtx) {
		if strings.EqualFold(string(reqCtx.Path()), "/channel") {
			wsHandler(reqCtx)
			return
		}
		appHandler(reqCtx)
	}

	httpServer := &fasthttp.Server{Handler: rootHandler}
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("relay listening")
		if err := httpServer.ListenAndServe(cfg.HTTPAddr); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	if err := httpServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}
}

// buildDirectory picks the session directory: Redis when configured and
// reachable, otherwise the passthrough that trusts handshake-supplied
// identities.
func buildDirectory(ctx context.Context, cfg config.Config, logger zerolog.Logger) session.Directory {
	if cfg.RedisAddr == "" {
		return session.Passthrough{}
	}

	dir := session.NewRedisDirectory(&session.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.SessionPrefix,
	}, logger)
	if err := dir.Start(ctx); err != nil {
		logger.Warn().Err(err).Msg("redis session directory unavailable, trusting handshake identities")
		return session.Passthrough{}
	}
	return dir
}
