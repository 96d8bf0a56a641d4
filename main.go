package main

import (
	"context"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"camera-core-server/config"
	"camera-core-server/core"
	"camera-core-server/httpapi"
	"camera-core-server/registry"
	"camera-core-server/status"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if config.GetenvBool("DEBUG_LOGS") {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration failed")
	}

	if _, err := exec.LookPath(cfg.FFmpegBin); err != nil {
		log.Warn().Str("bin", cfg.FFmpegBin).Msg("ffmpeg not found in PATH; ffmpeg backends will be skipped")
	}

	cctx := &core.Context{Cfg: cfg, Log: log}
	if cfg.RedisAddr != "" {
		store := status.New(cfg.RedisAddr, cfg.StatusTTL(), log)
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := store.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("status store unreachable, continuing without it")
			store.Close()
		} else {
			cctx.Status = store
			defer store.Close()
		}
	}

	reg := registry.New(cctx)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	httpapi.New(reg, log).Register(r)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("camera core server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	log.Info().Msg("server exited")
}
