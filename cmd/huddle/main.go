package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/avellin/huddle/internal/adapters/http"
	"github.com/avellin/huddle/internal/adapters/presence"
	"github.com/avellin/huddle/internal/adapters/rtc"
	"github.com/avellin/huddle/internal/adapters/shell"
	"github.com/avellin/huddle/internal/call"
	"github.com/avellin/huddle/internal/config"
	"github.com/avellin/huddle/internal/core"
	"github.com/avellin/huddle/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	cfg.OnReload(func(fresh *config.Config) {
		if lvl, err := zerolog.ParseLevel(fresh.LogLevel); err == nil {
			zerolog.SetGlobalLevel(lvl)
			log.Info().Str("level", fresh.LogLevel).Msg("log level updated")
		}
	})

	engine, err := rtc.NewEngine(cfg.ICEServers)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build media engine")
	}
	renderer := rtc.NewRenderer(engine)
	dialer := rtc.NewClient(engine, cfg.SignalURL, renderer)
	devices := rtc.NewDevices(engine)

	var store core.MembershipStore
	if cfg.PresenceURL != "" {
		presenceStore, err := presence.Dial(ctx, cfg.PresenceURL)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.PresenceURL).Msg("failed to reach presence service")
		}
		defer presenceStore.Close()
		store = presenceStore
	} else {
		log.Warn().Msg("no presence service configured, memberships stay local")
		store = presence.NewMemory()
	}

	bridge := shell.NewBridge()

	coordinator := call.New(domain.UserID(cfg.Identity), dialer, devices, store, bridge)
	defer coordinator.Close()

	r := router.SetupRouter(ctx, cfg, coordinator, store, bridge, renderer)
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("identity", cfg.Identity).Msg("huddle daemon started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	renderer.Close()
	log.Info().Msg("exited gracefully")
}
