package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/VoiceCall/internal/adapters/http"
	"github.com/dkeye/VoiceCall/internal/adapters/capture"
	"github.com/dkeye/VoiceCall/internal/adapters/provider/loopback"
	"github.com/dkeye/VoiceCall/internal/adapters/provider/sfu"
	wssignal "github.com/dkeye/VoiceCall/internal/adapters/signal"
	"github.com/dkeye/VoiceCall/internal/app"
	"github.com/dkeye/VoiceCall/internal/app/call"
	"github.com/dkeye/VoiceCall/internal/app/orch"
	"github.com/dkeye/VoiceCall/internal/config"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
)

func providerFactory(cfg *config.Config) core.ProviderFactory {
	if cfg.Provider.Kind == "sfu" {
		return sfu.Factory(sfu.Config{
			SignalURL:   cfg.Provider.SignalURL,
			ICEServers:  cfg.Provider.ICEServers,
			JoinTimeout: cfg.Provider.JoinTimeout,
			PingPeriod:  cfg.Server.PingPeriod,
			RecordDir:   cfg.Playback.RecordDir,
		}, capture.Devices{})
	}
	return loopback.Factory
}

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
	zerolog.SetGlobalLevel(cfg.Level())
	cfg.Watch(func(next *config.Config) {
		zerolog.SetGlobalLevel(next.Level())
		log.Info().Str("level", next.Level().String()).Msg("log level updated")
	})

	session := call.DefaultOptions()
	session.TickInterval = cfg.Call.TickInterval
	session.VolumeInterval = cfg.Call.VolumeInterval
	session.SpeakingThreshold = cfg.Call.SpeakingThreshold
	session.PublishVideo = cfg.Call.PublishVideo

	reg := app.NewRegistry()
	o := &orch.Orchestrator{
		Registry:  reg,
		Metrics:   app.NewMetrics(reg.Len),
		Providers: providerFactory(cfg),
		Client:    cfg.Provider.Client(),
		Session:   session,
		Policy:    app.SimplePolicy{MaxDropped: cfg.Limits.MaxDropped},
		Defaults: domain.Credentials{
			AppID:   cfg.Call.AppID,
			Channel: cfg.Call.Channel,
			Token:   cfg.Call.Token,
		},
	}
	limiter := wssignal.NewJoinRateLimiter(clock.New(), cfg.Limits.JoinRate, cfg.Limits.JoinWindow)

	r := router.SetupRouter(ctx, cfg, o, limiter)
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("provider", cfg.Provider.Kind).Msg("VoiceCall server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return errors.Join(srv.Shutdown(shutdownCtx), o.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}
