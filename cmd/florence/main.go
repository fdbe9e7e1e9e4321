package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lucreale/florence/internal/config"
	"github.com/lucreale/florence/internal/conversation"
	"github.com/lucreale/florence/internal/generate"
	"github.com/lucreale/florence/internal/history"
	"github.com/lucreale/florence/internal/httpapi"
	"github.com/lucreale/florence/internal/logging"
	"github.com/lucreale/florence/internal/observability"
	"github.com/lucreale/florence/internal/telephony"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("history store init failed")
	}
	defer store.Close()

	generator, err := generate.NewGenerator(generate.Config{
		Mode: cfg.GeneratorMode,
		URL:  cfg.GeneratorURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("generator init failed")
	}

	dialer := telephony.NewClient(telephony.Config{
		APIKey:         cfg.VapiAPIKey,
		BaseURL:        cfg.VapiBaseURL,
		AssistantID:    cfg.VapiAssistantID,
		PhoneNumberID:  cfg.VapiPhoneNumberID,
		SilenceTimeout: cfg.SilenceTimeout,
	})
	if !dialer.Configured() {
		log.Warn().Msg("telephony API key missing, outbound calls disabled")
	}

	timings := conversation.Timings{
		SilenceTimeout:        cfg.SilenceTimeout,
		InitialSilenceTimeout: cfg.InitialSilenceTimeout,
		WarningGrace:          cfg.WarningGrace,
		MonitorTick:           cfg.MonitorTick,
		SpeechDebounce:        cfg.SpeechDebounce,
		RetryDelay:            cfg.RetryDelay,
		GenerateTimeout:       cfg.GenerateTimeout,
		MaxRetries:            cfg.MaxRetries,
	}
	registry := conversation.NewRegistry(generator, store, metrics, timings, cfg.ConversationLinger, logging.WithComponent("conversation"))

	api := httpapi.New(cfg, registry, dialer, store, metrics, logging.WithComponent("httpapi"))
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	registry.StartJanitor(runCtx, 15*time.Second)

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}
