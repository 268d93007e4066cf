package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/chadiek/sales-coach/internal/coach"
	"github.com/chadiek/sales-coach/internal/config"
	httpserver "github.com/chadiek/sales-coach/internal/httpserver"
	"github.com/chadiek/sales-coach/internal/llm"
	"github.com/chadiek/sales-coach/internal/metrics"
	"github.com/chadiek/sales-coach/internal/relay"
	"github.com/chadiek/sales-coach/internal/transcript"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := cfg.Logger(os.Stdout)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	stt := transcript.NewDeepgram(cfg.DeepgramKey, transcript.Options{
		Model:      cfg.DeepgramModel,
		Language:   cfg.DeepgramLanguage,
		SampleRate: cfg.DeepgramSampleRate,
	}, logger.With(slog.String("component", "deepgram")))

	advisor := llm.NewChatClient(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
	engine := coach.NewEngine(advisor, logger.With(slog.String("component", "coach")),
		coach.WithStageTimeout(cfg.AdvisorTimeout),
		coach.WithObserver(m),
	)

	rs := relay.NewServer(stt, engine, logger,
		relay.WithSpeakerRoles(cfg.SpeakerRoles()),
		relay.WithKeepAlive(cfg.KeepAlive),
		relay.WithHistoryLimit(cfg.HistoryLimit),
		relay.WithMetrics(m),
	)
	srv := httpserver.New(cfg, rs, reg, logger)

	server := &http.Server{
		Addr:              cfg.HTTPAddress(),
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			slog.String("addr", cfg.HTTPAddress()),
			slog.String("model", cfg.OpenAIModel),
			slog.String("language", cfg.DeepgramLanguage),
		)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	case sig := <-sigChan:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Hijacked sockets are not tracked by http.Server; close sessions first.
	if err := rs.Shutdown(ctx); err != nil {
		logger.Warn("relay shutdown incomplete", slog.Any("error", err))
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
	}
}
