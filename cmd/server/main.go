// Vorify live server - records the microphone in fixed windows, classifies each
// window as human or AI speech and pushes verdicts to WebSocket clients.
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

	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/vorify-live/internal/audio"
	"github.com/GriffinCanCode/vorify-live/internal/classifier"
	"github.com/GriffinCanCode/vorify-live/internal/config"
	"github.com/GriffinCanCode/vorify-live/internal/encoder"
	"github.com/GriffinCanCode/vorify-live/internal/observe"
	"github.com/GriffinCanCode/vorify-live/internal/orchestrator"
	"github.com/GriffinCanCode/vorify-live/internal/queue"
	"github.com/GriffinCanCode/vorify-live/internal/resilience"
	"github.com/GriffinCanCode/vorify-live/internal/server"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Setup structured logging
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		metrics        *observe.Metrics
		metricsHandler http.Handler
	)
	if cfg.MetricsEnabled {
		provider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				slog.Warn("metrics provider shutdown error", "error", err)
			}
		}()
		if metrics, err = observe.NewMetrics(provider.MeterProvider()); err != nil {
			return err
		}
		metricsHandler = provider.Handler()
	}

	cls, err := classifier.New(classifier.Config{
		URL:     cfg.ClassifierURL,
		Field:   cfg.ClassifierField,
		Timeout: cfg.ClassifierTimeout,
		Breaker: resilience.Config{
			Threshold:    cfg.BreakerThreshold,
			ResetTimeout: cfg.BreakerReset,
		},
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	ctrl := orchestrator.NewController(orchestrator.Config{
		Constraints: audio.Constraints{
			SampleRate:         cfg.SampleRate,
			Channels:           1,
			FrameDuration:      cfg.FrameDuration,
			EchoCancellation:   cfg.EchoCancellation,
			NoiseSuppression:   cfg.NoiseSuppression,
			NoiseGateThreshold: cfg.NoiseGateThreshold,
			DeviceName:         cfg.AudioDevice,
			ExcludedDevices:    cfg.ExcludedDevices,
		},
		ChunkDuration: cfg.ChunkDuration,
		NewEncoder: encoder.NewFactory(encoder.Options{
			SampleRate:    cfg.SampleRate,
			Channels:      1,
			Bitrate:       cfg.AudioBitrate,
			FrameDuration: cfg.FrameDuration,
		}),
		Queue: queue.Config{
			Cooldown: cfg.SendCooldown,
			Capacity: cfg.QueueCapacity,
			Overflow: queue.Policy(cfg.QueueOverflow),
		},
		HistorySize: cfg.HistorySize,
		Metrics:     metrics,
	}, audio.NewPortAudioSource(), cls)

	srv := server.New(ctrl, server.Options{
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Breaker:        cls,
	})
	defer srv.Close()

	// Start HTTP server
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("vorify server starting",
			"http", cfg.HTTPAddr,
			"classifier", cfg.ClassifierURL,
			"chunk_duration", cfg.ChunkDuration,
			"sample_rate", cfg.SampleRate,
		)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		// Release the microphone before the dispatch loop goes away.
		ctrl.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	slog.Info("shutdown complete")
	return err
}
