package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hybridvoice/voice-satellite/internal/audio"
	"github.com/hybridvoice/voice-satellite/internal/config"
	"github.com/hybridvoice/voice-satellite/internal/observability"
	"github.com/hybridvoice/voice-satellite/internal/playback"
	"github.com/hybridvoice/voice-satellite/internal/resilience"
	"github.com/hybridvoice/voice-satellite/internal/session"
	"github.com/hybridvoice/voice-satellite/internal/wakeword"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("server_url", cfg.ServerURL).
		Str("wake_model", cfg.WakeModelPath).
		Float64("threshold", cfg.WakeThreshold).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Satellite starting")

	// Audio subsystem
	if err := portaudio.Initialize(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize audio subsystem")
	}
	defer portaudio.Terminate()

	// Wake word cascade
	if err := wakeword.InitRuntime(cfg.OnnxLibPath); err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize ONNX runtime")
	}
	defer wakeword.DestroyRuntime()

	models, err := wakeword.LoadCascade(cfg.MelModelPath, cfg.EmbedModelPath, cfg.WakeModelPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load wake word models")
	}
	defer wakeword.CloseCascade(models)

	breaker := resilience.NewCircuitBreaker("cascade",
		cfg.InferenceMaxFailures,
		time.Duration(cfg.InferenceResetTimeout)*time.Second)
	detector := wakeword.NewDetector(models, cfg.WakeThreshold, breaker, logger)

	// Capture and playback
	capturer := audio.NewCapturer(cfg.SampleRate, cfg.FrameSamples, cfg.CaptureQueue, logger)

	device := playback.NewDevice(cfg.PlaybackSampleRate, cfg.PlaybackBufferMs, logger)
	if err := device.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to open audio output")
	}
	player := playback.NewScheduler(device, cfg.PlaybackSampleRate, logger)

	// Session
	dialer := &session.WSDialer{
		HandshakeTimeout: cfg.ConnectTimeout(),
		WriteTimeout:     cfg.WriteTimeout(),
	}
	controller := session.NewController(cfg, dialer, capturer, detector, player, logger)

	// HTTP surface: health, readiness, metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"models": func(ctx context.Context) (bool, error) {
			if !detector.Ready() {
				return false, fmt.Errorf("cascade models not loaded")
			}
			return true, nil
		},
		"output": func(ctx context.Context) (bool, error) {
			if !device.Ready() {
				return false, fmt.Errorf("output stream not running")
			}
			return true, nil
		},
		"session": func(ctx context.Context) (bool, error) {
			if state := controller.State(); state != session.StateReady {
				return false, fmt.Errorf("session %s", state)
			}
			return true, nil
		},
	}))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed to start")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := controller.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start session")
	}

	// Run until interrupted or the session terminates for good
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info().Msg("Shutting down...")
	case <-controller.Done():
		logger.Error().Msg("Session terminated, shutting down")
	}

	controller.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server forced to shutdown")
	}

	logger.Info().Msg("Voice Satellite exited gracefully")
}
