package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice satellite client
type Config struct {
	// Relay server connection
	ServerURL string `envconfig:"SERVER_URL" default:"ws://localhost:8765"`
	AuthToken string `envconfig:"AUTH_TOKEN" default:""` // empty disables the auth handshake

	// Network timeouts and keep-alive
	ConnectTimeoutMs     int `envconfig:"CONNECT_TIMEOUT_MS" default:"10000"` // dial + auth ack deadline
	KeepaliveMs          int `envconfig:"KEEPALIVE_MS" default:"30000"`       // ping interval
	WriteTimeoutMs       int `envconfig:"WRITE_TIMEOUT_MS" default:"5000"`
	ReconnectMaxAttempts int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBaseDelayMs int `envconfig:"RECONNECT_BASE_DELAY_MS" default:"1000"` // attempt n waits n*base

	// Wake word models (openWakeWord ONNX cascade)
	MelModelPath   string `envconfig:"MEL_MODEL_PATH" default:"models/melspectrogram.onnx"`
	EmbedModelPath string `envconfig:"EMBED_MODEL_PATH" default:"models/embedding_model.onnx"`
	WakeModelPath  string `envconfig:"WAKE_MODEL_PATH" default:"models/hey_jarvis.onnx"`
	OnnxLibPath    string `envconfig:"ONNX_LIB_PATH" default:""` // optional override for the onnxruntime shared library

	// Detection tuning
	WakeThreshold  float64 `envconfig:"WAKE_THRESHOLD" default:"0.5"`
	ListenWindowMs int     `envconfig:"LISTEN_WINDOW_MS" default:"8000"` // relay window after detection

	// Audio capture
	SampleRate   int `envconfig:"SAMPLE_RATE" default:"16000"`
	FrameSamples int `envconfig:"FRAME_SAMPLES" default:"1280"` // 80ms at 16kHz
	CaptureQueue int `envconfig:"CAPTURE_QUEUE" default:"32"`   // frames buffered between callback and pipeline

	// Playback
	PlaybackSampleRate int `envconfig:"PLAYBACK_SAMPLE_RATE" default:"22050"`
	PlaybackBufferMs   int `envconfig:"PLAYBACK_BUFFER_MS" default:"2000"` // output sample queue depth

	// Optional end-of-speech detection (shortens the listen window)
	VADEnabled         bool    `envconfig:"VAD_ENABLED" default:"false"`
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"`
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"25"` // 2s of silence at 80ms frames

	// Cascade circuit breaker
	InferenceMaxFailures  int `envconfig:"INFERENCE_MAX_FAILURES" default:"5"`
	InferenceResetTimeout int `envconfig:"INFERENCE_RESET_TIMEOUT" default:"30"` // seconds

	// Observability
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	HTTPPort       string `envconfig:"HTTP_PORT" default:"8090"` // health + metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("SERVER_URL is required")
	}
	if cfg.FrameSamples <= 0 {
		return nil, fmt.Errorf("FRAME_SAMPLES must be positive, got %d", cfg.FrameSamples)
	}
	if cfg.WakeThreshold <= 0 || cfg.WakeThreshold >= 1 {
		return nil, fmt.Errorf("WAKE_THRESHOLD must be in (0, 1), got %f", cfg.WakeThreshold)
	}
	if cfg.ReconnectMaxAttempts < 0 {
		return nil, fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative")
	}

	return &cfg, nil
}

// ConnectTimeout returns the connect timeout as a duration
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// KeepaliveInterval returns the keep-alive ping interval as a duration
func (c *Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveMs) * time.Millisecond
}

// WriteTimeout returns the transport write timeout as a duration
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

// ReconnectBaseDelay returns the base reconnect delay as a duration
func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMs) * time.Millisecond
}

// ListenWindow returns the post-detection relay window as a duration
func (c *Config) ListenWindow() time.Duration {
	return time.Duration(c.ListenWindowMs) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
