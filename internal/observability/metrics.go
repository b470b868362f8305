package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Detection metrics
	wakeDetections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "satellite_wake_detections_total",
		Help: "Total number of wake word detections",
	})

	wakeScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "satellite_wake_score",
		Help:    "Wake word probability per scored frame",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.7, 0.9, 0.99},
	})

	inferenceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "satellite_inference_errors_total",
		Help: "Total number of cascade inference errors",
	}, []string{"stage"}) // stage: "mel", "embed", "wake"

	// Session metrics
	sessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "satellite_session_state",
		Help: "Session connection state (0=disconnected, 1=connecting, 2=authenticating, 3=ready, 4=closing)",
	})

	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "satellite_reconnect_attempts_total",
		Help: "Total number of reconnect attempts",
	})

	authFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "satellite_auth_failures_total",
		Help: "Total number of rejected authentication handshakes",
	})

	listenWindows = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "satellite_listen_window_seconds",
		Help:    "Duration of post-detection relay windows in seconds",
		Buckets: []float64{0.5, 1, 2, 4, 8, 16},
	})

	// Audio metrics
	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "satellite_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "relayed" or "played"

	playbackChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "satellite_playback_chunks_total",
		Help: "Total playback chunks by outcome",
	}, []string{"outcome"}) // outcome: "scheduled", "truncated" or "dropped"

	capturedFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "satellite_captured_frames_dropped_total",
		Help: "Captured frames dropped because the pipeline queue was full",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "satellite_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})
)

// RecordWakeDetection records a wake word detection event
func RecordWakeDetection() {
	wakeDetections.Inc()
}

// RecordWakeScore records a wake word probability sample
func RecordWakeScore(score float64) {
	wakeScore.Observe(score)
}

// RecordInferenceError records a failed cascade stage call
func RecordInferenceError(stage string) {
	inferenceErrors.WithLabelValues(stage).Inc()
}

// SetSessionState updates the session state gauge
func SetSessionState(state int) {
	sessionState.Set(float64(state))
}

// RecordReconnectAttempt records a reconnect attempt
func RecordReconnectAttempt() {
	reconnectAttempts.Inc()
}

// RecordAuthFailure records a rejected auth handshake
func RecordAuthFailure() {
	authFailures.Inc()
}

// RecordListenWindow records a completed relay window
func RecordListenWindow(d time.Duration) {
	listenWindows.Observe(d.Seconds())
}

// RecordAudioBytes records audio bytes processed
func RecordAudioBytes(direction string, bytes int64) {
	audioBytes.WithLabelValues(direction).Add(float64(bytes))
}

// RecordPlaybackChunk records a playback chunk outcome
func RecordPlaybackChunk(outcome string) {
	playbackChunks.WithLabelValues(outcome).Inc()
}

// RecordCapturedFrameDropped records a dropped capture frame
func RecordCapturedFrameDropped() {
	capturedFramesDropped.Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}
