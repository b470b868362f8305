package wakeword

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hybridvoice/voice-satellite/internal/observability"
	"github.com/hybridvoice/voice-satellite/internal/resilience"
)

// State is the detector arming state
type State int

const (
	// Armed means scoring is active and a detection may fire
	Armed State = iota
	// Cooldown means scoring is suspended while the session relays
	// audio; Arm returns the detector to Armed
	Cooldown
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Cooldown:
		return "cooldown"
	}
	return "unknown"
}

// Detection is a wake word hit
type Detection struct {
	Score float64
	At    time.Time
}

// Detector runs the three-stage cascade over a stream of fixed-length
// audio frames. Process must be called from a single goroutine; the
// detector owns all sliding state and is built per session so nothing
// leaks across sessions.
type Detector struct {
	threshold float64
	logger    zerolog.Logger
	breaker   *resilience.CircuitBreaker

	mu     sync.Mutex
	models Models

	state State
	mel   *MelWindow
	ring  *EmbeddingRing

	// Scratch buffers reused across calls to keep Process allocation-free
	ringScratch []float32

	// Per-stage last error message, for rate-limited reporting: a
	// repeated identical failure is logged once, not once per frame
	lastErr map[string]string
}

// NewDetector creates a detector. Models may be zero-valued at
// construction and supplied later via SetModels; Process is a no-op
// until all three stages are ready.
func NewDetector(models Models, threshold float64, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{
		threshold:   threshold,
		logger:      logger.With().Str("component", "wakeword").Logger(),
		breaker:     breaker,
		models:      models,
		state:       Armed,
		mel:         NewMelWindow(),
		ring:        NewEmbeddingRing(),
		ringScratch: make([]float32, EmbeddingFrames*EmbeddingDim),
		lastErr:     make(map[string]string),
	}
}

// SetModels installs the cascade stages once they have loaded
func (d *Detector) SetModels(models Models) {
	d.mu.Lock()
	d.models = models
	d.mu.Unlock()
}

// Ready reports whether all three cascade stages are loaded
func (d *Detector) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.models.Ready()
}

// State returns the current arming state. Safe to call from any
// goroutine; the session polls it outside the frame loop.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Arm resets the detector to the Armed state, discarding all sliding
// context so audio heard before re-arming can never influence the next
// detection.
func (d *Detector) Arm() {
	d.mel.Reset()
	d.ring.Reset()
	d.mu.Lock()
	d.state = Armed
	d.mu.Unlock()
	d.logger.Debug().Msg("Detector re-armed, cascade buffers reset")
}

// Process feeds one captured frame through the cascade. Returns a
// non-nil Detection exactly when the wake probability crosses the
// threshold while Armed. A frame that fails inference produces no
// detection and no error to the caller; processing resumes on the next
// frame.
func (d *Detector) Process(frame []float32) *Detection {
	d.mu.Lock()
	models := d.models
	state := d.state
	d.mu.Unlock()

	// Startup race: models still loading
	if !models.Ready() {
		return nil
	}

	// Compute-saving policy: no inference while the session relays
	if state == Cooldown {
		return nil
	}

	if len(frame) != FrameSamples {
		d.reportError("frame", fmt.Errorf("expected %d samples, got %d", FrameSamples, len(frame)))
		return nil
	}

	features, err := d.runStage("mel", models.Mel, frame)
	if err != nil {
		return nil
	}

	// Affine normalization fixed by the model family, then split the
	// output into per-frame feature blocks
	for f := 0; f < MelFramesPerStep; f++ {
		block := make([]float32, MelBins)
		for b := 0; b < MelBins; b++ {
			block[b] = features[f*MelBins+b]/10.0 + 2.0
		}
		d.mel.Append(block)
	}

	var detection *Detection

	for d.mel.Len() >= MelWindowSize {
		embedding, err := d.runStage("embed", models.Embed, d.mel.Window(MelWindowSize))
		if err == nil {
			d.ring.Push(embedding)

			out, err := d.runStage("wake", models.Wake, d.ring.Flatten(d.ringScratch))
			if err == nil && len(out) > 0 {
				score := float64(out[0])
				observability.RecordWakeScore(score)

				if score > d.threshold {
					d.mu.Lock()
					fired := d.state == Armed
					if fired {
						d.state = Cooldown
					}
					d.mu.Unlock()

					if fired {
						detection = &Detection{Score: score, At: time.Now()}
						observability.RecordWakeDetection()
						d.logger.Info().Float64("score", score).Msg("Wake word detected")
					}
				}
			}
		}

		// Stride advances even when a stage failed, so a flaky runtime
		// cannot wedge the window at >= MelWindowSize forever
		d.mel.Prune(MelStride)
	}

	return detection
}

// runStage runs one cascade stage under the circuit breaker and applies
// the rate-limited error reporting policy.
func (d *Detector) runStage(stage string, model Model, input []float32) ([]float32, error) {
	var out []float32
	call := func() error {
		var err error
		out, err = model.Run(input)
		return err
	}

	var err error
	if d.breaker != nil {
		err = d.breaker.Call(call)
	} else {
		err = call()
	}
	if err != nil {
		observability.RecordInferenceError(stage)
		d.reportError(stage, err)
		return nil, err
	}

	delete(d.lastErr, stage)
	return out, nil
}

// reportError logs an error once per distinct message per stage
func (d *Detector) reportError(stage string, err error) {
	msg := err.Error()
	if d.lastErr[stage] == msg {
		return
	}
	d.lastErr[stage] = msg
	d.logger.Error().Err(err).Str("stage", stage).Msg("Cascade stage failed (repeats suppressed)")
}
