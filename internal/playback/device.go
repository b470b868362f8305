package playback

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/hybridvoice/voice-satellite/internal/audio"
)

// Device plays samples on the default output device. Samples queue in
// a ring drained by the real-time callback; on underflow the callback
// emits silence rather than blocking.
type Device struct {
	rate   int
	ring   *audio.SampleRing
	logger zerolog.Logger

	mu       sync.Mutex
	stream   *portaudio.Stream
	running  bool
	overflow int64
}

// NewDevice creates an output device at the given rate with bufferMs
// of queue depth. portaudio.Initialize must have been called by the
// process.
func NewDevice(rate, bufferMs int, logger zerolog.Logger) *Device {
	size := rate*bufferMs/1000 + 1
	return &Device{
		rate:   rate,
		ring:   audio.NewSampleRing(size),
		logger: logger.With().Str("component", "playback-device").Logger(),
	}
}

// Start opens the default output stream
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}

	stream, err := portaudio.OpenDefaultStream(0, 1, float64(d.rate), 0, d.fill)
	if err != nil {
		return fmt.Errorf("failed to open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start output stream: %w", err)
	}

	d.stream = stream
	d.running = true
	d.logger.Info().Int("sample_rate", d.rate).Msg("Audio output started")
	return nil
}

// fill is the real-time output callback; it must never block
func (d *Device) fill(out []float32) {
	n := d.ring.Read(out)
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

// Rate returns the device sample rate
func (d *Device) Rate() int {
	return d.rate
}

// Write queues samples for output. Samples beyond the ring capacity
// are dropped and counted.
func (d *Device) Write(samples []float32) int {
	n := d.ring.Write(samples)
	if n < len(samples) {
		d.mu.Lock()
		d.overflow += int64(len(samples) - n)
		overflow := d.overflow
		d.mu.Unlock()
		d.logger.Warn().Int64("dropped_samples", overflow).Msg("Output queue full, dropping audio")
	}
	return n
}

// Ready reports whether the output stream is running
func (d *Device) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Close stops and releases the output stream. Idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}
	d.running = false

	var err error
	if d.stream != nil {
		if e := d.stream.Stop(); e != nil {
			err = e
		}
		if e := d.stream.Close(); e != nil && err == nil {
			err = e
		}
		d.stream = nil
	}

	d.logger.Info().Msg("Audio output stopped")
	return err
}
