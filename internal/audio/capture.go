package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/hybridvoice/voice-satellite/internal/observability"
)

// Frame is one fixed-length block of captured mono audio
type Frame struct {
	Samples   []float32
	Timestamp time.Time
}

// FrameSource delivers fixed-length frames from an input device.
// Anything that can push Frames works; Capturer is the portaudio one.
type FrameSource interface {
	Frames() <-chan Frame
	Start() error
	Stop() error
}

// Capturer reads mono audio from the default input device and emits
// fixed-length frames. The device callback never blocks: frames are
// handed off through a buffered channel and dropped (counted) when the
// consumer falls behind.
type Capturer struct {
	sampleRate   int
	frameSamples int
	out          chan Frame
	logger       zerolog.Logger

	mu      sync.Mutex
	stream  *portaudio.Stream
	running bool
	dropped int64
}

// NewCapturer creates a capturer for the default input device.
// portaudio.Initialize must have been called by the process.
func NewCapturer(sampleRate, frameSamples, queueDepth int, logger zerolog.Logger) *Capturer {
	return &Capturer{
		sampleRate:   sampleRate,
		frameSamples: frameSamples,
		out:          make(chan Frame, queueDepth),
		logger:       logger.With().Str("component", "capture").Logger(),
	}
}

// Frames returns the channel frames are delivered on
func (c *Capturer) Frames() <-chan Frame {
	return c.out
}

// Start opens the default input stream and begins delivering frames
func (c *Capturer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	buf := make([]float32, c.frameSamples)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(c.sampleRate), c.frameSamples, buf)
	if err != nil {
		return fmt.Errorf("failed to open input stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start input stream: %w", err)
	}

	c.stream = stream
	c.running = true

	go c.readLoop(stream, buf)

	c.logger.Info().
		Int("sample_rate", c.sampleRate).
		Int("frame_samples", c.frameSamples).
		Msg("Audio capture started")
	return nil
}

func (c *Capturer) readLoop(stream *portaudio.Stream, buf []float32) {
	for {
		c.mu.Lock()
		running := c.running
		c.mu.Unlock()
		if !running {
			return
		}

		if err := stream.Read(); err != nil {
			c.mu.Lock()
			running = c.running
			c.mu.Unlock()
			if running {
				c.logger.Warn().Err(err).Msg("Audio read error, capture stopping")
			}
			return
		}

		frame := Frame{
			Samples:   append([]float32(nil), buf...),
			Timestamp: time.Now(),
		}

		select {
		case c.out <- frame:
		default:
			c.mu.Lock()
			c.dropped++
			n := c.dropped
			c.mu.Unlock()
			observability.RecordCapturedFrameDropped()
			if n%100 == 1 {
				c.logger.Warn().Int64("dropped", n).Msg("Frame queue full, dropping captured audio")
			}
		}
	}
}

// Stop stops the capture stream. Idempotent.
func (c *Capturer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false

	var err error
	if c.stream != nil {
		if e := c.stream.Stop(); e != nil {
			err = e
		}
		if e := c.stream.Close(); e != nil && err == nil {
			err = e
		}
		c.stream = nil
	}

	c.logger.Info().Msg("Audio capture stopped")
	return err
}

// Dropped returns the number of frames discarded due to backpressure
func (c *Capturer) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
