// Package playback turns audio chunks pushed by the server into
// gapless output. Chunks arrive with network jitter; a timeline cursor
// schedules each one at max(cursor, now) so consecutive chunks abut
// exactly instead of overlapping or leaving gaps.
package playback

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hybridvoice/voice-satellite/internal/audio"
	"github.com/hybridvoice/voice-satellite/internal/observability"
)

// Sink consumes samples at a fixed device rate
type Sink interface {
	Rate() int
	// Write queues samples for output, returning how many fit
	Write(samples []float32) int
	Close() error
}

// Scheduler decodes incoming chunks and maintains the playback
// timeline. Chunks may carry a 44-byte WAV header on the first chunk
// of a stream; it is stripped before decoding.
type Scheduler struct {
	sink   Sink
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	inputRate int
	cursor    time.Time
	lastStart time.Time
	closed    bool
}

// NewScheduler creates a scheduler decoding chunks at inputRate and
// playing them through sink.
func NewScheduler(sink Sink, inputRate int, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		sink:      sink,
		inputRate: inputRate,
		logger:    logger.With().Str("component", "playback").Logger(),
		now:       time.Now,
	}
}

// Enqueue schedules one chunk of PCM16 audio. A chunk that fails to
// decode is dropped; the timeline is untouched so later chunks are
// unaffected.
func (s *Scheduler) Enqueue(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	samples, err := audio.DecodePCM16(audio.StripWAVHeader(chunk))
	if err != nil {
		observability.RecordPlaybackChunk("dropped")
		observability.RecordError("decode", "playback")
		s.logger.Warn().Err(err).Int("bytes", len(chunk)).Msg("Dropping undecodable audio chunk")
		return
	}

	// Duration at the stream rate, before any device-rate conversion
	duration := time.Duration(len(samples)) * time.Second / time.Duration(s.inputRate)

	if s.inputRate != s.sink.Rate() {
		samples = audio.Resample(samples, s.inputRate, s.sink.Rate())
	}

	startAt := s.cursor
	if now := s.now(); now.After(startAt) {
		startAt = now
	}
	s.lastStart = startAt

	queued := s.sink.Write(samples)
	if queued < len(samples) {
		// The cursor tracks audio that will actually play, so a
		// truncated chunk advances it by the queued portion only
		duration -= time.Duration(len(samples)-queued) * time.Second / time.Duration(s.sink.Rate())
		if duration < 0 {
			duration = 0
		}
		observability.RecordPlaybackChunk("truncated")
		s.logger.Warn().
			Int("queued", queued).
			Int("dropped", len(samples)-queued).
			Msg("Output queue full, chunk truncated")
	} else {
		observability.RecordPlaybackChunk("scheduled")
	}
	s.cursor = startAt.Add(duration)
	observability.RecordAudioBytes("played", int64(queued*2))

	s.logger.Debug().
		Time("start_at", startAt).
		Dur("duration", duration).
		Msg("Chunk scheduled")
}

// SetSampleRate declares the rate of subsequent chunks. A rate change
// means a new stream is starting, so the timeline restarts with it.
func (s *Scheduler) SetSampleRate(rate int) {
	if rate <= 0 {
		s.logger.Warn().Int("rate", rate).Msg("Ignoring invalid sample rate")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rate == s.inputRate {
		return
	}
	s.logger.Info().Int("from", s.inputRate).Int("to", rate).Msg("Stream sample rate changed")
	s.inputRate = rate
	s.cursor = time.Time{}
}

// Close releases the sink. Idempotent; Enqueue becomes a no-op.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.sink.Close()
}
