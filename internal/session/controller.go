package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hybridvoice/voice-satellite/internal/audio"
	"github.com/hybridvoice/voice-satellite/internal/config"
	"github.com/hybridvoice/voice-satellite/internal/observability"
	"github.com/hybridvoice/voice-satellite/internal/resilience"
	"github.com/hybridvoice/voice-satellite/internal/wakeword"
)

// ErrAuthRejected means the server refused the auth token. The
// controller treats it as terminal: no reconnect can fix a bad token.
var ErrAuthRejected = errors.New("authentication rejected by server")

// SessionState is the connection lifecycle state
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateClosing
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// Player receives audio pushed down by the server
type Player interface {
	// Enqueue schedules one audio chunk for gapless playback
	Enqueue(chunk []byte)
	// SetSampleRate declares the rate of subsequent chunks
	SetSampleRate(rate int)
	Close() error
}

// Controller owns the connection to the relay server and the single
// serialized frame loop that drives the wake word detector. Audio is
// relayed upstream only while the detector is in Cooldown, which can
// only follow a local detection: nothing heard before the wake word
// ever leaves the device.
type Controller struct {
	cfg      *config.Config
	dialer   Dialer
	source   audio.FrameSource
	detector *wakeword.Detector
	player   Player
	vad      *audio.VADDetector
	logger   zerolog.Logger

	mu        sync.Mutex
	state     SessionState
	transport Transport
	active    bool

	// Listen window bookkeeping, touched only by the frame loop
	listenStart time.Time
	listenUntil time.Time
	stopListen  atomic.Bool

	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewController wires the session together. The optional VAD is
// enabled from config; when off, relay windows always run their full
// configured length.
func NewController(cfg *config.Config, dialer Dialer, source audio.FrameSource, detector *wakeword.Detector, player Player, logger zerolog.Logger) *Controller {
	c := &Controller{
		cfg:      cfg,
		dialer:   dialer,
		source:   source,
		detector: detector,
		player:   player,
		logger: logger.With().
			Str("component", "session").
			Str("session_id", observability.NewSessionID()).
			Logger(),
		state:    StateDisconnected,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	if cfg.VADEnabled {
		c.vad = audio.NewVADDetector(&audio.VADConfig{
			EnergyThreshold: cfg.VADEnergyThreshold,
			SilenceFrames:   cfg.VADSilenceFrames,
		})
	}
	return c
}

// Start begins capture and connects to the relay server. It returns
// once the background loops are running; connection progress is
// observable via State and the session state metric.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = true
	c.mu.Unlock()

	ctx, c.cancel = context.WithCancel(ctx)

	if err := c.source.Start(); err != nil {
		c.mu.Lock()
		c.active = false
		c.mu.Unlock()
		return fmt.Errorf("start capture: %w", err)
	}

	c.wg.Add(2)
	go c.connectionLoop(ctx)
	go c.frameLoop(ctx)
	return nil
}

// Done is closed when the connection loop gives up for good: context
// cancelled, auth rejected, or reconnect budget exhausted.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// State returns the current session state
func (c *Controller) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StopListening ends the current relay window early, as if the listen
// timer had expired.
func (c *Controller) StopListening() {
	c.stopListen.Store(true)
}

// Stop tears the session down: capture first so no new frames arrive,
// then the transport, then playback. Idempotent.
func (c *Controller) Stop() {
	c.setState(StateClosing)
	c.deactivate()
	if c.cancel != nil {
		c.cancel()
	}

	c.source.Stop()
	c.teardownTransport()
	c.wg.Wait()
	c.player.Close()

	c.setState(StateDisconnected)
	c.logger.Info().Msg("Session stopped")
}

// connectionLoop maintains the link: connect, read until it drops,
// reconnect with linear backoff. Exits on cancellation, rejected auth,
// or an exhausted reconnect budget.
func (c *Controller) connectionLoop(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.done)

	for {
		if ctx.Err() != nil || !c.isActive() {
			c.setState(StateDisconnected)
			return
		}

		if err := c.connect(ctx); err != nil {
			if errors.Is(err, ErrAuthRejected) {
				c.failAuth(err)
				return
			}

			c.logger.Warn().Err(err).Msg("Connection failed, retrying")

			// Rejected auth must not burn reconnect attempts: it is
			// surfaced out of the retry loop and handled as terminal
			var authErr error
			err = resilience.Reconnect(ctx, func() error {
				e := c.connect(ctx)
				if errors.Is(e, ErrAuthRejected) {
					authErr = e
					return nil
				}
				return e
			}, &resilience.ReconnectConfig{
				MaxAttempts: c.cfg.ReconnectMaxAttempts,
				BaseDelay:   c.cfg.ReconnectBaseDelay(),
			}, func(attempt int, delay time.Duration) {
				observability.RecordReconnectAttempt()
				c.logger.Info().Int("attempt", attempt).Dur("waited", delay).Msg("Reconnecting")
			})

			if authErr != nil {
				c.failAuth(authErr)
				return
			}
			if err != nil {
				c.logger.Error().Err(err).Msg("Giving up on relay server")
				c.deactivate()
				c.setState(StateDisconnected)
				return
			}
		}

		tr := c.currentTransport()
		stopPing := make(chan struct{})
		go c.keepaliveLoop(tr, stopPing)

		c.readLoop(ctx, tr)

		close(stopPing)
		c.teardownTransport()
	}
}

// connect dials and authenticates one connection. Both steps share the
// connect timeout.
func (c *Controller) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout())
	defer cancel()

	tr, err := c.dialer.Dial(dialCtx, c.cfg.ServerURL)
	if err != nil {
		observability.RecordError("transport", "session")
		return err
	}

	if c.cfg.AuthToken != "" {
		c.setState(StateAuthenticating)
		if err := c.authenticate(dialCtx, tr); err != nil {
			tr.Close()
			return err
		}
	}

	c.mu.Lock()
	c.transport = tr
	c.mu.Unlock()

	c.setState(StateReady)
	c.logger.Info().Str("server", c.cfg.ServerURL).Msg("Session ready")

	// Best-effort: ask the server for its status once per connection
	if err := tr.WriteJSON(Message{Type: TypeStatusRequest}); err != nil {
		c.logger.Debug().Err(err).Msg("Status request failed")
	}
	return nil
}

// authenticate sends the token and waits for the explicit ack. The
// transport has no context-aware reads, so the read runs in a helper
// goroutine raced against the deadline; on timeout the caller closes
// the transport, which unblocks the read.
func (c *Controller) authenticate(ctx context.Context, tr Transport) error {
	if err := tr.WriteJSON(AuthMessage(c.cfg.AuthToken)); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	type ack struct {
		msg Message
		err error
	}
	ch := make(chan ack, 1)
	go func() {
		for {
			mt, data, err := tr.ReadMessage()
			if err != nil {
				ch <- ack{err: err}
				return
			}
			if mt != MessageText {
				continue
			}
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				ch <- ack{err: fmt.Errorf("malformed auth ack: %w", err)}
				return
			}
			switch msg.Type {
			case TypeAuthOK, TypeAuthFailed:
				ch <- ack{msg: msg}
				return
			}
			// Pre-auth chatter, keep waiting for the ack
		}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("auth ack: %w", ctx.Err())
	case a := <-ch:
		if a.err != nil {
			return fmt.Errorf("auth ack: %w", a.err)
		}
		if a.msg.Type == TypeAuthFailed {
			return ErrAuthRejected
		}
		return nil
	}
}

// failAuth handles a rejected token: terminal, no retry
func (c *Controller) failAuth(err error) {
	observability.RecordAuthFailure()
	c.logger.Error().Err(err).Msg("Authentication rejected, not retrying")
	c.deactivate()
	c.setState(StateDisconnected)
}

// readLoop consumes one connection until it drops. Binary frames are
// server audio for playback; text frames are control messages.
func (c *Controller) readLoop(ctx context.Context, tr Transport) {
	for {
		mt, data, err := tr.ReadMessage()
		if err != nil {
			if c.isActive() && ctx.Err() == nil {
				observability.RecordError("transport", "session")
				c.logger.Warn().Err(err).Msg("Connection lost")
			}
			return
		}

		switch mt {
		case MessageBinary:
			c.player.Enqueue(data)
		case MessageText:
			if !c.handleControl(data) {
				return
			}
		}
	}
}

// handleControl dispatches one control message. Returns false when the
// connection should be abandoned.
func (c *Controller) handleControl(data []byte) bool {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		observability.RecordError("decode", "session")
		c.logger.Warn().Err(err).Msg("Dropping malformed control message")
		return true
	}

	switch msg.Type {
	case TypePong:
		c.logger.Debug().Msg("Pong")
	case TypeAudioStart:
		c.logger.Info().Int("rate", msg.Rate).Msg("Server audio stream starting")
		c.player.SetSampleRate(msg.Rate)
	case TypeStatus:
		c.logger.Debug().
			Bool("wyoming_connected", msg.WyomingConnected).
			Int("clients", msg.Clients).
			Msg("Server status")
	case TypeAuthFailed:
		// Mid-session revocation, same terminal handling as at connect
		c.failAuth(ErrAuthRejected)
		return false
	default:
		c.logger.Debug().Str("type", msg.Type).Msg("Ignoring unknown control message")
	}
	return true
}

// keepaliveLoop pings the server on a fixed interval for as long as
// the connection lives. Failures are left to the read loop to notice.
func (c *Controller) keepaliveLoop(tr Transport, stop <-chan struct{}) {
	interval := c.cfg.KeepaliveInterval()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := tr.WriteJSON(PingMessage()); err != nil {
				c.logger.Debug().Err(err).Msg("Keep-alive write failed")
				return
			}
		}
	}
}

// frameLoop is the single consumer of captured frames. Detection and
// relay gating happen here and nowhere else, so "relay only after
// detection" holds by construction.
func (c *Controller) frameLoop(ctx context.Context) {
	defer c.wg.Done()

	frames := c.source.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			c.handleFrame(frame)
		}
	}
}

func (c *Controller) handleFrame(frame audio.Frame) {
	if det := c.detector.Process(frame.Samples); det != nil {
		c.beginListenWindow(det)
	}

	if c.detector.State() != wakeword.Cooldown {
		return
	}

	if c.now().After(c.listenUntil) {
		c.endListenWindow("timeout")
		return
	}
	if c.stopListen.Load() {
		c.endListenWindow("stopped")
		return
	}
	if c.vad != nil {
		if _, _, ended := c.vad.ProcessFrame(frame.Samples); ended {
			c.endListenWindow("silence")
			return
		}
	}

	c.relay(frame)
}

// beginListenWindow opens the relay window after a detection. The
// frame that triggered the detection is itself relayed by the caller.
func (c *Controller) beginListenWindow(det *wakeword.Detection) {
	now := c.now()
	c.listenStart = now
	c.listenUntil = now.Add(c.cfg.ListenWindow())
	c.stopListen.Store(false)
	if c.vad != nil {
		c.vad.Reset()
	}

	c.logger.Info().
		Float64("score", det.Score).
		Dur("window", c.cfg.ListenWindow()).
		Msg("Wake word detected, relaying audio")

	if tr := c.currentTransport(); tr != nil {
		if err := tr.WriteJSON(WakeDetectedMessage()); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to announce detection")
		}
	}
}

// endListenWindow closes the relay window and re-arms the detector,
// which discards all cascade context accumulated so far.
func (c *Controller) endListenWindow(reason string) {
	c.detector.Arm()
	observability.RecordListenWindow(c.now().Sub(c.listenStart))
	c.logger.Info().Str("reason", reason).Msg("Listen window ended, detector re-armed")
}

// relay ships one frame upstream. Frames are never queued: if the
// session is offline during a window, that audio is simply not sent.
func (c *Controller) relay(frame audio.Frame) {
	tr := c.currentTransport()
	if tr == nil || c.State() != StateReady {
		return
	}

	data := audio.EncodePCM16(frame.Samples)
	if err := tr.WriteBinary(data); err != nil {
		observability.RecordError("transport", "relay")
		c.logger.Warn().Err(err).Msg("Failed to relay audio frame")
		return
	}
	observability.RecordAudioBytes("relayed", int64(len(data)))
}

func (c *Controller) setState(s SessionState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	observability.SetSessionState(int(s))
	c.logger.Debug().Str("state", s.String()).Msg("Session state changed")
}

func (c *Controller) isActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) deactivate() {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
}

func (c *Controller) currentTransport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

func (c *Controller) teardownTransport() {
	c.mu.Lock()
	tr := c.transport
	c.transport = nil
	c.mu.Unlock()
	if tr != nil {
		tr.Close()
	}
}
