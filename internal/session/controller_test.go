package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hybridvoice/voice-satellite/internal/audio"
	"github.com/hybridvoice/voice-satellite/internal/config"
	"github.com/hybridvoice/voice-satellite/internal/wakeword"
)

// --- fakes ---

type wireFrame struct {
	mt   int
	data []byte
}

// fakeTransport is an in-memory Transport: reads come from a channel,
// writes are recorded.
type fakeTransport struct {
	inbound   chan wireFrame
	closeOnce sync.Once

	mu       sync.Mutex
	texts    []Message
	binaries [][]byte
	closed   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan wireFrame, 64)}
}

func (t *fakeTransport) ReadMessage() (int, []byte, error) {
	f, ok := <-t.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return f.mt, f.data, nil
}

func (t *fakeTransport) WriteJSON(v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("write on closed connection")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	t.texts = append(t.texts, msg)
	return nil
}

func (t *fakeTransport) WriteBinary(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("write on closed connection")
	}
	t.binaries = append(t.binaries, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.inbound)
	})
	return nil
}

func (t *fakeTransport) push(mt int, data []byte) {
	t.inbound <- wireFrame{mt: mt, data: data}
}

func (t *fakeTransport) pushJSON(msg Message) {
	data, _ := json.Marshal(msg)
	t.push(MessageText, data)
}

func (t *fakeTransport) sentTypes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.texts))
	for i, m := range t.texts {
		out[i] = m.Type
	}
	return out
}

func (t *fakeTransport) sentBinaries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.binaries)
}

func (t *fakeTransport) firstBinary() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.binaries) == 0 {
		return nil
	}
	return t.binaries[0]
}

// fakeDialer scripts dial outcomes and records dial timestamps
type fakeDialer struct {
	mu    sync.Mutex
	times []time.Time
	fn    func(n int) (Transport, error)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	d.times = append(d.times, time.Now())
	n := len(d.times)
	d.mu.Unlock()
	return d.fn(n)
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.times)
}

func (d *fakeDialer) dialTime(n int) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.times[n-1]
}

// fakePlayer records chunks and rate changes
type fakePlayer struct {
	mu     sync.Mutex
	chunks [][]byte
	rates  []int
	closed bool
	onStop func()
}

func (p *fakePlayer) Enqueue(chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = append(p.chunks, append([]byte(nil), chunk...))
}

func (p *fakePlayer) SetSampleRate(rate int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates = append(p.rates, rate)
}

func (p *fakePlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed && p.onStop != nil {
		p.onStop()
	}
	p.closed = true
	return nil
}

func (p *fakePlayer) chunkCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chunks)
}

func (p *fakePlayer) lastRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rates) == 0 {
		return 0
	}
	return p.rates[len(p.rates)-1]
}

// fakeSource delivers frames pushed by the test
type fakeSource struct {
	ch       chan audio.Frame
	stopOnce sync.Once
	onStop   func()
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan audio.Frame, 256)}
}

func (s *fakeSource) Frames() <-chan audio.Frame { return s.ch }
func (s *fakeSource) Start() error               { return nil }

func (s *fakeSource) Stop() error {
	s.stopOnce.Do(func() {
		if s.onStop != nil {
			s.onStop()
		}
		close(s.ch)
	})
	return nil
}

// stubModel is a scripted cascade stage
type stubModel struct {
	calls int64
	fn    func(input []float32) ([]float32, error)
}

func (m *stubModel) Run(input []float32) ([]float32, error) {
	atomic.AddInt64(&m.calls, 1)
	return m.fn(input)
}

func (m *stubModel) callCount() int64 {
	return atomic.LoadInt64(&m.calls)
}

// cascadeModels builds fake stages that fire a detection on the 10th
// scoring step, which the stride arithmetic places at input frame 30.
func cascadeModels() (wakeword.Models, *stubModel) {
	mel := &stubModel{fn: func(input []float32) ([]float32, error) {
		return make([]float32, wakeword.MelFramesPerStep*wakeword.MelBins), nil
	}}
	embed := &stubModel{fn: func(input []float32) ([]float32, error) {
		e := make([]float32, wakeword.EmbeddingDim)
		for i := range e {
			e[i] = 1
		}
		return e, nil
	}}
	wake := &stubModel{fn: func(input []float32) ([]float32, error) {
		filled := 0
		for i := 0; i < wakeword.EmbeddingFrames; i++ {
			if input[i*wakeword.EmbeddingDim] != 0 {
				filled++
			}
		}
		if filled >= 10 {
			return []float32{0.9}, nil
		}
		return []float32{0.1}, nil
	}}
	return wakeword.Models{Mel: mel, Embed: embed, Wake: wake}, mel
}

func quietModels() (wakeword.Models, *stubModel) {
	models, mel := cascadeModels()
	models.Wake = &stubModel{fn: func(input []float32) ([]float32, error) {
		return []float32{0.1}, nil
	}}
	return models, mel
}

// fakeClock is an injectable time source for listen window tests
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// --- helpers ---

func testConfig() *config.Config {
	return &config.Config{
		ServerURL:            "ws://test:8765",
		ConnectTimeoutMs:     1000,
		KeepaliveMs:          0,
		ReconnectMaxAttempts: 3,
		ReconnectBaseDelayMs: 20,
		WakeThreshold:        0.5,
		ListenWindowMs:       8000,
		SampleRate:           wakeword.SampleRate,
		FrameSamples:         wakeword.FrameSamples,
	}
}

func silentFrame() audio.Frame {
	return audio.Frame{
		Samples:   make([]float32, wakeword.FrameSamples),
		Timestamp: time.Now(),
	}
}

func loudFrame() audio.Frame {
	f := silentFrame()
	for i := range f.Samples {
		f.Samples[i] = 0.5
	}
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

type harness struct {
	cfg       *config.Config
	transport *fakeTransport
	dialer    *fakeDialer
	source    *fakeSource
	player    *fakePlayer
	detector  *wakeword.Detector
	clock     *fakeClock
	ctrl      *Controller
}

func newHarness(t *testing.T, cfg *config.Config, models wakeword.Models) *harness {
	h := &harness{
		cfg:       cfg,
		transport: newFakeTransport(),
		source:    newFakeSource(),
		player:    &fakePlayer{},
		clock:     newFakeClock(),
	}
	h.dialer = &fakeDialer{fn: func(n int) (Transport, error) {
		return h.transport, nil
	}}
	h.detector = wakeword.NewDetector(models, cfg.WakeThreshold, nil, zerolog.New(nil))
	h.ctrl = NewController(cfg, h.dialer, h.source, h.detector, h.player, zerolog.New(nil))
	h.ctrl.now = h.clock.now
	t.Cleanup(h.ctrl.Stop)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func (h *harness) waitReady(t *testing.T) {
	t.Helper()
	waitFor(t, "session ready", func() bool { return h.ctrl.State() == StateReady })
}

// --- tests ---

func TestController_AuthHandshake(t *testing.T) {
	cfg := testConfig()
	cfg.AuthToken = "secret"
	models, _ := quietModels()
	h := newHarness(t, cfg, models)

	// Ack is buffered before the controller connects
	h.transport.pushJSON(Message{Type: TypeAuthOK})
	h.start(t)
	h.waitReady(t)

	types := h.transport.sentTypes()
	if len(types) == 0 || types[0] != TypeAuth {
		t.Fatalf("Expected auth as first message, got %v", types)
	}
	h.transport.mu.Lock()
	token := h.transport.texts[0].Token
	h.transport.mu.Unlock()
	if token != "secret" {
		t.Errorf("Expected token sent in auth message, got %q", token)
	}
}

func TestController_NoTokenSkipsAuth(t *testing.T) {
	models, _ := quietModels()
	h := newHarness(t, testConfig(), models)

	h.start(t)
	h.waitReady(t)

	for _, typ := range h.transport.sentTypes() {
		if typ == TypeAuth {
			t.Error("Auth message sent with no token configured")
		}
	}
}

func TestController_AuthRejectionIsTerminal(t *testing.T) {
	cfg := testConfig()
	cfg.AuthToken = "bad-token"
	models, _ := quietModels()
	h := newHarness(t, cfg, models)

	h.transport.pushJSON(Message{Type: TypeAuthFailed})
	h.start(t)

	select {
	case <-h.ctrl.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Controller did not terminate after rejected auth")
	}

	// Rejected auth gets zero reconnect attempts
	if n := h.dialer.dials(); n != 1 {
		t.Errorf("Expected exactly 1 dial after auth rejection, got %d", n)
	}
	if h.ctrl.State() != StateDisconnected {
		t.Errorf("Expected Disconnected, got %v", h.ctrl.State())
	}
}

func TestController_ReconnectLinearBackoffThenGivesUp(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectMaxAttempts = 3
	cfg.ReconnectBaseDelayMs = 30
	models, _ := quietModels()
	h := newHarness(t, cfg, models)
	h.dialer.fn = func(n int) (Transport, error) {
		return nil, errors.New("connection refused")
	}

	start := time.Now()
	h.start(t)

	select {
	case <-h.ctrl.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Controller did not give up")
	}

	// Initial attempt plus the full retry budget
	if n := h.dialer.dials(); n != 4 {
		t.Fatalf("Expected 4 dials (1 + 3 retries), got %d", n)
	}

	// Linear ramp: waits of 30, 60 and 90ms before the retries
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Errorf("Retries finished in %v, linear backoff should take at least 180ms", elapsed)
	}
	if gap := h.dialer.dialTime(4).Sub(h.dialer.dialTime(3)); gap < 90*time.Millisecond {
		t.Errorf("Expected at least 90ms before attempt 3, got %v", gap)
	}

	if h.ctrl.State() != StateDisconnected {
		t.Errorf("Expected Disconnected after giving up, got %v", h.ctrl.State())
	}
}

func TestController_ReconnectsAfterConnectionDrop(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectBaseDelayMs = 5
	models, _ := quietModels()
	h := newHarness(t, cfg, models)

	second := newFakeTransport()
	h.dialer.fn = func(n int) (Transport, error) {
		if n == 1 {
			return h.transport, nil
		}
		return second, nil
	}

	h.start(t)
	h.waitReady(t)

	// Server drops the connection
	h.transport.Close()

	waitFor(t, "redial", func() bool { return h.dialer.dials() >= 2 })
	h.waitReady(t)
}

func TestController_SilenceNeverRelays(t *testing.T) {
	models, mel := quietModels()
	h := newHarness(t, testConfig(), models)

	h.start(t)
	h.waitReady(t)

	for i := 0; i < 100; i++ {
		h.source.ch <- silentFrame()
	}
	waitFor(t, "frames processed", func() bool { return mel.callCount() >= 100 })

	if n := h.transport.sentBinaries(); n != 0 {
		t.Errorf("Relayed %d frames without a detection", n)
	}
	for _, typ := range h.transport.sentTypes() {
		if typ == TypeWakeDetected {
			t.Error("wake_detected sent without a detection")
		}
	}
}

func TestController_RelayBeginsAtDetectionInclusive(t *testing.T) {
	models, mel := cascadeModels()
	h := newHarness(t, testConfig(), models)

	h.start(t)
	h.waitReady(t)

	// 29 frames: not enough scoring steps to detect, nothing may leave
	for i := 0; i < 29; i++ {
		h.source.ch <- silentFrame()
	}
	waitFor(t, "pre-detection frames processed", func() bool { return mel.callCount() >= 29 })
	if n := h.transport.sentBinaries(); n != 0 {
		t.Fatalf("Relayed %d frames before detection", n)
	}

	// Frame 30 triggers the detection and is itself relayed
	h.source.ch <- silentFrame()
	waitFor(t, "detection frame relayed", func() bool { return h.transport.sentBinaries() == 1 })

	found := false
	for _, typ := range h.transport.sentTypes() {
		if typ == TypeWakeDetected {
			found = true
		}
	}
	if !found {
		t.Error("Expected wake_detected control message before relayed audio")
	}

	if got := len(h.transport.firstBinary()); got != wakeword.FrameSamples*2 {
		t.Errorf("Expected %d bytes of PCM16, got %d", wakeword.FrameSamples*2, got)
	}

	// Relay continues while the window is open
	for i := 0; i < 5; i++ {
		h.source.ch <- silentFrame()
	}
	waitFor(t, "window frames relayed", func() bool { return h.transport.sentBinaries() == 6 })
}

func TestController_ListenWindowExpiryRearms(t *testing.T) {
	models, _ := cascadeModels()
	h := newHarness(t, testConfig(), models)

	h.start(t)
	h.waitReady(t)

	for i := 0; i < 30; i++ {
		h.source.ch <- silentFrame()
	}
	waitFor(t, "detection", func() bool { return h.transport.sentBinaries() == 1 })

	// Past the window: the next frame is not relayed and re-arms
	h.clock.advance(9 * time.Second)
	h.source.ch <- silentFrame()
	waitFor(t, "re-arm", func() bool { return h.detector.State() == wakeword.Armed })

	if n := h.transport.sentBinaries(); n != 1 {
		t.Errorf("Expected relay to stop at window expiry, got %d frames", n)
	}
}

func TestController_StopListeningEndsWindowEarly(t *testing.T) {
	models, _ := cascadeModels()
	h := newHarness(t, testConfig(), models)

	h.start(t)
	h.waitReady(t)

	for i := 0; i < 30; i++ {
		h.source.ch <- silentFrame()
	}
	waitFor(t, "detection", func() bool { return h.transport.sentBinaries() == 1 })

	h.ctrl.StopListening()
	h.source.ch <- silentFrame()
	waitFor(t, "re-arm", func() bool { return h.detector.State() == wakeword.Armed })

	if n := h.transport.sentBinaries(); n != 1 {
		t.Errorf("Expected relay to stop on external stop, got %d frames", n)
	}
}

func TestController_VADEndsWindowOnSilence(t *testing.T) {
	cfg := testConfig()
	cfg.VADEnabled = true
	cfg.VADEnergyThreshold = 500
	cfg.VADSilenceFrames = 3
	models, _ := cascadeModels()
	h := newHarness(t, cfg, models)

	h.start(t)
	h.waitReady(t)

	for i := 0; i < 30; i++ {
		h.source.ch <- silentFrame()
	}
	waitFor(t, "detection", func() bool { return h.transport.sentBinaries() == 1 })

	// Speech, then enough silence to end the window early
	h.source.ch <- loudFrame()
	h.source.ch <- loudFrame()
	for i := 0; i < 3; i++ {
		h.source.ch <- silentFrame()
	}
	waitFor(t, "re-arm on silence", func() bool { return h.detector.State() == wakeword.Armed })

	// Detection frame, 2 speech frames, 2 silence frames before the
	// third silent frame trips end-of-speech
	if n := h.transport.sentBinaries(); n != 5 {
		t.Errorf("Expected 5 relayed frames, got %d", n)
	}
}

func TestController_ServerAudioGoesToPlayer(t *testing.T) {
	models, _ := quietModels()
	h := newHarness(t, testConfig(), models)

	h.start(t)
	h.waitReady(t)

	h.transport.pushJSON(Message{Type: TypeAudioStart, Rate: 44100})
	h.transport.push(MessageBinary, []byte{1, 2, 3, 4})

	waitFor(t, "rate change", func() bool { return h.player.lastRate() == 44100 })
	waitFor(t, "chunk enqueued", func() bool { return h.player.chunkCount() == 1 })
}

func TestController_MalformedControlMessageIgnored(t *testing.T) {
	models, _ := quietModels()
	h := newHarness(t, testConfig(), models)

	h.start(t)
	h.waitReady(t)

	h.transport.push(MessageText, []byte("{not json"))
	h.transport.pushJSON(Message{Type: TypeAudioStart, Rate: 22050})

	// The connection survives the bad message
	waitFor(t, "later message handled", func() bool { return h.player.lastRate() == 22050 })
	if h.ctrl.State() != StateReady {
		t.Errorf("Expected session to stay Ready, got %v", h.ctrl.State())
	}
}

func TestController_KeepalivePings(t *testing.T) {
	cfg := testConfig()
	cfg.KeepaliveMs = 10
	models, _ := quietModels()
	h := newHarness(t, cfg, models)

	h.start(t)
	h.waitReady(t)

	waitFor(t, "ping", func() bool {
		for _, typ := range h.transport.sentTypes() {
			if typ == TypePing {
				return true
			}
		}
		return false
	})
}

func TestController_StopTeardownOrder(t *testing.T) {
	models, _ := quietModels()
	h := newHarness(t, testConfig(), models)

	var mu sync.Mutex
	var order []string
	record := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}
	h.source.onStop = func() { record("capture") }
	h.player.onStop = func() { record("player") }

	h.start(t)
	h.waitReady(t)

	h.ctrl.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "capture" || order[1] != "player" {
		t.Fatalf("Expected teardown order [capture player], got %v", order)
	}
	if h.ctrl.State() != StateDisconnected {
		t.Errorf("Expected Disconnected after Stop, got %v", h.ctrl.State())
	}

	// Second Stop is a no-op
	h.ctrl.Stop()
}
