package audio

import (
	"testing"
)

func loudFrame(n int) []float32 {
	frame := make([]float32, n)
	for i := range frame {
		if i%2 == 0 {
			frame[i] = 0.25
		} else {
			frame[i] = -0.25
		}
	}
	return frame
}

func silentFrame(n int) []float32 {
	return make([]float32, n)
}

func TestVAD_SpeechStart(t *testing.T) {
	vad := NewVADDetector(&VADConfig{EnergyThreshold: 500, SilenceFrames: 3})

	speaking, started, ended := vad.ProcessFrame(loudFrame(160))
	if !speaking {
		t.Error("Expected speaking on loud frame")
	}
	if !started {
		t.Error("Expected speechStarted on first loud frame")
	}
	if ended {
		t.Error("Did not expect speechEnded")
	}

	// Second loud frame: still speaking, no new start event
	_, started, _ = vad.ProcessFrame(loudFrame(160))
	if started {
		t.Error("Did not expect a second speechStarted")
	}
}

func TestVAD_SpeechEndAfterSilence(t *testing.T) {
	vad := NewVADDetector(&VADConfig{EnergyThreshold: 500, SilenceFrames: 3})

	vad.ProcessFrame(loudFrame(160))

	var ended bool
	for i := 0; i < 3; i++ {
		if ended {
			t.Fatalf("speechEnded fired early at frame %d", i)
		}
		_, _, ended = vad.ProcessFrame(silentFrame(160))
	}
	if !ended {
		t.Error("Expected speechEnded after 3 silence frames")
	}
	if vad.IsSpeaking() {
		t.Error("Expected not speaking after speech end")
	}
}

func TestVAD_SilenceOnlyNeverStarts(t *testing.T) {
	vad := NewVADDetector(nil)

	for i := 0; i < 100; i++ {
		speaking, started, ended := vad.ProcessFrame(silentFrame(160))
		if speaking || started || ended {
			t.Fatalf("Unexpected VAD event on silence at frame %d", i)
		}
	}
}

func TestVAD_SpeechResetsSilenceCounter(t *testing.T) {
	vad := NewVADDetector(&VADConfig{EnergyThreshold: 500, SilenceFrames: 3})

	vad.ProcessFrame(loudFrame(160))
	vad.ProcessFrame(silentFrame(160))
	vad.ProcessFrame(silentFrame(160))
	vad.ProcessFrame(loudFrame(160)) // resets the counter

	_, _, ended := vad.ProcessFrame(silentFrame(160))
	if ended {
		t.Error("Silence counter should have been reset by speech")
	}
}

func TestVAD_Reset(t *testing.T) {
	vad := NewVADDetector(&VADConfig{EnergyThreshold: 500, SilenceFrames: 3})

	vad.ProcessFrame(loudFrame(160))
	vad.Reset()

	if vad.IsSpeaking() {
		t.Error("Expected not speaking after Reset")
	}
}
