// Package wakeword implements a three-stage streaming wake word
// cascade in the openWakeWord layout: raw audio frames are turned into
// mel spectrogram features, features into embeddings over a sliding
// window, and a fixed depth of embeddings into a detection probability.
package wakeword

// Cascade geometry. These match the openWakeWord model family and are
// not tunable: the models are trained against exactly these shapes.
const (
	SampleRate   = 16000
	FrameSamples = 1280 // 80ms at 16kHz

	MelBins          = 32 // feature width per mel frame
	MelFramesPerStep = 5  // mel frames produced per input frame (hop 256)
	MelWindowSize    = 76 // mel frames consumed per embedding call
	MelStride        = 8  // mel frames advanced per embedding step

	EmbeddingDim    = 96 // width of one embedding vector
	EmbeddingFrames = 16 // embeddings consumed per detection call
)

// DefaultThreshold is the detection probability cutoff
const DefaultThreshold = 0.5

// Model is one opaque inference stage: a flat float32 tensor in, a flat
// float32 tensor out. Implementations must be safe for repeated
// sequential calls; the detector never calls a stage concurrently.
type Model interface {
	Run(input []float32) ([]float32, error)
}

// Models bundles the three cascade stages. Any nil stage makes the
// detector a no-op, which covers the window between construction and
// models finishing loading.
type Models struct {
	Mel   Model // frame[1280] -> features[5*32]
	Embed Model // window[76*32] -> embedding[96]
	Wake  Model // ring[16*96] -> probability[1]
}

// Ready reports whether all three stages are loaded
func (m Models) Ready() bool {
	return m.Mel != nil && m.Embed != nil && m.Wake != nil
}
