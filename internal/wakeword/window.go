package wakeword

// MelWindow is the growable sliding window of mel feature frames
// feeding the embedding stage. Frames are appended newest-last; the
// embedding step consumes the oldest MelWindowSize frames and then
// prunes only MelStride of them, so consecutive windows overlap by
// MelWindowSize-MelStride frames.
//
// Backed by a flat slice that is compacted in place on Prune so the
// backing array does not grow without bound under reslicing.
type MelWindow struct {
	data []float32 // len is always a multiple of MelBins
}

// NewMelWindow creates an empty mel window
func NewMelWindow() *MelWindow {
	return &MelWindow{data: make([]float32, 0, 2*MelWindowSize*MelBins)}
}

// Append adds one mel frame (MelBins values, oldest-first ordering preserved)
func (w *MelWindow) Append(frame []float32) {
	w.data = append(w.data, frame...)
}

// Len returns the number of mel frames currently held
func (w *MelWindow) Len() int {
	return len(w.data) / MelBins
}

// Window returns the oldest n frames as one flat slice. The returned
// slice aliases internal storage and is only valid until the next
// Append or Prune.
func (w *MelWindow) Window(n int) []float32 {
	return w.data[:n*MelBins]
}

// Prune discards the oldest n frames, compacting storage in place
func (w *MelWindow) Prune(n int) {
	cut := n * MelBins
	if cut > len(w.data) {
		cut = len(w.data)
	}
	kept := copy(w.data, w.data[cut:])
	w.data = w.data[:kept]
}

// Reset empties the window
func (w *MelWindow) Reset() {
	w.data = w.data[:0]
}
