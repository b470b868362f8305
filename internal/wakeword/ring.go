package wakeword

// EmbeddingRing holds the fixed window of the most recent
// EmbeddingFrames embedding vectors, oldest evicted first. Capacity
// never changes: slots are overwritten by rotating a cursor, and a
// fresh ring scores as all-zero context.
type EmbeddingRing struct {
	slots  [][]float32 // EmbeddingFrames x EmbeddingDim
	oldest int         // index of the slot Push will overwrite next
}

// NewEmbeddingRing creates a ring of EmbeddingFrames zero vectors
func NewEmbeddingRing() *EmbeddingRing {
	r := &EmbeddingRing{slots: make([][]float32, EmbeddingFrames)}
	for i := range r.slots {
		r.slots[i] = make([]float32, EmbeddingDim)
	}
	return r
}

// Push rotates a new embedding into the ring, evicting the oldest
func (r *EmbeddingRing) Push(embedding []float32) {
	copy(r.slots[r.oldest], embedding)
	r.oldest = (r.oldest + 1) % EmbeddingFrames
}

// Flatten writes the ring contents oldest-first into dst and returns
// it. dst must hold EmbeddingFrames*EmbeddingDim values; pass nil to
// allocate.
func (r *EmbeddingRing) Flatten(dst []float32) []float32 {
	if dst == nil {
		dst = make([]float32, EmbeddingFrames*EmbeddingDim)
	}
	for i := 0; i < EmbeddingFrames; i++ {
		src := r.slots[(r.oldest+i)%EmbeddingFrames]
		copy(dst[i*EmbeddingDim:(i+1)*EmbeddingDim], src)
	}
	return dst
}

// At returns the i-th vector in chronological order (0 = oldest).
// The returned slice aliases ring storage.
func (r *EmbeddingRing) At(i int) []float32 {
	return r.slots[(r.oldest+i)%EmbeddingFrames]
}

// Reset zero-fills every slot and rewinds the cursor
func (r *EmbeddingRing) Reset() {
	for _, slot := range r.slots {
		for i := range slot {
			slot[i] = 0
		}
	}
	r.oldest = 0
}
