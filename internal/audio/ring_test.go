package audio

import (
	"testing"
)

func TestSampleRing_WriteRead(t *testing.T) {
	rb := NewSampleRing(10)

	written := rb.Write([]float32{1, 2, 3, 4, 5})
	if written != 5 {
		t.Errorf("Expected to write 5 samples, got %d", written)
	}
	if rb.Available() != 5 {
		t.Errorf("Expected available 5, got %d", rb.Available())
	}

	out := make([]float32, 3)
	read := rb.Read(out)
	if read != 3 {
		t.Errorf("Expected to read 3 samples, got %d", read)
	}
	if out[0] != 1 || out[1] != 2 || out[2] != 3 {
		t.Errorf("Read incorrect data: %v", out)
	}
	if rb.Available() != 2 {
		t.Errorf("Expected available 2 after read, got %d", rb.Available())
	}
}

func TestSampleRing_WriteOverflow(t *testing.T) {
	rb := NewSampleRing(5)

	// Capacity is size-1 to avoid full/empty ambiguity
	written := rb.Write([]float32{1, 2, 3, 4, 5, 6})
	if written != 4 {
		t.Errorf("Expected to write 4 samples, got %d", written)
	}
	if rb.Space() != 0 {
		t.Errorf("Expected no space left, got %d", rb.Space())
	}
}

func TestSampleRing_ReadEmpty(t *testing.T) {
	rb := NewSampleRing(10)

	if !rb.IsEmpty() {
		t.Error("Expected buffer to be empty initially")
	}

	out := make([]float32, 5)
	if read := rb.Read(out); read != 0 {
		t.Errorf("Expected to read 0 samples from empty buffer, got %d", read)
	}
}

func TestSampleRing_WrapAround(t *testing.T) {
	rb := NewSampleRing(5)

	rb.Write([]float32{1, 2, 3, 4})

	out := make([]float32, 2)
	rb.Read(out)

	rb.Write([]float32{5, 6})
	if rb.Available() != 4 {
		t.Errorf("Expected available 4, got %d", rb.Available())
	}

	out = make([]float32, 4)
	read := rb.Read(out)
	if read != 4 {
		t.Errorf("Expected to read 4 samples, got %d", read)
	}
	expected := []float32{3, 4, 5, 6}
	for i := range expected {
		if out[i] != expected[i] {
			t.Errorf("Expected %f at position %d, got %f", expected[i], i, out[i])
		}
	}
}

func TestSampleRing_Clear(t *testing.T) {
	rb := NewSampleRing(10)

	rb.Write([]float32{1, 2, 3})
	rb.Clear()

	if rb.Available() != 0 {
		t.Errorf("Expected available 0 after clear, got %d", rb.Available())
	}
	if !rb.IsEmpty() {
		t.Error("Expected buffer to be empty after clear")
	}
}
