package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// wavHeaderSize is the length of a canonical RIFF/WAVE header. Some TTS
// backends prefix the first chunk of a response with one; the satellite
// strips it by signature before decoding.
const wavHeaderSize = 44

// DecodePCM16 converts little-endian 16-bit PCM bytes to normalized
// float32 samples in [-1, 1).
func DecodePCM16(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(data))
	}

	samples := make([]float32, len(data)/2)
	for i := range samples {
		s := int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
		samples[i] = float32(s) / 32768.0
	}
	return samples, nil
}

// EncodePCM16 converts normalized float32 samples to little-endian
// 16-bit PCM bytes, clipping out-of-range values.
func EncodePCM16(samples []float32) []byte {
	data := make([]byte, len(samples)*2)
	for i, v := range samples {
		if v > 1.0 {
			v = 1.0
		} else if v < -1.0 {
			v = -1.0
		}
		s := int16(v * 32767.0)
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// Int16ToFloat32 converts raw int16 samples to normalized float32
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// HasWAVHeader reports whether data starts with a RIFF/WAVE signature
func HasWAVHeader(data []byte) bool {
	if len(data) < wavHeaderSize {
		return false
	}
	return string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// StripWAVHeader removes a leading RIFF/WAVE container header if one is
// present, returning the raw PCM payload unchanged otherwise.
func StripWAVHeader(data []byte) []byte {
	if HasWAVHeader(data) {
		return data[wavHeaderSize:]
	}
	return data
}

// Resample performs linear interpolation resampling.
// Good enough for voice playback; swap in a sinc resampler if music
// quality ever matters.
func Resample(samples []float32, inputRate, outputRate int) []float32 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]float32, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = float32(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// CalculateRMS calculates the root mean square of int16 audio samples.
// Useful for detecting audio levels and silence.
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// CalculateRMSFloat is CalculateRMS for normalized float32 frames,
// rescaled to the int16 range so one threshold works for both.
func CalculateRMSFloat(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		v := float64(sample) * 32768.0
		sum += v * v
	}

	return math.Sqrt(sum / float64(len(samples)))
}
