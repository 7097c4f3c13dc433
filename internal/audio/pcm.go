// Package audio aggregates pipeline segments into deliverable audio: one
// concatenated waveform for buffered responses, or PCM16LE frames emitted as
// segments arrive for streaming responses.
package audio

import (
	"encoding/binary"
	"math"
)

// SampleRate is the nominal output rate of the synthesis pipeline.
const SampleRate = 24000

// PCM16LE converts float32 samples in [-1, 1] to signed 16-bit little-endian
// PCM. The scale factor is 32767 with symmetric clamping, so 1.0 maps to
// 32767 and -1.0 to -32767; naive scaling by 32768 would overflow at the top
// of the range.
func PCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(math.Round(float64(s) * 32767))
		if v > 32767 {
			v = 32767
		} else if v < -32767 {
			v = -32767
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
