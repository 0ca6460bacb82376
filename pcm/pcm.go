// Package pcm converts between the socket's base64 transport text, signed
// 16-bit little-endian sample buffers and floating point audio.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	SampleRate     = 24000
	Channels       = 1
	BitsPerSample  = 16
	BytesPerSample = BitsPerSample / 8
)

var ErrOddLength = errors.New("pcm: odd byte length")

// DecodeTransport decodes standard base64 text into little-endian int16 samples.
func DecodeTransport(text string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("pcm: base64: %w", err)
	}
	return FromBytes(raw)
}

// EncodeTransport is the inverse of DecodeTransport.
func EncodeTransport(samples []int16) string {
	return base64.StdEncoding.EncodeToString(ToBytes(samples))
}

func FromBytes(raw []byte) ([]int16, error) {
	if len(raw)%BytesPerSample != 0 {
		return nil, ErrOddLength
	}
	samples := make([]int16, len(raw)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return samples, nil
}

func ToBytes(samples []int16) []byte {
	raw := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}
	return raw
}

// FloatToPCM clamps each sample to [-1, 1] and scales negatives by 32768 and
// everything else by 32767, truncating toward zero.
func FloatToPCM(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, f := range samples {
		s := float64(f)
		if math.IsNaN(s) {
			s = 0
		}
		s = max(-1, min(1, s))
		if s < 0 {
			out[i] = int16(s * 0x8000)
		} else {
			out[i] = int16(s * 0x7fff)
		}
	}
	return out
}

func PCMToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// Concat joins chunks in order into one freshly allocated buffer.
func Concat(chunks [][]int16) []int16 {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]int16, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

func Duration(samples int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(samples) / float64(sampleRate) * float64(time.Second))
}

// Level returns the RMS of a float block.
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSquares float64
	for _, s := range samples {
		sumSquares += float64(s) * float64(s)
	}
	return math.Sqrt(sumSquares / float64(len(samples)))
}
