// Package playback schedules streamed PCM chunks back to back on an output
// clock so they play without gaps or overlaps.
package playback

import (
	"fmt"
	"math"

	"voicetest/audio"
	"voicetest/pcm"
)

const (
	DefaultRate = 1.0
	MinRate     = 0.5
	MaxRate     = 2.0
	RateStep    = 0.1 // keyboard increment
)

// Opener creates the output device lazily on the first scheduled chunk.
type Opener func(sampleRate int) (audio.OutputDevice, error)

// Unit describes one scheduled chunk.
type Unit struct {
	Start    float64 // output clock seconds
	Duration float64 // source duration at rate 1.0
	Rate     float64
	Frames   int // rendered frames after the speed transform
}

// End is where the next unit starts.
func (u Unit) End() float64 { return u.Start + u.Duration/u.Rate }

// Scheduler owns the output device and the playback cursor. It is not safe for
// concurrent use; the client loop is its only caller.
type Scheduler struct {
	open       Opener
	sampleRate int
	minRate    float64
	maxRate    float64

	out    audio.OutputDevice
	cursor float64
	rate   float64
}

func New(open Opener, sampleRate int, minRate, maxRate float64) *Scheduler {
	if sampleRate <= 0 {
		sampleRate = pcm.SampleRate
	}
	if minRate <= 0 || maxRate < minRate {
		minRate, maxRate = MinRate, MaxRate
	}
	return &Scheduler{
		open:       open,
		sampleRate: sampleRate,
		minRate:    minRate,
		maxRate:    maxRate,
		rate:       DefaultRate,
	}
}

func (s *Scheduler) Rate() float64 { return s.rate }

// SetRate clamps r into the allowed range and returns the applied value.
// Units already scheduled keep their rate.
func (s *Scheduler) SetRate(r float64) float64 {
	if math.IsNaN(r) || r <= 0 {
		r = DefaultRate
	}
	s.rate = max(s.minRate, min(s.maxRate, r))
	return s.rate
}

// Cursor is the next scheduled start time on the output clock.
func (s *Scheduler) Cursor() float64 { return s.cursor }

// Active reports whether an output device is currently open.
func (s *Scheduler) Active() bool { return s.out != nil }

// Ensure opens the output on first use and resumes it when suspended.
func (s *Scheduler) Ensure() error {
	if s.out == nil {
		out, err := s.open(s.sampleRate)
		if err != nil {
			return fmt.Errorf("opening output: %w", err)
		}
		s.out = out
		s.cursor = out.Now()
	}
	if s.out.Suspended() {
		if err := s.out.Resume(); err != nil {
			return fmt.Errorf("resuming output: %w", err)
		}
	}
	return nil
}

// Schedule converts samples to float, applies the current rate as a speed
// change and starts them at the cursor, snapping the cursor forward to the
// output clock first if it fell behind.
func (s *Scheduler) Schedule(samples []int16) (Unit, error) {
	if err := s.Ensure(); err != nil {
		return Unit{}, err
	}
	rate := s.rate
	rendered := Speed(pcm.PCMToFloat(samples), rate)

	if now := s.out.Now(); s.cursor < now {
		s.cursor = now
	}
	u := Unit{
		Start:    s.cursor,
		Duration: float64(len(samples)) / float64(s.sampleRate),
		Rate:     rate,
		Frames:   len(rendered),
	}
	s.out.Play(u.Start, rendered)
	s.cursor = u.End()
	return u, nil
}

// Reset discards the output device and everything scheduled on it. The next
// Schedule opens a fresh one.
func (s *Scheduler) Reset() error {
	s.cursor = 0
	if s.out == nil {
		return nil
	}
	out := s.out
	s.out = nil
	return out.Close()
}

// Speed resamples by linear interpolation so the result lasts len/rate frames.
// Pitch moves with speed.
func Speed(samples []float32, rate float64) []float32 {
	if rate == 1 || len(samples) == 0 {
		return samples
	}
	n := int(math.Round(float64(len(samples)) / rate))
	out := make([]float32, n)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * rate
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j] + (samples[j+1]-samples[j])*frac
	}
	return out
}
