package audio

import (
	"math"
	"sync"
)

type timelineUnit struct {
	start   int64
	samples []float32
}

// Timeline is the render side shared by every output backend. Units are
// placed at absolute frame positions and pulled out by the device callback.
type Timeline struct {
	sampleRate int

	mu    sync.Mutex
	pos   int64
	units []timelineUnit
}

func NewTimeline(sampleRate int) *Timeline {
	return &Timeline{sampleRate: sampleRate}
}

func (t *Timeline) SampleRate() int { return t.sampleRate }

func (t *Timeline) Now() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.pos) / float64(t.sampleRate)
}

// Add places samples at clock time at. Frames that fall before the current
// position are dropped.
func (t *Timeline) Add(at float64, samples []float32) {
	if len(samples) == 0 {
		return
	}
	start := int64(math.Round(at * float64(t.sampleRate)))
	t.mu.Lock()
	defer t.mu.Unlock()
	if start < t.pos {
		skip := t.pos - start
		if skip >= int64(len(samples)) {
			return
		}
		samples = samples[skip:]
		start = t.pos
	}
	i := len(t.units)
	for i > 0 && t.units[i-1].start > start {
		i--
	}
	t.units = append(t.units, timelineUnit{})
	copy(t.units[i+1:], t.units[i:])
	t.units[i] = timelineUnit{start: start, samples: samples}
}

// Render fills out with the next len(out) frames and advances the clock.
func (t *Timeline) Render(out []float32) {
	for i := range out {
		out[i] = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	from := t.pos
	to := from + int64(len(out))
	kept := t.units[:0]
	for _, u := range t.units {
		end := u.start + int64(len(u.samples))
		if u.start < to && end > from {
			lo := max(u.start, from)
			hi := min(end, to)
			for p := lo; p < hi; p++ {
				out[p-from] += u.samples[p-u.start]
			}
		}
		if end > to {
			kept = append(kept, u)
		}
	}
	clear(t.units[len(kept):])
	t.units = kept
	t.pos = to

	for i, s := range out {
		out[i] = max(-1, min(1, s))
	}
}

// Pending reports how many units have not finished playing.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.units)
}
