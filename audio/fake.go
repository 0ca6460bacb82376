package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	fakeFrameSize     = 1024
	fakeBytesPerFrame = 2 // 16-bit mono
	fakeOutputTick    = 10 * time.Millisecond
)

// FakeContext replays a WAV file as microphone input and plays output into a
// timeline driven by the wall clock. It backs the headless test mode.
type FakeContext struct {
	samples    []float32
	sampleRate uint32
	realtime   bool

	mu   sync.Mutex
	last *FakeCapture
}

func NewFakeContext(wavPath string, realtime bool) (*FakeContext, error) {
	f := &FakeContext{realtime: realtime}
	if wavPath == "" {
		return f, nil
	}
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	if len(data) < WAVHeaderSize {
		return nil, fmt.Errorf("%s: not a WAV file", wavPath)
	}
	f.sampleRate = binary.LittleEndian.Uint32(data[24:28])
	data = data[WAVHeaderSize:]
	f.samples = make([]float32, len(data)/fakeBytesPerFrame)
	for i := range f.samples {
		f.samples[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768
	}
	return f, nil
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	rate := config.SampleRate
	if f.sampleRate != 0 {
		rate = f.sampleRate
	}
	c := &FakeCapture{
		samples:    f.samples,
		sampleRate: int(rate),
		realtime:   f.realtime,
		audioDone:  make(chan struct{}),
	}
	f.mu.Lock()
	f.last = c
	f.mu.Unlock()
	return c, nil
}

// LastCapture returns the most recently opened capture device, or nil.
func (f *FakeContext) LastCapture() *FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *FakeContext) NewOutput(config OutputConfig) (OutputDevice, error) {
	return &FakeOutput{timeline: NewTimeline(int(config.SampleRate))}, nil
}

type FakeCapture struct {
	samples    []float32
	sampleRate int
	realtime   bool

	mu        sync.Mutex
	cb        DataCallback
	audioDone chan struct{}
	stopCh    chan struct{}
	feedDone  chan struct{}
}

// AudioDone is closed once the whole file has been delivered.
func (f *FakeCapture) AudioDone() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audioDone
}

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) SampleRate() int    { return f.sampleRate }
func (f *FakeCapture) DeviceName() string { return "fake" }

func (f *FakeCapture) callback() DataCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *FakeCapture) feedChunk(cb DataCallback, pos int) int {
	end := min(pos+fakeFrameSize, len(f.samples))
	chunk := make([]float32, end-pos)
	copy(chunk, f.samples[pos:end])
	cb(chunk)
	return end
}

func (f *FakeCapture) Start() error {
	f.mu.Lock()
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	audioDone := f.audioDone
	f.mu.Unlock()

	interval := time.Millisecond
	if f.realtime && f.sampleRate > 0 {
		interval = time.Duration(fakeFrameSize) * time.Second / time.Duration(f.sampleRate)
	}

	go func() {
		defer close(f.feedDone)
		pos := 0
		finished := false
		for {
			select {
			case <-f.stopCh:
				return
			case <-time.After(interval):
			}
			cb := f.callback()
			if cb == nil {
				continue
			}
			if pos < len(f.samples) {
				pos = f.feedChunk(cb, pos)
				continue
			}
			if !finished {
				finished = true
				close(audioDone)
			}
		}
	}()
	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	stopCh, feedDone := f.stopCh, f.feedDone
	f.mu.Unlock()
	if stopCh == nil {
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-feedDone

	f.mu.Lock()
	select {
	case <-f.audioDone:
		f.audioDone = make(chan struct{}) // reset for the next recording
	default:
	}
	f.mu.Unlock()
}

func (f *FakeCapture) Close() { f.Stop() }

// FakeOutput advances its clock in real time once resumed and discards the
// rendered audio.
type FakeOutput struct {
	timeline *Timeline

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

func (o *FakeOutput) SampleRate() int { return o.timeline.SampleRate() }

func (o *FakeOutput) Suspended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stop == nil
}

func (o *FakeOutput) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("fake output closed")
	}
	if o.stop != nil {
		return nil
	}
	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	go func(stop, done chan struct{}) {
		defer close(done)
		buf := make([]float32, o.timeline.SampleRate()*int(fakeOutputTick)/int(time.Second))
		ticker := time.NewTicker(fakeOutputTick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				o.timeline.Render(buf)
			}
		}
	}(o.stop, o.done)
	return nil
}

func (o *FakeOutput) Now() float64 { return o.timeline.Now() }

func (o *FakeOutput) Play(at float64, samples []float32) {
	o.timeline.Add(at, samples)
}

// Pending reports units placed but not yet rendered.
func (o *FakeOutput) Pending() int { return o.timeline.Pending() }

func (o *FakeOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	if o.stop != nil {
		close(o.stop)
		<-o.done
	}
	return nil
}
