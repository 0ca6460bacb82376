// Package recorder captures microphone audio into an in-memory recording.
//
// The device callback never touches recorder state. It slices the stream into
// fixed-size blocks and posts them on Blocks; the owner's loop hands each one
// back through HandleBlock, which re-checks the state before keeping it.
package recorder

import (
	"fmt"

	"voicetest/audio"
	"voicetest/pcm"
)

const (
	DefaultBlockSize = 4096
	blockQueue       = 64
)

type State int

const (
	Idle State = iota
	Listening
)

func (s State) String() string {
	if s == Listening {
		return "listening"
	}
	return "idle"
}

// Gate reports whether the realtime connection is open.
type Gate interface {
	IsOpen() bool
}

// MicrophoneAccessError means the capture device could not be opened or started.
type MicrophoneAccessError struct {
	Device string
	Err    error
}

func (e *MicrophoneAccessError) Error() string {
	return fmt.Sprintf("microphone %q unavailable: %v", e.Device, e.Err)
}

func (e *MicrophoneAccessError) Unwrap() error { return e.Err }

// Block is one fixed-size capture block tagged with the recording it belongs to.
type Block struct {
	Take    uint64
	Samples []float32
}

type Recorder struct {
	ctx       audio.Context
	device    *audio.DeviceInfo
	config    audio.CaptureConfig
	gate      Gate
	blockSize int

	state      State
	take       uint64
	chunks     [][]int16
	capture    audio.CaptureDevice
	sampleRate int
	level      float64

	blocks  chan Block
	dropped func()
}

type Option func(*Recorder)

// WithBlockSize sets the capture cadence in frames.
func WithBlockSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.blockSize = n
		}
	}
}

// WithDropHook is called from the audio thread when the block queue is full.
func WithDropHook(fn func()) Option {
	return func(r *Recorder) { r.dropped = fn }
}

func New(ctx audio.Context, config audio.CaptureConfig, gate Gate, opts ...Option) *Recorder {
	r := &Recorder{
		ctx:        ctx,
		config:     config,
		gate:       gate,
		blockSize:  DefaultBlockSize,
		sampleRate: int(config.SampleRate),
		blocks:     make(chan Block, blockQueue),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) State() State { return r.state }

// Blocks delivers captured blocks in arrival order.
func (r *Recorder) Blocks() <-chan Block { return r.blocks }

// SetDevice selects the microphone used by the next Start. nil means the system default.
func (r *Recorder) SetDevice(d *audio.DeviceInfo) { r.device = d }

func (r *Recorder) DeviceName() string {
	if r.device != nil {
		return r.device.Name
	}
	return "system default"
}

// SampleRate is the rate the last recording was actually captured at.
func (r *Recorder) SampleRate() int { return r.sampleRate }

// Level is the RMS of the most recent block while listening.
func (r *Recorder) Level() float64 { return r.level }

// HasRecording reports whether the last recording captured anything.
func (r *Recorder) HasRecording() bool { return len(r.chunks) > 0 }

// Start opens the microphone and begins a new recording. It is a no-op unless
// the recorder is idle and the connection is open.
func (r *Recorder) Start() (bool, error) {
	if r.state != Idle || !r.gate.IsOpen() {
		return false, nil
	}

	capture, err := r.ctx.NewCapture(r.device, r.config)
	if err != nil {
		return false, &MicrophoneAccessError{Device: r.DeviceName(), Err: err}
	}

	r.take++
	take := r.take
	var pending []float32
	capture.SetCallback(func(samples []float32) {
		pending = append(pending, samples...)
		for len(pending) >= r.blockSize {
			block := make([]float32, r.blockSize)
			copy(block, pending[:r.blockSize])
			pending = pending[r.blockSize:]
			select {
			case r.blocks <- Block{Take: take, Samples: block}:
			default:
				if r.dropped != nil {
					r.dropped()
				}
			}
		}
	})

	if err := capture.Start(); err != nil {
		capture.ClearCallback()
		capture.Close()
		return false, &MicrophoneAccessError{Device: r.DeviceName(), Err: err}
	}

	r.chunks = nil
	r.capture = capture
	r.sampleRate = capture.SampleRate()
	r.level = 0
	r.state = Listening
	return true, nil
}

// HandleBlock converts a block and appends it to the current recording. Blocks
// from an earlier take, or arriving after stop or disconnect, are dropped.
func (r *Recorder) HandleBlock(b Block) bool {
	if r.state != Listening || b.Take != r.take {
		return false
	}
	if !r.gate.IsOpen() {
		r.Detach()
		return false
	}
	r.chunks = append(r.chunks, pcm.FloatToPCM(b.Samples))
	r.level = pcm.Level(b.Samples)
	return true
}

// Detach ends the current take after the connection went away. Capture keeps
// running until Stop, but the blocks kept so far are discarded and later ones
// are dropped, even if a new connection opens in the meantime.
func (r *Recorder) Detach() {
	if r.state != Listening {
		return
	}
	r.take++
	r.chunks = nil
	r.level = 0
}

// Stop halts capture and releases the device. It reports whether a recording
// is now available for replay or send.
func (r *Recorder) Stop() bool {
	if r.state != Listening {
		return false
	}
	r.state = Idle
	r.level = 0
	if r.capture != nil {
		r.capture.ClearCallback()
		r.capture.Stop()
		r.capture.Close()
		r.capture = nil
	}
	return len(r.chunks) > 0
}

// Recording returns the chunks of the last recording joined in arrival order.
// The accumulator is left untouched.
func (r *Recorder) Recording() []int16 {
	return pcm.Concat(r.chunks)
}

// Chunks returns the number of blocks in the last recording.
func (r *Recorder) Chunks() int { return len(r.chunks) }
