package recorder

import (
	"errors"
	"slices"
	"testing"

	"voicetest/audio"
)

type gate struct{ open bool }

func (g *gate) IsOpen() bool { return g.open }

type stubCapture struct {
	cb       audio.DataCallback
	rate     int
	startErr error
	started  bool
	stopped  bool
	closed   bool
}

func (c *stubCapture) Start() error {
	if c.startErr != nil {
		return c.startErr
	}
	c.started = true
	return nil
}
func (c *stubCapture) Stop()                             { c.stopped = true }
func (c *stubCapture) Close()                            { c.closed = true }
func (c *stubCapture) SetCallback(cb audio.DataCallback) { c.cb = cb }
func (c *stubCapture) ClearCallback()                    { c.cb = nil }
func (c *stubCapture) SampleRate() int                   { return c.rate }
func (c *stubCapture) DeviceName() string                { return "stub" }

type stubContext struct {
	newErr   error
	startErr error
	rate     int
	captures []*stubCapture
}

func (s *stubContext) Devices() ([]audio.DeviceInfo, error) { return nil, nil }
func (s *stubContext) Close()                               {}
func (s *stubContext) NewOutput(audio.OutputConfig) (audio.OutputDevice, error) {
	return nil, errors.New("no output")
}
func (s *stubContext) NewCapture(_ *audio.DeviceInfo, cfg audio.CaptureConfig) (audio.CaptureDevice, error) {
	if s.newErr != nil {
		return nil, s.newErr
	}
	rate := s.rate
	if rate == 0 {
		rate = int(cfg.SampleRate)
	}
	c := &stubCapture{rate: rate, startErr: s.startErr}
	s.captures = append(s.captures, c)
	return c, nil
}

func newTestRecorder(ctx *stubContext, g *gate, blockSize int) *Recorder {
	return New(ctx, audio.CaptureConfig{SampleRate: 24000, Channels: 1}, g, WithBlockSize(blockSize))
}

func drain(r *Recorder) []Block {
	var out []Block
	for {
		select {
		case b := <-r.Blocks():
			out = append(out, b)
		default:
			return out
		}
	}
}

func TestStartRequiresOpenConnection(t *testing.T) {
	ctx := &stubContext{}
	r := newTestRecorder(ctx, &gate{open: false}, 4)
	started, err := r.Start()
	if started || err != nil {
		t.Fatalf("Start() = %v, %v; want no-op", started, err)
	}
	if r.State() != Idle || len(ctx.captures) != 0 {
		t.Error("closed connection must not open the microphone")
	}
}

func TestStartTwiceIsNoop(t *testing.T) {
	ctx := &stubContext{}
	r := newTestRecorder(ctx, &gate{open: true}, 2)
	if ok, err := r.Start(); !ok || err != nil {
		t.Fatalf("Start: %v %v", ok, err)
	}
	ctx.captures[0].cb([]float32{0.5, 0.5})
	for _, b := range drain(r) {
		r.HandleBlock(b)
	}

	ok, err := r.Start()
	if ok || err != nil {
		t.Fatalf("second Start() = %v, %v; want no-op", ok, err)
	}
	if len(ctx.captures) != 1 {
		t.Errorf("duplicate capture tap: %d", len(ctx.captures))
	}
	if r.Chunks() != 1 {
		t.Errorf("accumulator reset by second Start: chunks=%d", r.Chunks())
	}
}

func TestStopWhileIdleIsNoop(t *testing.T) {
	r := newTestRecorder(&stubContext{}, &gate{open: true}, 2)
	if r.Stop() {
		t.Error("Stop while idle reported a recording")
	}
	if r.State() != Idle {
		t.Error("state changed")
	}
}

func TestMicrophoneAccessError(t *testing.T) {
	denied := errors.New("permission denied")
	for _, ctx := range []*stubContext{{newErr: denied}, {startErr: denied}} {
		r := newTestRecorder(ctx, &gate{open: true}, 2)
		ok, err := r.Start()
		var mae *MicrophoneAccessError
		if ok || !errors.As(err, &mae) || !errors.Is(err, denied) {
			t.Fatalf("Start() = %v, %v; want MicrophoneAccessError", ok, err)
		}
		if r.State() != Idle {
			t.Error("state must stay idle after a failed start")
		}
		if len(ctx.captures) > 0 && !ctx.captures[0].closed {
			t.Error("failed capture not released")
		}
	}
}

func TestBlocksConcatenateInArrivalOrder(t *testing.T) {
	ctx := &stubContext{}
	r := newTestRecorder(ctx, &gate{open: true}, 3)
	r.Start()

	cb := ctx.captures[0].cb
	cb([]float32{-1, 0, 1})
	cb([]float32{0.5, -0.5, 2})
	for _, b := range drain(r) {
		if !r.HandleBlock(b) {
			t.Fatal("block rejected while listening")
		}
	}
	if !r.Stop() {
		t.Fatal("Stop should report a recording")
	}

	want := []int16{-32768, 0, 32767, 16383, -16384, 32767}
	if got := r.Recording(); !slices.Equal(got, want) {
		t.Errorf("Recording() = %v, want %v", got, want)
	}
	if got := r.Recording(); !slices.Equal(got, want) {
		t.Error("Recording() must not clear the accumulator")
	}
	c := ctx.captures[0]
	if !c.stopped || !c.closed || c.cb != nil {
		t.Errorf("device not released: %+v", c)
	}
}

func TestCallbackReblocksToFixedCadence(t *testing.T) {
	ctx := &stubContext{}
	r := newTestRecorder(ctx, &gate{open: true}, 4)
	r.Start()

	cb := ctx.captures[0].cb
	cb([]float32{1, 1, 1})
	if got := drain(r); len(got) != 0 {
		t.Fatalf("partial block delivered: %v", got)
	}
	cb([]float32{1, 1, 1, 1, 1, 1})
	got := drain(r)
	if len(got) != 2 {
		t.Fatalf("got %d blocks, want 2", len(got))
	}
	for _, b := range got {
		if len(b.Samples) != 4 {
			t.Errorf("block size = %d, want 4", len(b.Samples))
		}
	}
}

func TestStaleBlocksDropped(t *testing.T) {
	ctx := &stubContext{}
	g := &gate{open: true}
	r := newTestRecorder(ctx, g, 1)

	r.Start()
	ctx.captures[0].cb([]float32{0.1})
	stale := drain(r)
	r.Stop()

	if r.HandleBlock(stale[0]) {
		t.Error("block accepted after stop")
	}

	r.Start()
	if r.HandleBlock(stale[0]) {
		t.Error("block from a previous take accepted")
	}
	if r.HasRecording() {
		t.Error("new take must start with an empty accumulator")
	}

	ctx.captures[1].cb([]float32{0.2})
	fresh := drain(r)
	g.open = false
	if r.HandleBlock(fresh[0]) {
		t.Error("block accepted after disconnect")
	}
	if r.Stop() {
		t.Error("no blocks were kept, Stop should report no recording")
	}
}

func TestReconnectDoesNotResumeTake(t *testing.T) {
	ctx := &stubContext{}
	g := &gate{open: true}
	r := newTestRecorder(ctx, g, 2)
	r.Start()
	cb := ctx.captures[0].cb

	cb([]float32{0.5, 0.5})
	if !r.HandleBlock(drain(r)[0]) {
		t.Fatal("block rejected while open")
	}

	g.open = false
	cb([]float32{0.25, 0.25})
	if r.HandleBlock(drain(r)[0]) {
		t.Error("block accepted while closed")
	}

	g.open = true
	cb([]float32{-0.5, -0.5})
	if r.HandleBlock(drain(r)[0]) {
		t.Error("block of the interrupted take accepted after reconnect")
	}
	if r.State() != Listening {
		t.Error("capture should keep running until Stop")
	}
	if r.Stop() || r.HasRecording() {
		t.Errorf("recording = %v, want none", r.Recording())
	}
}

func TestDetachDiscardsKeptBlocks(t *testing.T) {
	ctx := &stubContext{}
	r := newTestRecorder(ctx, &gate{open: true}, 1)
	r.Start()
	ctx.captures[0].cb([]float32{0.1})
	r.HandleBlock(drain(r)[0])

	r.Detach()
	ctx.captures[0].cb([]float32{0.2})
	if r.HandleBlock(drain(r)[0]) {
		t.Error("block accepted after detach")
	}
	if r.Chunks() != 0 || r.Level() != 0 {
		t.Errorf("chunks=%d level=%v after detach", r.Chunks(), r.Level())
	}

	r.Stop()
	r.Detach()
	if r.State() != Idle {
		t.Error("detach while idle changed state")
	}
}

func TestSampleRateReportsDeviceRate(t *testing.T) {
	ctx := &stubContext{rate: 48000}
	r := newTestRecorder(ctx, &gate{open: true}, 2)
	r.Start()
	if got := r.SampleRate(); got != 48000 {
		t.Errorf("SampleRate() = %d, want 48000", got)
	}
}

func TestLevelTracksLastBlock(t *testing.T) {
	ctx := &stubContext{}
	r := newTestRecorder(ctx, &gate{open: true}, 2)
	r.Start()
	ctx.captures[0].cb([]float32{0.5, -0.5})
	for _, b := range drain(r) {
		r.HandleBlock(b)
	}
	if r.Level() != 0.5 {
		t.Errorf("Level() = %v, want 0.5", r.Level())
	}
	r.Stop()
	if r.Level() != 0 {
		t.Error("level should reset on stop")
	}
}

func TestDropHookWhenQueueFull(t *testing.T) {
	ctx := &stubContext{}
	dropped := 0
	r := New(ctx, audio.CaptureConfig{SampleRate: 24000, Channels: 1}, &gate{open: true},
		WithBlockSize(1), WithDropHook(func() { dropped++ }))
	r.Start()
	ctx.captures[0].cb(make([]float32, blockQueue+3))
	if dropped != 3 {
		t.Errorf("dropped = %d, want 3", dropped)
	}
}
