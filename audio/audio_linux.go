//go:build linux

package audio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

type pulseContext struct {
	client *pulse.Client
}

func NewContext() (Context, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("voicetest"))
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	return &pulseContext{client: c}, nil
}

func (p *pulseContext) Devices() ([]DeviceInfo, error) {
	sources, err := p.client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("pulse list sources: %w", err)
	}
	var devices []DeviceInfo
	for _, s := range sources {
		devices = append(devices, DeviceInfo{
			ID:   s.ID(),
			Name: s.Name(),
		})
	}
	return devices, nil
}

func (p *pulseContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	return &pulseCapture{
		client: p.client,
		device: device,
		config: config,
		rate:   int(config.SampleRate),
	}, nil
}

func (p *pulseContext) NewOutput(config OutputConfig) (OutputDevice, error) {
	return &pulseOutput{
		client:   p.client,
		timeline: NewTimeline(int(config.SampleRate)),
	}, nil
}

func (p *pulseContext) Close() {
	p.client.Close()
}

type pulseCapture struct {
	client   *pulse.Client
	device   *DeviceInfo
	config   CaptureConfig
	callback atomic.Pointer[DataCallback]
	rate     int

	stream *pulse.RecordStream
	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
}

func (c *pulseCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	writer := pulse.Float32Writer(func(buf []float32) (int, error) {
		if len(buf) == 0 {
			return 0, nil
		}
		cb := c.callback.Load()
		if cb == nil {
			return len(buf), nil
		}
		block := make([]float32, len(buf))
		copy(block, buf)
		(*cb)(block)
		return len(buf), nil
	})

	opts := []pulse.RecordOption{
		pulse.RecordMono,
		pulse.RecordSampleRate(int(c.config.SampleRate)),
		pulse.RecordLatency(0.05),
		pulse.RecordRawOption(func(r *proto.CreateRecordStream) {
			r.ChannelVolumes = proto.ChannelVolumes{uint32(proto.VolumeNorm)}
		}),
	}
	if c.device != nil {
		source, err := c.client.SourceByID(c.device.ID)
		if err == nil && source != nil {
			opts = append(opts, pulse.RecordSource(source))
		}
	}

	stream, err := c.client.NewRecord(writer, opts...)
	if err != nil {
		return fmt.Errorf("pulse record: %w", err)
	}

	c.stream = stream
	c.rate = stream.SampleRate()
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		stream.Start()
		<-c.stop
		stream.Stop()
		stream.Close()
	}()

	return nil
}

func (c *pulseCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		select {
		case <-c.stop:
		default:
			close(c.stop)
		}
		<-c.done
	}
}

func (c *pulseCapture) Close() {
	c.Stop()
}

func (c *pulseCapture) SetCallback(cb DataCallback) {
	c.callback.Store(&cb)
}

func (c *pulseCapture) ClearCallback() {
	c.callback.Store(nil)
}

func (c *pulseCapture) SampleRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

func (c *pulseCapture) DeviceName() string {
	if c.device != nil {
		return c.device.Name
	}
	return "system default"
}

type pulseOutput struct {
	client   *pulse.Client
	timeline *Timeline

	mu     sync.Mutex
	stream *pulse.PlaybackStream
	closed bool
}

func (o *pulseOutput) SampleRate() int { return o.timeline.SampleRate() }

func (o *pulseOutput) Suspended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stream == nil
}

func (o *pulseOutput) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("pulse playback: output closed")
	}
	if o.stream != nil {
		return nil
	}
	reader := pulse.Float32Reader(func(buf []float32) (int, error) {
		o.timeline.Render(buf)
		return len(buf), nil
	})
	stream, err := o.client.NewPlayback(reader,
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(o.timeline.SampleRate()),
		pulse.PlaybackLatency(0.05),
	)
	if err != nil {
		return fmt.Errorf("pulse playback: %w", err)
	}
	stream.Start()
	o.stream = stream
	return nil
}

func (o *pulseOutput) Now() float64 { return o.timeline.Now() }

func (o *pulseOutput) Play(at float64, samples []float32) {
	o.timeline.Add(at, samples)
}

func (o *pulseOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	if o.stream != nil {
		o.stream.Stop()
		o.stream.Close()
		o.stream = nil
	}
	return nil
}
