//go:build !linux

package audio

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

type malgoContext struct {
	ctx *malgo.AllocatedContext
}

func NewContext() (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}
	return &malgoContext{ctx: ctx}, nil
}

func (m *malgoContext) Devices() ([]DeviceInfo, error) {
	devices, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}
	var result []DeviceInfo
	for _, d := range devices {
		result = append(result, DeviceInfo{
			ID:   hex.EncodeToString(d.ID.Pointer()[:]),
			Name: d.Name(),
		})
	}
	return result, nil
}

func (m *malgoContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = config.Channels
	deviceConfig.SampleRate = config.SampleRate

	if device != nil {
		idBytes, err := hex.DecodeString(device.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid device ID: %w", err)
		}
		var devID malgo.DeviceID
		copy(devID[:], idBytes)
		deviceConfig.Capture.DeviceID = devID.Pointer()
	}

	c := &malgoCapture{device: device}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, frameCount uint32) {
			cb := c.callback.Load()
			if cb == nil {
				return
			}
			(*cb)(bytesToFloats(data, int(frameCount)))
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, err
	}
	c.dev = dev
	return c, nil
}

func (m *malgoContext) NewOutput(config OutputConfig) (OutputDevice, error) {
	return &malgoOutput{
		ctx:      m.ctx,
		timeline: NewTimeline(int(config.SampleRate)),
	}, nil
}

func (m *malgoContext) Close() {
	m.ctx.Uninit()
	m.ctx.Free()
}

func bytesToFloats(data []byte, frames int) []float32 {
	n := min(frames, len(data)/4)
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

type malgoCapture struct {
	dev      *malgo.Device
	device   *DeviceInfo
	callback atomic.Pointer[DataCallback]
}

func (c *malgoCapture) Start() error {
	return c.dev.Start()
}

func (c *malgoCapture) Stop() {
	c.dev.Stop()
}

func (c *malgoCapture) Close() {
	c.dev.Uninit()
}

func (c *malgoCapture) SetCallback(cb DataCallback) {
	c.callback.Store(&cb)
}

func (c *malgoCapture) ClearCallback() {
	c.callback.Store(nil)
}

func (c *malgoCapture) SampleRate() int {
	return int(c.dev.SampleRate())
}

func (c *malgoCapture) DeviceName() string {
	if c.device != nil {
		return c.device.Name
	}
	return "system default"
}

type malgoOutput struct {
	ctx      *malgo.AllocatedContext
	timeline *Timeline

	mu     sync.Mutex
	dev    *malgo.Device
	buf    []float32
	closed bool
}

func (o *malgoOutput) SampleRate() int { return o.timeline.SampleRate() }

func (o *malgoOutput) Suspended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dev == nil
}

func (o *malgoOutput) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("malgo playback: output closed")
	}
	if o.dev != nil {
		return nil
	}

	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.Playback.Format = malgo.FormatF32
	config.Playback.Channels = 1
	config.SampleRate = uint32(o.timeline.SampleRate())

	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frameCount uint32) {
			n := int(frameCount)
			if cap(o.buf) < n {
				o.buf = make([]float32, n)
			}
			buf := o.buf[:n]
			o.timeline.Render(buf)
			for i, s := range buf {
				binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
			}
		},
	}

	dev, err := malgo.InitDevice(o.ctx.Context, config, callbacks)
	if err != nil {
		return fmt.Errorf("malgo playback: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("malgo playback start: %w", err)
	}
	o.dev = dev
	return nil
}

func (o *malgoOutput) Now() float64 { return o.timeline.Now() }

func (o *malgoOutput) Play(at float64, samples []float32) {
	o.timeline.Add(at, samples)
}

func (o *malgoOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	if o.dev != nil {
		o.dev.Uninit()
		o.dev = nil
	}
	return nil
}
