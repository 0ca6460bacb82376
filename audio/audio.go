package audio

import "strings"

const WAVHeaderSize = 44

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", "(bt)", " bt)", "[bt]", " bt]",
}

// IsBluetooth guesses from the device name whether the microphone is a
// bluetooth headset, which usually drops to a narrowband profile while capturing.
func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// DataCallback receives one block of mono float samples in [-1, 1].
// It runs on the backend's audio thread.
type DataCallback func(samples []float32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

type OutputConfig struct {
	SampleRate uint32
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	NewOutput(config OutputConfig) (OutputDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	// SampleRate is the rate the backend actually delivers, which may differ
	// from the requested one.
	SampleRate() int
	DeviceName() string
}

// OutputDevice plays float samples placed on its own clock. A new device starts
// suspended; its clock only advances once Resume has started the stream.
type OutputDevice interface {
	SampleRate() int
	Suspended() bool
	Resume() error
	// Now is the device clock in seconds.
	Now() float64
	// Play places samples so the first one sounds at clock time at.
	Play(at float64, samples []float32)
	Close() error
}
