package doctor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voicetest/audio"
	"voicetest/config"
	"voicetest/pcm"
	"voicetest/playback"
	"voicetest/shutdown"
	"voicetest/transcriber"
)

const (
	probeTimeout    = 5 * time.Second
	captureDuration = time.Second
	toneDuration    = 500 * time.Millisecond
	toneHz          = 440
	quietLevel      = 0.005
)

// Run executes interactive diagnostic checks and returns an exit code (0=all pass, 1=any fail).
func Run(cfg *config.Config) int {
	resetTerminal()
	ctx, stop := shutdown.Context(context.Background())
	defer stop()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		<-ctx.Done()
		select {
		case <-finished:
		default:
			fmt.Println("\nInterrupted")
			os.Exit(1)
		}
	}()

	fmt.Println("voicetest doctor - interactive system diagnostics")
	fmt.Println("=================================================")

	allPass := true

	fmt.Println()
	fmt.Println("[1/4] Backend health")
	if !checkBackend(ctx, cfg.Backend.HealthURL) {
		allPass = false
	}

	fmt.Println()
	fmt.Println("[2/4] Realtime socket")
	if !checkSocket(ctx, cfg.Backend.StreamURL) {
		allPass = false
	}

	actx, err := audio.NewContext()
	if err != nil {
		fmt.Printf("  FAIL: cannot connect to audio: %v\n", err)
		return 1
	}
	defer actx.Close()

	fmt.Println()
	fmt.Println("[3/4] Microphone")
	var device *audio.DeviceInfo
	if cfg.Audio.Device != "" {
		device, err = audio.FindDevice(actx, cfg.Audio.Device)
		if err == nil && device == nil {
			err = fmt.Errorf("device %q not found", cfg.Audio.Device)
		}
	}
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		allPass = false
	} else if !checkCapture(actx, device, audio.CaptureConfig{SampleRate: uint32(cfg.Audio.SampleRate), Channels: 1}, captureDuration) {
		allPass = false
	}

	fmt.Println()
	fmt.Println("[4/4] Speaker")
	if !checkOutput(actx, cfg.Audio.SampleRate, os.Stdin) {
		allPass = false
	}

	fmt.Println()
	if allPass {
		fmt.Println("All checks passed!")
		return 0
	}
	fmt.Println("Some checks failed. See details above.")
	return 1
}

func checkBackend(ctx context.Context, healthURL string) bool {
	if healthURL == "" {
		fmt.Println("  SKIP: no health_url configured")
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	resp, err := transcriber.NewTracedClient().Get(ctx, healthURL)
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}
	m := resp.Metrics
	fmt.Printf("  PASS: HTTP %d in %dms (dns %dms, ttfb %dms)\n",
		resp.StatusCode, m.Total.Milliseconds(), m.DNS.Milliseconds(), m.TTFB.Milliseconds())
	return true
}

func checkSocket(ctx context.Context, streamURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		fmt.Printf("  FAIL: cannot open %s: %v\n", streamURL, err)
		return false
	}
	elapsed := time.Since(start)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "doctor")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
	fmt.Printf("  PASS: handshake in %dms\n", elapsed.Milliseconds())
	return true
}

func checkCapture(actx audio.Context, device *audio.DeviceInfo, cfg audio.CaptureConfig, d time.Duration) bool {
	capture, err := actx.NewCapture(device, cfg)
	if err != nil {
		fmt.Printf("  FAIL: cannot open microphone: %v\n", err)
		return false
	}
	defer capture.Close()

	var mu sync.Mutex
	var samples []float32
	capture.SetCallback(func(block []float32) {
		mu.Lock()
		samples = append(samples, block...)
		mu.Unlock()
	})
	if err := capture.Start(); err != nil {
		capture.ClearCallback()
		fmt.Printf("  FAIL: cannot start capture: %v\n", err)
		return false
	}

	fmt.Printf("  Recording %s from %s, speak now...\n", d, capture.DeviceName())
	time.Sleep(d)
	capture.ClearCallback()
	capture.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(samples) == 0 {
		fmt.Println("  FAIL: no audio captured")
		return false
	}
	level := pcm.Level(samples)
	fmt.Printf("  Captured %d samples at %d Hz, level %.3f\n", len(samples), capture.SampleRate(), level)
	if level < quietLevel {
		fmt.Println("  Warning: input is nearly silent, check the microphone")
	}
	if audio.IsBluetooth(capture.DeviceName()) {
		fmt.Println("  Warning: bluetooth microphone, capture may be narrowband")
	}
	fmt.Println("  PASS: microphone delivers audio")
	return true
}

// tone returns a sine wave as PCM16 samples.
func tone(rate int, hz float64, d time.Duration) []int16 {
	n := int(d.Seconds() * float64(rate))
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(0.2 * 32767 * math.Sin(2*math.Pi*hz*float64(i)/float64(rate)))
	}
	return out
}

func checkOutput(actx audio.Context, rate int, confirm io.Reader) bool {
	player := playback.New(func(r int) (audio.OutputDevice, error) {
		return actx.NewOutput(audio.OutputConfig{SampleRate: uint32(r)})
	}, rate, playback.MinRate, playback.MaxRate)
	defer player.Reset()

	unit, err := player.Schedule(tone(rate, toneHz, toneDuration))
	if err != nil {
		fmt.Printf("  FAIL: cannot play audio: %v\n", err)
		return false
	}
	time.Sleep(time.Duration((unit.End() - unit.Start + 0.2) * float64(time.Second)))

	fmt.Print("Did you hear a short tone? [y/n]: ")
	answer, _ := bufio.NewReader(confirm).ReadString('\n')
	answer = strings.TrimSpace(strings.ToLower(answer))
	if answer == "y" || answer == "yes" {
		fmt.Println("  PASS: playback verified by user")
		return true
	}
	fmt.Println("  FAIL: playback not confirmed")
	return false
}
