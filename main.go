package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"voicetest/app"
	"voicetest/audio"
	"voicetest/config"
	"voicetest/doctor"
	"voicetest/log"
	"voicetest/metrics"
	"voicetest/playback"
	"voicetest/shutdown"
	"voicetest/transcriber"
)

var version = "dev"

// overrides are the command line values that take precedence over the config
// file. Zero values leave the file setting alone.
type overrides struct {
	streamURL     string
	transcribeURL string
	style         string
	length        string
	speed         float64
	device        string
}

func applyOverrides(cfg *config.Config, o overrides) error {
	if o.streamURL != "" {
		cfg.Backend.StreamURL = o.streamURL
	}
	if o.transcribeURL != "" {
		cfg.Backend.TranscribeURL = o.transcribeURL
	}
	if o.style != "" {
		cfg.Session.Style = o.style
	}
	if o.length != "" {
		cfg.Session.Length = o.length
	}
	if o.speed != 0 {
		cfg.Playback.Speed = o.speed
	}
	if o.device != "" {
		cfg.Audio.Device = o.device
	}
	return cfg.Validate()
}

func loadConfig(path string, o overrides) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if err := applyOverrides(cfg, o); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

func initCrashLog() {
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(crashFile, debug.CrashOptions{})
}

func newTranscriber(cfg *config.Config) transcriber.Transcriber {
	return transcriber.New(cfg.Backend.TranscribeURL)
}

func newPlayer(ctx audio.Context, cfg *config.Config) *playback.Scheduler {
	return playback.New(func(rate int) (audio.OutputDevice, error) {
		return ctx.NewOutput(audio.OutputConfig{SampleRate: uint32(rate)})
	}, cfg.Audio.SampleRate, cfg.Playback.MinSpeed, cfg.Playback.MaxSpeed)
}

func main() {
	configFlag := flag.String("config", "", "YAML config file")
	streamURLFlag := flag.String("stream-url", "", "Realtime socket URL (default ws://127.0.0.1:8000/voice/stream)")
	transcribeURLFlag := flag.String("transcribe-url", "", "Transcription endpoint URL")
	styleFlag := flag.String("style", "", "Assistant style: default, teacher or coach")
	lengthFlag := flag.String("length", "", "Answer length: short, medium or long")
	speedFlag := flag.Float64("speed", 0, "Initial playback speed (0.5 to 2.0)")
	setupFlag := flag.Bool("setup", false, "Select microphone device (otherwise uses system default)")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	doctorFlag := flag.Bool("doctor", false, "Run system diagnostics and exit")
	testFlag := flag.Bool("test", false, "Test mode (headless, stdin-driven)")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	metricsFlag := flag.String("metrics", "", "Serve prometheus metrics on this address (e.g., :9090)")
	profileFlag := flag.String("profile", "", "Enable pprof profiling server (e.g., :6060 or localhost:6060)")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	crashFlag := flag.Bool("crash", false, "Trigger synthetic panic for testing crash logging")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("voicetest %s\n", version)
		os.Exit(0)
	}

	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}
	initCrashLog()

	if *crashFlag {
		panic("TEST CRASH: synthetic panic to verify crash logging")
	}

	cfg, err := loadConfig(*configFlag, overrides{
		streamURL:     *streamURLFlag,
		transcribeURL: *transcribeURLFlag,
		style:         *styleFlag,
		length:        *lengthFlag,
		speed:         *speedFlag,
		device:        *deviceFlag,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *doctorFlag {
		os.Exit(doctor.Run(cfg))
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()
	log.Infof("voicetest %s: stream %s, transcribe %s", version, cfg.Backend.StreamURL, cfg.Backend.TranscribeURL)

	if *metricsFlag != "" {
		srv, err := metrics.Serve(*metricsFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: metrics server: %v\n", err)
			os.Exit(1)
		}
		defer srv.Close()
		log.Info("metrics listening on " + *metricsFlag)
	}

	if *profileFlag != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", *profileFlag)
			if err := http.ListenAndServe(*profileFlag, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	if *testFlag {
		wavPath := ""
		if args := flag.Args(); len(args) > 0 {
			wavPath = args[0]
		}
		code := runTestMode(ctx, cfg, wavPath, os.Stdin, os.Stdout)
		log.Close()
		os.Exit(code)
	}

	actx, err := audio.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing audio context: %v\n", err)
		os.Exit(1)
	}
	defer actx.Close()

	device, err := resolveDevice(actx, cfg.Audio.Device, *setupFlag)
	if err != nil {
		log.Warnf("device selection failed: %v", err)
		fmt.Printf("Warning: device selection failed: %v\n", err)
		fmt.Println("Falling back to default device")
	}

	if err := runTUI(ctx, cfg, actx, device); err != nil {
		log.Errorf("TUI error: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func resolveDevice(ctx audio.Context, name string, setup bool) (*audio.DeviceInfo, error) {
	if name != "" {
		dev, err := audio.FindDevice(ctx, name)
		if err != nil {
			return nil, err
		}
		if dev == nil {
			return nil, fmt.Errorf("device not found: %s", name)
		}
		return dev, nil
	}
	if setup {
		return audio.SelectDevice(ctx, "")
	}
	return nil, nil
}

func captureConfig(cfg *config.Config) audio.CaptureConfig {
	return audio.CaptureConfig{SampleRate: uint32(cfg.Audio.SampleRate), Channels: 1}
}

func newApp(cfg *config.Config, actx audio.Context, device *audio.DeviceInfo, sink app.Sink) (*app.App, error) {
	return app.New(app.Options{
		StreamURL:   cfg.Backend.StreamURL,
		Profile:     cfg.Session.Voice,
		Settings:    cfg.Settings(),
		Audio:       actx,
		Capture:     captureConfig(cfg),
		BlockSize:   cfg.Audio.BlockSize,
		Device:      device,
		Player:      newPlayer(actx, cfg),
		Speed:       cfg.Playback.Speed,
		Transcriber: newTranscriber(cfg),
		Sink:        sink,
	})
}
