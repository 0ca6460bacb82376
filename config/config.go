// Package config holds the client settings. Values come from Default, an
// optional YAML file and finally command line flags.
package config

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"voicetest/playback"
	"voicetest/realtime"
	"voicetest/recorder"
)

type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Session  SessionConfig  `yaml:"session"`
	Audio    AudioConfig    `yaml:"audio"`
	Playback PlaybackConfig `yaml:"playback"`
}

type BackendConfig struct {
	StreamURL     string `yaml:"stream_url"`
	TranscribeURL string `yaml:"transcribe_url"`
	HealthURL     string `yaml:"health_url"`
}

type SessionConfig struct {
	Style  string           `yaml:"style"`
	Length string           `yaml:"length"`
	Voice  realtime.Profile `yaml:"voice"`
}

type AudioConfig struct {
	SampleRate int    `yaml:"sample_rate"` // output and requested capture rate
	BlockSize  int    `yaml:"block_size"`  // capture frames per block
	Device     string `yaml:"device"`      // capture device name, empty for default
}

type PlaybackConfig struct {
	Speed    float64 `yaml:"speed"`
	MinSpeed float64 `yaml:"min_speed"`
	MaxSpeed float64 `yaml:"max_speed"`
}

func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			StreamURL:     "ws://127.0.0.1:8000/voice/stream",
			TranscribeURL: "http://127.0.0.1:8000/voice/transcribe",
			HealthURL:     "http://127.0.0.1:8000/voice/health",
		},
		Session: SessionConfig{
			Style:  string(realtime.StyleDefault),
			Length: string(realtime.LengthShort),
			Voice:  realtime.DefaultProfile(),
		},
		Audio: AudioConfig{
			SampleRate: 24000,
			BlockSize:  recorder.DefaultBlockSize,
		},
		Playback: PlaybackConfig{
			Speed:    playback.DefaultRate,
			MinSpeed: playback.MinRate,
			MaxSpeed: playback.MaxRate,
		},
	}
}

// Load reads path over the defaults, so a file only needs the keys it changes.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Settings returns the parsed session settings. Call after Validate.
func (c *Config) Settings() realtime.Settings {
	style, _ := realtime.ParseStyle(c.Session.Style)
	length, _ := realtime.ParseLength(c.Session.Length)
	return realtime.Settings{Style: style, Length: length}
}

func (c *Config) Validate() error {
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Playback.Validate(); err != nil {
		return fmt.Errorf("playback config: %w", err)
	}
	return nil
}

func (b *BackendConfig) Validate() error {
	if err := checkURL("stream_url", b.StreamURL, "ws", "wss"); err != nil {
		return err
	}
	if err := checkURL("transcribe_url", b.TranscribeURL, "http", "https"); err != nil {
		return err
	}
	if b.HealthURL != "" {
		if err := checkURL("health_url", b.HealthURL, "http", "https"); err != nil {
			return err
		}
	}
	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be a %s URL with a host, got %q", name, schemes[0], raw)
}

func (s *SessionConfig) Validate() error {
	if _, err := realtime.ParseStyle(s.Style); err != nil {
		return err
	}
	if _, err := realtime.ParseLength(s.Length); err != nil {
		return err
	}
	if s.Voice.VoiceName == "" {
		return fmt.Errorf("voice_name cannot be empty")
	}
	if s.Voice.InputFormat == "" || s.Voice.OutputFormat == "" {
		return fmt.Errorf("audio formats cannot be empty")
	}
	return nil
}

func (a *AudioConfig) Validate() error {
	if a.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", a.SampleRate)
	}
	if a.BlockSize <= 0 {
		return fmt.Errorf("block_size must be positive, got %d", a.BlockSize)
	}
	return nil
}

func (p *PlaybackConfig) Validate() error {
	if p.MinSpeed <= 0 {
		return fmt.Errorf("min_speed must be positive, got %v", p.MinSpeed)
	}
	if p.MinSpeed > p.MaxSpeed {
		return fmt.Errorf("min_speed %v exceeds max_speed %v", p.MinSpeed, p.MaxSpeed)
	}
	if p.Speed < p.MinSpeed || p.Speed > p.MaxSpeed {
		return fmt.Errorf("speed %v outside [%v, %v]", p.Speed, p.MinSpeed, p.MaxSpeed)
	}
	return nil
}
