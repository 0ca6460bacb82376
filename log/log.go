package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog          zerolog.Logger
	diagFile         *os.File
	conversationFile *os.File
	logMu            sync.Mutex
	logReady         bool
	pid              int
	dir              string
)

// TranscriptionMetrics describes one call to the transcription endpoint.
type TranscriptionMetrics struct {
	RequestID    string
	AudioLengthS float64
	SampleRate   int
	PayloadKB    float64
	Status       int
	DNSTimeMs    float64
	ConnTimeMs   float64
	TTFBMs       float64
	TotalTimeMs  float64
	ConnReused   bool
	Fallback     bool
}

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absolute(flagPath)
	}

	// Priority 2: VOICETEST_LOG_PATH environment variable
	if envPath := os.Getenv("VOICETEST_LOG_PATH"); envPath != "" {
		return absolute(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absolute(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	convPath := filepath.Join(dir, "conversation_log.txt")
	conversationFile, err = os.OpenFile(convPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if conversationFile != nil {
		conversationFile.Close()
		conversationFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// Conversation appends a line shown in the client log panel to conversation_log.txt.
func Conversation(line string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	if conversationFile == nil {
		return
	}
	entry := fmt.Sprintf("%s\t[%d]\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, line)
	conversationFile.WriteString(entry)
}

// Frame records one socket frame. direction is "send" or "recv".
func Frame(direction, eventType string, size int) {
	if !logReady {
		return
	}
	diagLog.Debug().
		Str("dir", direction).
		Str("type", eventType).
		Int("bytes", size).
		Msg("frame")
}

func Transcription(m TranscriptionMetrics) {
	if !logReady {
		return
	}

	connStatus := "new"
	if m.ConnReused {
		connStatus = "reused"
	}

	diagLog.Info().
		Str("request_id", m.RequestID).
		Str("conn", connStatus).
		Int("status", m.Status).
		Int("sample_rate", m.SampleRate).
		Bool("fallback", m.Fallback).
		Float64("audio_s", m.AudioLengthS).
		Float64("payload_kb", m.PayloadKB).
		Float64("dns_ms", m.DNSTimeMs).
		Float64("conn_ms", m.ConnTimeMs).
		Float64("ttfb_ms", m.TTFBMs).
		Float64("total_ms", m.TotalTimeMs).
		Msg("transcription")
}

// Playback summarizes the audio scheduled for one assistant turn.
func Playback(units int, seconds float64) {
	if !logReady || units == 0 {
		return
	}
	diagLog.Info().
		Int("units", units).
		Float64("audio_s", seconds).
		Msg("playback")
}

func SessionStart(streamURL, style, length string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("url", streamURL).
		Str("style", style).
		Str("length", length).
		Msg("session_start")
}

func SessionEnd(code int, reason string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("code", code).
		Str("reason", reason).
		Msg("session_end")
}
