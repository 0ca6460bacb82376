// Package metrics exposes client counters for scraping while a test session runs.
package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicetest_connections_total",
			Help: "Socket lifecycle events by kind",
		},
		[]string{"event"}, // opened, closed, error
	)
	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicetest_frames_sent_total",
			Help: "Outbound socket frames by event type",
		},
		[]string{"type"},
	)
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicetest_frames_received_total",
			Help: "Inbound socket frames by event type",
		},
		[]string{"type"}, // event type, "binary" or "raw"
	)
	PlaybackSeconds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voicetest_playback_scheduled_seconds_total",
			Help: "Source audio scheduled for playback, before the speed transform",
		},
	)
	CaptureBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicetest_capture_blocks_total",
			Help: "Capture blocks by outcome",
		},
		[]string{"outcome"}, // kept, stale, dropped
	)
	Transcriptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicetest_transcriptions_total",
			Help: "Transcription requests by outcome",
		},
		[]string{"outcome"}, // text, fallback, error, stale
	)
	TranscriptionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voicetest_transcription_seconds",
			Help:    "Transcription round trip latency",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve listens on addr and serves /metrics in the background. The listener is
// bound before returning so address errors surface to the caller.
func Serve(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("metrics server: %v\n", err)
		}
	}()
	return srv, nil
}
