// Package transcriber sends a finished recording to the service's
// request/response transcription endpoint.
package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"voicetest/pcm"
)

// FallbackPhrase is forwarded as the user turn when nothing was recognized.
const FallbackPhrase = "Sorry, I couldn't hear you. Please try speaking again."

type NetworkMetrics struct {
	DNS         time.Duration
	ConnWait    time.Duration
	TCP         time.Duration
	TLS         time.Duration
	ReqHeaders  time.Duration
	ReqBody     time.Duration
	TTFB        time.Duration
	Download    time.Duration
	Total       time.Duration
	ConnReused  bool
	TLSProtocol string
}

func (m *NetworkMetrics) Sum() time.Duration {
	return m.ConnWait + m.DNS + m.TCP + m.TLS + m.ReqHeaders + m.ReqBody + m.TTFB + m.Download
}

type Result struct {
	// Text is the trimmed transcript. Empty when nothing was recognized or the
	// body could not be parsed.
	Text         string
	RequestID    string
	Status       int
	AudioLengthS float64
	PayloadKB    float64
	Metrics      *NetworkMetrics
}

type Transcriber interface {
	Transcribe(ctx context.Context, samples []int16, sampleRate int) (*Result, error)
}

// RequestError is a non-2xx answer from the transcription endpoint.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("transcribe: HTTP %d: %s", e.Status, body)
}

type request struct {
	Audio      string `json:"audio"`
	SampleRate int    `json:"sample_rate"`
}

type Client struct {
	client *TracedClient
	url    string
}

func New(url string) *Client {
	return &Client{client: NewTracedClient(), url: url}
}

func (c *Client) URL() string { return c.url }

// Transcribe posts the samples with the rate they were captured at. The rate
// is passed through as is; no resampling happens here.
func (c *Client) Transcribe(ctx context.Context, samples []int16, sampleRate int) (*Result, error) {
	audio := pcm.EncodeTransport(samples)
	body, err := json.Marshal(request{Audio: audio, SampleRate: sampleRate})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RequestError{Status: resp.StatusCode, Body: string(resp.Body)}
	}

	var audioS float64
	if sampleRate > 0 {
		audioS = float64(len(samples)) / float64(sampleRate)
	}
	return &Result{
		Text:         parseText(resp.Body),
		RequestID:    requestID,
		Status:       resp.StatusCode,
		AudioLengthS: audioS,
		PayloadKB:    float64(len(body)) / 1024,
		Metrics:      resp.Metrics,
	}, nil
}

// parseText extracts a trimmed "text" string field. Anything else, including
// an unparsable body, yields "".
func parseText(body []byte) string {
	var payload struct {
		Text json.RawMessage `json:"text"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	var text string
	if err := json.Unmarshal(payload.Text, &text); err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

// Resolve returns the text to forward as the user turn and whether the
// fallback phrase replaced an empty transcript.
func Resolve(text string) (string, bool) {
	if t := strings.TrimSpace(text); t != "" {
		return t, false
	}
	return FallbackPhrase, true
}
