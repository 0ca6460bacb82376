package transcriber

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Call records one request made to a FakeTranscriber.
type Call struct {
	Samples    int
	SampleRate int
}

type FakeTranscriber struct {
	text  string
	err   error
	delay time.Duration

	mu    sync.Mutex
	calls []Call
}

func NewFake(text string, err error) *FakeTranscriber {
	return &FakeTranscriber{text: text, err: err}
}

// WithDelay makes every call wait d before answering.
func (f *FakeTranscriber) WithDelay(d time.Duration) *FakeTranscriber {
	f.delay = d
	return f
}

func (f *FakeTranscriber) Transcribe(ctx context.Context, samples []int16, sampleRate int) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Samples: len(samples), SampleRate: sampleRate})
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, fmt.Errorf("fake transcriber error: %w", f.err)
	}
	var audioS float64
	if sampleRate > 0 {
		audioS = float64(len(samples)) / float64(sampleRate)
	}
	return &Result{
		Text:         f.text,
		RequestID:    "fake",
		Status:       200,
		AudioLengthS: audioS,
		Metrics:      &NetworkMetrics{Total: 10 * time.Millisecond},
	}, nil
}

func (f *FakeTranscriber) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}
