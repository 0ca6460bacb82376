package app

import (
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voicetest/audio"
	"voicetest/playback"
	"voicetest/realtime"
	"voicetest/recorder"
	"voicetest/transcriber"
)

type testSink struct {
	mu    sync.Mutex
	lines []string
	snap  Snapshot
	aff   Affordances
}

func (s *testSink) Log(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *testSink) Update(snap Snapshot, aff Affordances) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap, s.aff = snap, aff
}

func (s *testSink) state() (Snapshot, Affordances) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.aff
}

func (s *testSink) has(sub string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

func (s *testSink) waitFor(t *testing.T, what string, cond func(Snapshot, Affordances) bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond(s.state()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, aff := s.state()
	t.Fatalf("timeout waiting for %s: snapshot=%+v affordances=%+v lines=%v", what, snap, aff, s.lines)
}

type frame struct {
	Type string
	Text string
}

type fakeBackend struct {
	url    string
	frames chan frame
	mu     sync.Mutex
	conn   *websocket.Conn
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{frames: make(chan frame, 16)}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()
		for {
			var msg struct {
				Type string `json:"type"`
				Item struct {
					Content []struct {
						Text string `json:"text"`
					} `json:"content"`
				} `json:"item"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f := frame{Type: msg.Type}
			if len(msg.Item.Content) > 0 {
				f.Text = msg.Item.Content[0].Text
			}
			b.frames <- f
		}
	}))
	t.Cleanup(server.Close)
	b.url = "ws" + strings.TrimPrefix(server.URL, "http") + "/voice/stream"
	return b
}

func (b *fakeBackend) closeWith(code int, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	b.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (b *fakeBackend) next(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-b.frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("backend received no frame")
		return frame{}
	}
}

func (b *fakeBackend) expectNone(t *testing.T) {
	t.Helper()
	select {
	case f := <-b.frames:
		t.Errorf("unexpected frame %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func writeWAV(t *testing.T, n, sampleRate int) string {
	t.Helper()
	buf := make([]byte, audio.WAVHeaderSize+n*2)
	copy(buf[0:4], "RIFF")
	copy(buf[8:12], "WAVE")
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	copy(buf[36:40], "data")
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[audio.WAVHeaderSize+i*2:], uint16(int16(i%200*100)))
	}
	path := filepath.Join(t.TempDir(), "speech.wav")
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

type harness struct {
	app   *App
	sink  *testSink
	audio audio.Context
}

func newHarness(t *testing.T, url string, stt transcriber.Transcriber, actx audio.Context) *harness {
	t.Helper()
	sink := &testSink{}
	player := playback.New(func(rate int) (audio.OutputDevice, error) {
		return actx.NewOutput(audio.OutputConfig{SampleRate: uint32(rate)})
	}, 24000, playback.MinRate, playback.MaxRate)
	a, err := New(Options{
		StreamURL:   url,
		Profile:     realtime.DefaultProfile(),
		Settings:    realtime.Settings{Style: realtime.StyleDefault, Length: realtime.LengthShort},
		Audio:       actx,
		Capture:     audio.CaptureConfig{SampleRate: 24000, Channels: 1},
		BlockSize:   1024,
		Player:      player,
		Transcriber: stt,
		Sink:        sink,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-a.Done()
	})
	return &harness{app: a, sink: sink, audio: actx}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.app.Do(Connect{})
	h.sink.waitFor(t, "open", func(s Snapshot, _ Affordances) bool { return s.Open })
}

// record captures the whole fake WAV and stops.
func (h *harness) record(t *testing.T) {
	t.Helper()
	h.app.Do(StartRecording{})
	h.sink.waitFor(t, "listening", func(s Snapshot, _ Affordances) bool { return s.Recorder == recorder.Listening })
	fake := h.audio.(*audio.FakeContext).LastCapture()
	select {
	case <-fake.AudioDone():
	case <-time.After(3 * time.Second):
		t.Fatal("fake capture never finished")
	}
	h.app.Do(StopRecording{})
	h.sink.waitFor(t, "stopped", func(s Snapshot, _ Affordances) bool { return s.Recorder == recorder.Idle })
}

func newFakeAudio(t *testing.T, samples, rate int) *audio.FakeContext {
	t.Helper()
	actx, err := audio.NewFakeContext(writeWAV(t, samples, rate), false)
	if err != nil {
		t.Fatal(err)
	}
	return actx
}

func TestProject(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		want Affordances
	}{
		{"disconnected", Snapshot{Conn: realtime.Disconnected}, Affordances{Connect: true}},
		{"connecting", Snapshot{Conn: realtime.Connecting}, Affordances{}},
		{"open", Snapshot{Conn: realtime.Open, Open: true},
			Affordances{Disconnect: true, Session: true, Text: true, Start: true}},
		{"closing", Snapshot{Conn: realtime.Open}, Affordances{}},
		{"listening", Snapshot{Conn: realtime.Open, Open: true, Recorder: recorder.Listening},
			Affordances{Disconnect: true, Session: true, Text: true, Stop: true}},
		{"recorded", Snapshot{Conn: realtime.Open, Open: true, Pending: true},
			Affordances{Disconnect: true, Session: true, Text: true, Start: true, Replay: true, Send: true}},
		{"transcribing", Snapshot{Conn: realtime.Open, Open: true, Pending: true, Sent: true, Transcribing: true},
			Affordances{Disconnect: true, Session: true, Text: true, Start: true, Replay: true}},
		{"closed while listening", Snapshot{Conn: realtime.Closed, Recorder: recorder.Listening, Pending: true},
			Affordances{Connect: true, Stop: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Project(tt.snap); got != tt.want {
				t.Errorf("Project() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRecordAndSend(t *testing.T) {
	backend := newFakeBackend(t)
	stt := transcriber.NewFake("hello", nil)
	h := newHarness(t, backend.url, stt, newFakeAudio(t, 4*1024+100, 16000))
	h.connect(t)

	h.record(t)
	snap, aff := h.sink.state()
	if snap.Status != StatusRecorded || !snap.Pending {
		t.Errorf("after stop: status=%q pending=%v", snap.Status, snap.Pending)
	}
	if snap.Chunks != 4 {
		t.Errorf("chunks = %d, want 4 full blocks", snap.Chunks)
	}
	if !aff.Replay || !aff.Send || aff.Stop {
		t.Errorf("affordances = %+v", aff)
	}

	h.app.Do(SendRecording{})
	if f := backend.next(t); f.Type != "conversation.item.create" || f.Text != "hello" {
		t.Errorf("first frame = %+v", f)
	}
	if f := backend.next(t); f.Type != "response.create" {
		t.Errorf("second frame = %+v", f)
	}
	h.sink.waitFor(t, "idle after send", func(s Snapshot, _ Affordances) bool {
		return s.Status == StatusIdle && !s.Transcribing
	})
	_, aff = h.sink.state()
	if aff.Send || !aff.Replay {
		t.Errorf("after send: affordances = %+v", aff)
	}
	if !h.sink.has("TRANSCRIBED: hello") {
		t.Error("transcript not logged")
	}

	calls := stt.Calls()
	if len(calls) != 1 || calls[0].SampleRate != 16000 || calls[0].Samples != 4*1024 {
		t.Errorf("transcriber calls = %+v", calls)
	}

	h.app.Do(SendRecording{})
	backend.expectNone(t)
}

func TestSendFallbackPhrase(t *testing.T) {
	for _, text := range []string{"  ", ""} {
		backend := newFakeBackend(t)
		h := newHarness(t, backend.url, transcriber.NewFake(text, nil), newFakeAudio(t, 2048, 24000))
		h.connect(t)
		h.record(t)
		h.app.Do(SendRecording{})

		if f := backend.next(t); f.Text != transcriber.FallbackPhrase {
			t.Errorf("forwarded %q, want fallback phrase", f.Text)
		}
		backend.next(t)
		h.sink.waitFor(t, "idle", func(s Snapshot, _ Affordances) bool { return !s.Transcribing })
		if !h.sink.has("No speech recognized by STT; sending fallback: " + transcriber.FallbackPhrase) {
			t.Error("fallback substitution not logged")
		}
	}
}

func TestTranscriptionFailure(t *testing.T) {
	backend := newFakeBackend(t)
	stt := transcriber.NewFake("", &transcriber.RequestError{Status: 500, Body: "boom"})
	h := newHarness(t, backend.url, stt, newFakeAudio(t, 2048, 24000))
	h.connect(t)
	h.record(t)
	h.app.Do(SendRecording{})

	h.sink.waitFor(t, "failure handled", func(s Snapshot, _ Affordances) bool {
		return !s.Transcribing && s.Status == StatusIdle
	})
	if !h.sink.has("ERROR: STT failed  ") {
		t.Error("failure not logged")
	}
	backend.expectNone(t)
}

func TestStaleTranscriptionNotForwarded(t *testing.T) {
	backend := newFakeBackend(t)
	stt := transcriber.NewFake("late", nil).WithDelay(200 * time.Millisecond)
	h := newHarness(t, backend.url, stt, newFakeAudio(t, 2048, 24000))
	h.connect(t)
	h.record(t)

	h.app.Do(SendRecording{})
	h.sink.waitFor(t, "transcribing", func(s Snapshot, _ Affordances) bool { return s.Status == StatusTranscribing })
	h.app.Do(Disconnect{})
	h.sink.waitFor(t, "closed", func(s Snapshot, _ Affordances) bool { return s.Conn == realtime.Closed })
	h.sink.waitFor(t, "result", func(s Snapshot, _ Affordances) bool { return !s.Transcribing })

	backend.expectNone(t)
	if snap, _ := h.sink.state(); snap.Status != StatusIdle {
		t.Errorf("status = %q", snap.Status)
	}
}

func TestPeerCloseResetsClient(t *testing.T) {
	backend := newFakeBackend(t)
	h := newHarness(t, backend.url, transcriber.NewFake("x", nil), newFakeAudio(t, 2048, 24000))
	h.connect(t)
	h.record(t)

	backend.closeWith(4001, "server restart")
	h.sink.waitFor(t, "closed", func(s Snapshot, _ Affordances) bool { return s.Conn == realtime.Closed })

	snap, aff := h.sink.state()
	if snap.Status != StatusIdle || snap.Pending {
		t.Errorf("after close: %+v", snap)
	}
	if aff != (Affordances{Connect: true}) {
		t.Errorf("affordances = %+v", aff)
	}
	if !h.sink.has("WS closed: 4001 server restart") {
		t.Error("close not logged")
	}
}

func TestPeerCloseDuringRecordingDiscardsTake(t *testing.T) {
	backend := newFakeBackend(t)
	actx := newFakeAudio(t, 2048, 24000)
	h := newHarness(t, backend.url, transcriber.NewFake("x", nil), actx)
	h.connect(t)

	h.app.Do(StartRecording{})
	h.sink.waitFor(t, "blocks kept", func(s Snapshot, _ Affordances) bool { return s.Chunks == 2 })

	backend.closeWith(4001, "server restart")
	h.sink.waitFor(t, "closed", func(s Snapshot, _ Affordances) bool { return s.Conn == realtime.Closed })
	snap, aff := h.sink.state()
	if snap.Recorder != recorder.Listening || !aff.Stop {
		t.Errorf("capture should keep running until stop: %+v %+v", snap, aff)
	}
	if snap.Chunks != 0 {
		t.Errorf("chunks = %d after close, want 0", snap.Chunks)
	}

	h.connect(t)
	h.app.Do(StopRecording{})
	h.sink.waitFor(t, "stopped", func(s Snapshot, _ Affordances) bool { return s.Recorder == recorder.Idle })
	snap, aff = h.sink.state()
	if snap.Pending || aff.Replay || aff.Send {
		t.Errorf("audio from the closed connection exposed after reconnect: %+v %+v", snap, aff)
	}
}

func TestStartRequiresConnection(t *testing.T) {
	actx := newFakeAudio(t, 2048, 24000)
	h := newHarness(t, "ws://127.0.0.1:1/voice/stream", transcriber.NewFake("", nil), actx)
	h.app.Do(StartRecording{})
	h.app.Do(SetSpeed{Rate: 1.5})
	h.sink.waitFor(t, "speed applied", func(s Snapshot, _ Affordances) bool { return s.Speed == 1.5 })
	if snap, _ := h.sink.state(); snap.Recorder != recorder.Idle {
		t.Error("recording started without a connection")
	}
	if actx.LastCapture() != nil {
		t.Error("microphone opened without a connection")
	}
}

type deniedAudio struct{ *audio.FakeContext }

func (*deniedAudio) NewCapture(*audio.DeviceInfo, audio.CaptureConfig) (audio.CaptureDevice, error) {
	return nil, errors.New("permission denied")
}

func TestMicrophoneDenied(t *testing.T) {
	backend := newFakeBackend(t)
	h := newHarness(t, backend.url, transcriber.NewFake("", nil), &deniedAudio{newFakeAudio(t, 2048, 24000)})
	h.connect(t)
	h.app.Do(StartRecording{})
	h.sink.waitFor(t, "error logged", func(Snapshot, Affordances) bool {
		return h.sink.has("ERROR: Failed to access microphone: ")
	})
	snap, aff := h.sink.state()
	if snap.Recorder != recorder.Idle || snap.Status != StatusIdle || !aff.Start {
		t.Errorf("state not restored: %+v %+v", snap, aff)
	}
}

func TestReplay(t *testing.T) {
	backend := newFakeBackend(t)
	h := newHarness(t, backend.url, transcriber.NewFake("", nil), newFakeAudio(t, 2048, 24000))
	h.connect(t)
	h.record(t)

	h.app.Do(Replay{})
	h.sink.waitFor(t, "replay", func(Snapshot, Affordances) bool { return h.sink.has("Replaying recorded audio...") })
	backend.expectNone(t)
}

func TestSettingsActions(t *testing.T) {
	backend := newFakeBackend(t)
	h := newHarness(t, backend.url, transcriber.NewFake("", nil), newFakeAudio(t, 0, 24000))
	h.connect(t)

	h.app.Do(SetStyle{Style: realtime.StyleTeacher})
	h.app.Do(SetLength{Length: realtime.LengthLong})
	h.sink.waitFor(t, "settings", func(s Snapshot, _ Affordances) bool {
		return s.Settings == realtime.Settings{Style: realtime.StyleTeacher, Length: realtime.LengthLong}
	})
	h.app.Do(SendSession{})
	if f := backend.next(t); f.Type != "session.update" {
		t.Errorf("frame = %+v", f)
	}
	h.app.Do(SendText{Text: "  "})
	backend.expectNone(t)
}

func TestQuitStopsLoop(t *testing.T) {
	h := newHarness(t, "ws://127.0.0.1:1/voice/stream", transcriber.NewFake("", nil), newFakeAudio(t, 0, 24000))
	h.app.Do(Quit{})
	select {
	case <-h.app.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return on Quit")
	}
}
