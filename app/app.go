// Package app wires capture, playback, the realtime session and the
// transcription fallback into one client driven by a single event loop.
//
// Every component method is called from Run. Background work (socket reads,
// capture callbacks, transcription requests) only posts messages back to it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"voicetest/audio"
	"voicetest/log"
	"voicetest/metrics"
	"voicetest/playback"
	"voicetest/realtime"
	"voicetest/recorder"
	"voicetest/transcriber"
)

const actionQueue = 64

// Sink receives user-visible output.
type Sink interface {
	Log(line string)
	Update(s Snapshot, a Affordances)
}

type Options struct {
	StreamURL string
	Profile   realtime.Profile
	Settings  realtime.Settings
	Dialer    *websocket.Dialer

	Audio     audio.Context
	Capture   audio.CaptureConfig
	BlockSize int
	Device    *audio.DeviceInfo

	Player      *playback.Scheduler
	Speed       float64
	Transcriber transcriber.Transcriber
	Sink        Sink
}

type transcribed struct {
	res     *transcriber.Result
	err     error
	rate    int
	elapsed time.Duration
}

type App struct {
	session *realtime.Session
	rec     *recorder.Recorder
	player  *playback.Scheduler
	stt     transcriber.Transcriber
	sink    Sink

	status       Status
	pending      bool
	sent         bool
	transcribing bool

	actions chan Action
	results chan transcribed
	done    chan struct{}
}

func New(opts Options) (*App, error) {
	if opts.Player == nil || opts.Transcriber == nil || opts.Audio == nil {
		return nil, errors.New("app: player, transcriber and audio context are required")
	}
	a := &App{
		player:  opts.Player,
		stt:     opts.Transcriber,
		sink:    opts.Sink,
		status:  StatusIdle,
		actions: make(chan Action, actionQueue),
		results: make(chan transcribed, 1),
		done:    make(chan struct{}),
	}
	if a.sink == nil {
		a.sink = discard{}
	}
	if opts.Speed > 0 {
		a.player.SetRate(opts.Speed)
	}

	session, err := realtime.New(realtime.Config{
		URL:      opts.StreamURL,
		Profile:  opts.Profile,
		Settings: opts.Settings,
		Player:   opts.Player,
		Log:      a.logf,
		Dialer:   opts.Dialer,
	})
	if err != nil {
		return nil, err
	}
	a.session = session

	blockSize := opts.BlockSize
	if blockSize <= 0 {
		blockSize = recorder.DefaultBlockSize
	}
	a.rec = recorder.New(opts.Audio, opts.Capture, session,
		recorder.WithBlockSize(blockSize),
		recorder.WithDropHook(func() { metrics.CaptureBlocks.WithLabelValues("dropped").Inc() }),
	)
	a.rec.SetDevice(opts.Device)
	return a, nil
}

// Do queues an action for the loop. It returns false once Run has exited.
func (a *App) Do(act Action) bool {
	select {
	case a.actions <- act:
		return true
	case <-a.done:
		return false
	}
}

// Done is closed when Run returns.
func (a *App) Done() <-chan struct{} { return a.done }

// Snapshot reads component state and must only be called from the loop.
// Sinks get their copy through Update.
func (a *App) Snapshot() Snapshot {
	return Snapshot{
		Conn:         a.session.State(),
		Open:         a.session.IsOpen(),
		Recorder:     a.rec.State(),
		Status:       a.status,
		Settings:     a.session.Settings(),
		Speed:        a.player.Rate(),
		Level:        a.rec.Level(),
		Chunks:       a.rec.Chunks(),
		Pending:      a.pending,
		Sent:         a.sent,
		Transcribing: a.transcribing,
		Device:       a.rec.DeviceName(),
	}
}

// Run is the client event loop. It returns when ctx is cancelled or a Quit
// action arrives, releasing the microphone, socket and output device.
func (a *App) Run(ctx context.Context) error {
	defer close(a.done)
	defer a.shutdown()

	a.publish()
	for {
		select {
		case <-ctx.Done():
			return nil
		case act := <-a.actions:
			if _, ok := act.(Quit); ok {
				return nil
			}
			a.apply(ctx, act)
		case ev := <-a.session.Events():
			a.handleSession(ev)
		case b := <-a.rec.Blocks():
			a.handleBlock(b)
		case r := <-a.results:
			a.handleTranscribed(r)
		}
		a.publish()
	}
}

func (a *App) publish() {
	s := a.Snapshot()
	a.sink.Update(s, Project(s))
}

func (a *App) logf(line string) {
	log.Conversation(line)
	a.sink.Log(line)
}

func (a *App) apply(ctx context.Context, act Action) {
	switch act := act.(type) {
	case Connect:
		a.session.Connect(ctx)
	case Disconnect:
		a.session.Disconnect()
	case SendSession:
		a.session.SendSessionConfig()
	case SendText:
		a.session.SendUserText(act.Text)
	case StartRecording:
		a.startRecording()
	case StopRecording:
		a.stopRecording()
	case Replay:
		a.replay()
	case SendRecording:
		a.sendRecording(ctx)
	case SetStyle:
		st := a.session.Settings()
		st.Style = act.Style
		a.session.SetSettings(st)
	case SetLength:
		st := a.session.Settings()
		st.Length = act.Length
		a.session.SetSettings(st)
	case SetSpeed:
		rate := a.player.SetRate(act.Rate)
		log.Infof("playback speed %.1fx", rate)
	case SetDevice:
		// The device is read when capture opens; a running take keeps its own.
		a.rec.SetDevice(act.Device)
		log.Info("device_switch: " + a.rec.DeviceName())
	}
}

func (a *App) handleSession(ev realtime.Event) {
	if !a.session.Handle(ev) {
		return
	}
	if _, ok := ev.(realtime.ClosedEvent); ok {
		// A take that outlives its connection is never joined with audio
		// captured after a reconnect.
		a.rec.Detach()
		a.pending = false
		a.status = StatusIdle
	}
}

func (a *App) handleBlock(b recorder.Block) {
	if a.rec.HandleBlock(b) {
		metrics.CaptureBlocks.WithLabelValues("kept").Inc()
		return
	}
	metrics.CaptureBlocks.WithLabelValues("stale").Inc()
}

func (a *App) startRecording() {
	if !a.session.IsOpen() || a.rec.State() != recorder.Idle {
		return
	}
	// The output is activated before capture, as before the first playback.
	if err := a.player.Ensure(); err != nil {
		log.Warnf("output not ready: %v", err)
	}
	started, err := a.rec.Start()
	if err != nil {
		log.Errorf("capture: %v", err)
		a.logf("ERROR: Failed to access microphone: " + err.Error())
		return
	}
	if !started {
		return
	}
	log.Infof("recording started on %s at %d Hz", a.rec.DeviceName(), a.rec.SampleRate())
	a.pending = false
	a.sent = false
	a.status = StatusListening
}

func (a *App) stopRecording() {
	if a.rec.State() != recorder.Listening {
		return
	}
	// Blocks captured before the stop request still belong to this take.
	for drained := false; !drained; {
		select {
		case b := <-a.rec.Blocks():
			a.handleBlock(b)
		default:
			drained = true
		}
	}
	hasAudio := a.rec.Stop()
	log.Infof("recording stopped: %d blocks", a.rec.Chunks())
	if hasAudio && a.session.IsOpen() {
		a.pending = true
		a.status = StatusRecorded
		return
	}
	a.pending = false
	a.status = StatusIdle
}

func (a *App) replay() {
	if !a.rec.HasRecording() || a.rec.State() != recorder.Idle {
		return
	}
	a.logf("Replaying recorded audio...")
	if _, err := a.player.Schedule(a.rec.Recording()); err != nil {
		log.Errorf("replay: %v", err)
		a.logf("ERROR: playback failed: " + err.Error())
	}
}

func (a *App) sendRecording(ctx context.Context) {
	if !a.session.IsOpen() || !a.rec.HasRecording() || a.rec.State() != recorder.Idle || a.transcribing || a.sent {
		return
	}
	a.status = StatusTranscribing
	a.transcribing = true
	a.sent = true

	samples := a.rec.Recording()
	rate := a.rec.SampleRate()
	go func() {
		start := time.Now()
		res, err := a.stt.Transcribe(ctx, samples, rate)
		select {
		case a.results <- transcribed{res: res, err: err, rate: rate, elapsed: time.Since(start)}:
		case <-a.done:
		}
	}()
}

func (a *App) handleTranscribed(r transcribed) {
	a.transcribing = false
	metrics.TranscriptionLatency.Observe(r.elapsed.Seconds())

	if r.err != nil {
		metrics.Transcriptions.WithLabelValues("error").Inc()
		log.Errorf("transcription: %v", r.err)
		a.logf(fmt.Sprintf("ERROR: STT failed  %v", r.err))
		a.status = StatusIdle
		return
	}

	text, fallback := transcriber.Resolve(r.res.Text)
	logTranscription(r.res, r.rate, fallback)

	if !a.session.IsOpen() {
		metrics.Transcriptions.WithLabelValues("stale").Inc()
		log.Warnf("transcription %s arrived after the connection closed; not forwarded", r.res.RequestID)
		a.status = StatusIdle
		return
	}

	if fallback {
		metrics.Transcriptions.WithLabelValues("fallback").Inc()
		a.logf("No speech recognized by STT; sending fallback: " + text)
	} else {
		metrics.Transcriptions.WithLabelValues("text").Inc()
		a.logf("TRANSCRIBED: " + text)
		a.status = StatusSending
		a.publish()
	}
	a.session.SendUserText(text)
	a.status = StatusIdle
}

func logTranscription(res *transcriber.Result, rate int, fallback bool) {
	m := log.TranscriptionMetrics{
		RequestID:    res.RequestID,
		SampleRate:   rate,
		AudioLengthS: res.AudioLengthS,
		PayloadKB:    res.PayloadKB,
		Status:       res.Status,
		Fallback:     fallback,
	}
	if nm := res.Metrics; nm != nil {
		m.DNSTimeMs = float64(nm.DNS.Microseconds()) / 1000
		m.ConnTimeMs = float64((nm.ConnWait + nm.TCP + nm.TLS).Microseconds()) / 1000
		m.TTFBMs = float64(nm.TTFB.Microseconds()) / 1000
		m.TotalTimeMs = float64(nm.Total.Microseconds()) / 1000
		m.ConnReused = nm.ConnReused
	}
	log.Transcription(m)
}

func (a *App) shutdown() {
	a.rec.Stop()
	a.session.Close()
	if err := a.player.Reset(); err != nil {
		log.Warnf("closing output: %v", err)
	}
}

type discard struct{}

func (discard) Log(string)                   {}
func (discard) Update(Snapshot, Affordances) {}
