package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"voicetest/app"
	"voicetest/audio"
	"voicetest/config"
	"voicetest/log"
	"voicetest/realtime"
	"voicetest/recorder"
)

const waitTimeout = 30 * time.Second

// lineSink prints log lines and lets the stdin driver wait on state.
type lineSink struct {
	out io.Writer

	mu      sync.Mutex
	snap    app.Snapshot
	changed chan struct{}
}

func newLineSink(out io.Writer) *lineSink {
	return &lineSink{out: out, changed: make(chan struct{})}
}

func (s *lineSink) Log(line string) { s.printf("%s", line) }

func (s *lineSink) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format+"\n", args...)
}

func (s *lineSink) Update(snap app.Snapshot, _ app.Affordances) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *lineSink) wait(ctx context.Context, cond func(app.Snapshot) bool) bool {
	timeout := time.After(waitTimeout)
	for {
		s.mu.Lock()
		ok, changed := cond(s.snap), s.changed
		s.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-changed:
		case <-timeout:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func idle(s app.Snapshot) bool {
	return s.Status == app.StatusIdle && !s.Transcribing && s.Conn != realtime.Connecting
}

// parseAction maps one stdin command to an app action. ok is false for
// commands that are not actions.
func parseAction(line string) (act app.Action, ok bool, err error) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "CONNECT":
		return app.Connect{}, true, nil
	case "DISCONNECT":
		return app.Disconnect{}, true, nil
	case "SESSION":
		return app.SendSession{}, true, nil
	case "TEXT":
		return app.SendText{Text: arg}, true, nil
	case "START":
		return app.StartRecording{}, true, nil
	case "STOP":
		return app.StopRecording{}, true, nil
	case "REPLAY":
		return app.Replay{}, true, nil
	case "SEND":
		return app.SendRecording{}, true, nil
	case "STYLE":
		s, err := realtime.ParseStyle(arg)
		if err != nil {
			return nil, true, err
		}
		return app.SetStyle{Style: s}, true, nil
	case "LENGTH":
		l, err := realtime.ParseLength(arg)
		if err != nil {
			return nil, true, err
		}
		return app.SetLength{Length: l}, true, nil
	case "SPEED":
		r, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, true, fmt.Errorf("bad speed %q", arg)
		}
		return app.SetSpeed{Rate: r}, true, nil
	}
	return nil, false, nil
}

// runTestMode drives the client from line commands on in, with capture fed
// from wavPath and output discarded on a wall clock.
func runTestMode(ctx context.Context, cfg *config.Config, wavPath string, in io.Reader, out io.Writer) int {
	fakeCtx, err := audio.NewFakeContext(wavPath, true)
	if err != nil {
		fmt.Fprintf(out, "Error loading WAV: %v\n", err)
		return 1
	}

	sink := newLineSink(out)
	a, err := newApp(cfg, fakeCtx, nil, sink)
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		<-a.Done()
		log.Info("test mode finished")
	}()
	go a.Run(runCtx)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		act, isAction, err := parseAction(line)
		if err != nil {
			sink.printf("Error: %v", err)
			continue
		}
		if isAction {
			if !a.Do(act) {
				return 1
			}
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "SLEEP":
			if ms, err := strconv.Atoi(strings.TrimSpace(arg)); err == nil {
				time.Sleep(time.Duration(ms) * time.Millisecond)
			}
		case "WAIT_AUDIO_DONE":
			listening := func(s app.Snapshot) bool {
				return s.Recorder == recorder.Listening && fakeCtx.LastCapture() != nil
			}
			if !sink.wait(ctx, listening) {
				sink.printf("Error: no capture running")
				return 1
			}
			select {
			case <-fakeCtx.LastCapture().AudioDone():
			case <-time.After(waitTimeout):
				sink.printf("Error: timeout waiting for audio")
				return 1
			}
		case "WAIT_OPEN":
			if !sink.wait(ctx, func(s app.Snapshot) bool { return s.Open }) {
				sink.printf("Error: timeout waiting for connection")
				return 1
			}
		case "WAIT_CLOSED":
			if !sink.wait(ctx, func(s app.Snapshot) bool { return s.Conn == realtime.Closed }) {
				sink.printf("Error: timeout waiting for close")
				return 1
			}
		case "WAIT_IDLE":
			if !sink.wait(ctx, idle) {
				sink.printf("Error: timeout waiting for idle")
				return 1
			}
		case "QUIT":
			a.Do(app.Quit{})
			return 0
		default:
			sink.printf("Error: unknown command %q", cmd)
		}
	}
	return 0
}
