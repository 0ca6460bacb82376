// Package realtime owns the socket to the voice service. It serializes
// outbound events and dispatches inbound ones to playback and the client log.
//
// Socket reads happen on a background goroutine that only posts Events. All
// state lives with the owner's loop, which applies each Event with Handle.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"voicetest/log"
	"voicetest/metrics"
	"voicetest/pcm"
	"voicetest/playback"
)

const (
	writeTimeout = 5 * time.Second
	closeWait    = 2 * time.Second
	eventQueue   = 256
)

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Open
	Closed
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "disconnected"
	}
}

// Player receives decoded assistant audio.
type Player interface {
	Schedule(samples []int16) (playback.Unit, error)
	Reset() error
}

// LogFunc receives every line meant for the user-visible log.
type LogFunc func(line string)

// Event is something that happened on a connection. Events carry the id of the
// connection that produced them so late events from an old socket are ignored.
type Event interface {
	conn() uint64
}

type Opened struct {
	id   uint64
	link *link
}

type Frame struct {
	id   uint64
	Text bool
	Data []byte
}

type ClosedEvent struct {
	id     uint64
	Code   int
	Reason string
}

// TransportError is a socket level failure. The connection is not retried.
type TransportError struct {
	id  uint64
	Err error
}

func (e Opened) conn() uint64         { return e.id }
func (e Frame) conn() uint64          { return e.id }
func (e ClosedEvent) conn() uint64    { return e.id }
func (e TransportError) conn() uint64 { return e.id }

func (e TransportError) Error() string { return e.Err.Error() }
func (e TransportError) Unwrap() error { return e.Err }

type link struct {
	ws      *websocket.Conn
	closing atomic.Bool
}

type Config struct {
	URL      string
	Profile  Profile
	Settings Settings
	Player   Player
	Log      LogFunc
	Dialer   *websocket.Dialer
}

type Session struct {
	url      string
	path     string
	dialer   *websocket.Dialer
	profile  Profile
	settings Settings
	player   Player
	logf     LogFunc

	state   ConnectionState
	id      uint64
	link    *link
	closing bool

	turnUnits int
	turnAudio float64

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) (*Session, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("stream url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("stream url %q: scheme must be ws or wss", cfg.URL)
	}
	if cfg.Player == nil {
		return nil, errors.New("realtime: player is required")
	}
	logf := cfg.Log
	if logf == nil {
		logf = func(string) {}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	}
	if cfg.Settings.Style == "" {
		cfg.Settings.Style = StyleDefault
	}
	if cfg.Settings.Length == "" {
		cfg.Settings.Length = LengthShort
	}
	return &Session{
		url:      cfg.URL,
		path:     u.Path,
		dialer:   dialer,
		profile:  cfg.Profile,
		settings: cfg.Settings,
		player:   cfg.Player,
		logf:     logf,
		events:   make(chan Event, eventQueue),
		done:     make(chan struct{}),
	}, nil
}

// Events delivers connection events in the order they happened.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) State() ConnectionState { return s.state }

// IsOpen reports whether outbound events may be sent. It turns false as soon
// as a local disconnect starts.
func (s *Session) IsOpen() bool { return s.state == Open && !s.closing }

func (s *Session) Settings() Settings { return s.settings }

func (s *Session) SetSettings(st Settings) { s.settings = st }

// Connect starts dialing in the background. It is a no-op while a connection
// is being established or is open.
func (s *Session) Connect(ctx context.Context) bool {
	if s.state == Connecting || s.state == Open {
		return false
	}
	s.id++
	s.state = Connecting
	go s.dial(ctx, s.id)
	return true
}

func (s *Session) dial(ctx context.Context, id uint64) {
	ws, resp, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		s.post(TransportError{id: id, Err: err})
		s.post(ClosedEvent{id: id, Code: websocket.CloseAbnormalClosure})
		return
	}
	l := &link{ws: ws}
	if !s.post(Opened{id: id, link: l}) {
		ws.Close()
		return
	}
	s.readLoop(id, l)
}

func (s *Session) readLoop(id uint64, l *link) {
	defer l.ws.Close()
	for {
		messageType, data, err := l.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			switch {
			case errors.As(err, &ce):
				s.post(ClosedEvent{id: id, Code: ce.Code, Reason: ce.Text})
			case l.closing.Load():
				s.post(ClosedEvent{id: id, Code: websocket.CloseNormalClosure})
			default:
				s.post(TransportError{id: id, Err: err})
				s.post(ClosedEvent{id: id, Code: websocket.CloseAbnormalClosure})
			}
			return
		}
		switch messageType {
		case websocket.TextMessage:
			s.post(Frame{id: id, Text: true, Data: data})
		case websocket.BinaryMessage:
			s.post(Frame{id: id, Data: data})
		}
	}
}

func (s *Session) post(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Handle applies an event from Events. It returns false for events from a
// connection that is no longer current.
func (s *Session) Handle(ev Event) bool {
	if ev.conn() != s.id {
		if o, ok := ev.(Opened); ok {
			o.link.ws.Close()
		}
		return false
	}
	switch e := ev.(type) {
	case Opened:
		s.link = e.link
		s.state = Open
		s.closing = false
		metrics.Connections.WithLabelValues("opened").Inc()
		log.SessionStart(s.url, string(s.settings.Style), string(s.settings.Length))
		s.logf("WS connected to " + s.path)
	case Frame:
		s.Dispatch(e.Text, e.Data)
	case TransportError:
		metrics.Connections.WithLabelValues("error").Inc()
		log.Errorf("socket: %v", e.Err)
		s.logf("WS error: " + e.Err.Error())
	case ClosedEvent:
		s.flushPlayback()
		s.state = Closed
		s.link = nil
		s.closing = false
		metrics.Connections.WithLabelValues("closed").Inc()
		log.SessionEnd(e.Code, e.Reason)
		s.logf(fmt.Sprintf("WS closed: %d %s", e.Code, e.Reason))
	}
	return true
}

// Dispatch routes one inbound frame by its event type.
func (s *Session) Dispatch(text bool, data []byte) {
	if !text {
		metrics.FramesReceived.WithLabelValues("binary").Inc()
		log.Frame("recv", "binary", len(data))
		s.logf(fmt.Sprintf("RECV binary (%d bytes)", len(data)))
		return
	}

	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		// Valid JSON that is not an object has no type and is ignored.
		if !json.Valid(data) {
			s.raw(data)
			return
		}
		ev = ServerEvent{}
	}
	evType, typed := field(ev.Type)
	if !typed {
		log.Frame("recv", "", len(data))
		return
	}
	log.Frame("recv", evType, len(data))

	// Only string types name known events.
	var known string
	json.Unmarshal(ev.Type, &known)

	switch known {
	case TypeSessionCreated:
		s.logf("SESSION: created")
	case TypeSessionUpdated:
		s.logf("SESSION: updated")
	case TypeAudioDelta:
		var delta string
		if err := json.Unmarshal(ev.Delta, &delta); err != nil {
			s.raw(data)
			return
		}
		samples, err := pcm.DecodeTransport(delta)
		if err != nil {
			log.Warnf("audio delta: %v", err)
			s.raw(data)
			return
		}
		s.play(samples)
	case TypeTextDelta:
		delta, _ := field(ev.Delta)
		s.logf("TEXT : " + delta)
	case TypeError:
		s.logf("ERROR: " + compact(ev.Error))
	default:
		s.logf("EVT: " + evType)
	}
	if known == "" {
		known = "nonstring"
	}
	metrics.FramesReceived.WithLabelValues(known).Inc()
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func (s *Session) raw(data []byte) {
	metrics.FramesReceived.WithLabelValues("raw").Inc()
	s.logf("RECV (raw): " + string(data))
}

func (s *Session) play(samples []int16) {
	u, err := s.player.Schedule(samples)
	if err != nil {
		log.Errorf("playback: %v", err)
		s.logf("ERROR: playback failed: " + err.Error())
		return
	}
	s.turnUnits++
	s.turnAudio += u.Duration
	metrics.PlaybackSeconds.Add(u.Duration)
}

func (s *Session) flushPlayback() {
	log.Playback(s.turnUnits, s.turnAudio)
	s.turnUnits, s.turnAudio = 0, 0
}

// SendSessionConfig sends a session.update built from the current settings.
func (s *Session) SendSessionConfig() bool {
	if !s.send(TypeSessionUpdate, NewSessionUpdate(s.settings, s.profile)) {
		return false
	}
	s.logf("SEND: session.update")
	return true
}

// SendUserText discards any playback from the previous turn, then sends the
// trimmed text as a user message followed by a response request.
func (s *Session) SendUserText(text string) bool {
	if !s.IsOpen() {
		return false
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}

	s.flushPlayback()
	if err := s.player.Reset(); err != nil {
		log.Warnf("closing output: %v", err)
	}

	if !s.send(TypeItemCreate, NewUserMessage(trimmed)) {
		return false
	}
	s.logf("SEND: conversation.item.create (" + trimmed + ")")

	if !s.send(TypeResponseCreate, NewResponseCreate(s.settings)) {
		return false
	}
	s.logf("SEND: response.create")
	return true
}

func (s *Session) send(eventType string, v any) bool {
	if !s.IsOpen() {
		return false
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Errorf("encode %s: %v", eventType, err)
		return false
	}
	ws := s.link.ws
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Errorf("send %s: %v", eventType, err)
		s.logf("WS error: " + err.Error())
		return false
	}
	metrics.FramesSent.WithLabelValues(eventType).Inc()
	log.Frame("send", eventType, len(data))
	return true
}

// Disconnect starts a normal close. The ClosedEvent arrives once the peer
// answers or closeWait passes.
func (s *Session) Disconnect() bool {
	if !s.IsOpen() {
		return false
	}
	s.closing = true
	l := s.link
	l.closing.Store(true)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := l.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait)); err != nil {
		l.ws.Close()
		return true
	}
	l.ws.SetReadDeadline(time.Now().Add(closeWait))
	return true
}

// Close tears down the current connection without waiting and stops posting
// events. The session cannot be used afterwards.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.link != nil {
			s.link.closing.Store(true)
			s.link.ws.Close()
		}
	})
}
