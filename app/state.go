package app

import (
	"voicetest/realtime"
	"voicetest/recorder"
)

type Status string

const (
	StatusIdle         Status = "Idle"
	StatusListening    Status = "Listening..."
	StatusRecorded     Status = "Recorded - click Send"
	StatusTranscribing Status = "Transcribing..."
	StatusSending      Status = "Sending to assistant..."
)

// Snapshot is the client state after one handled event.
type Snapshot struct {
	Conn         realtime.ConnectionState
	Open         bool // connection usable for sends
	Recorder     recorder.State
	Status       Status
	Settings     realtime.Settings
	Speed        float64
	Level        float64
	Chunks       int  // blocks in the current or last recording
	Pending      bool // a stopped recording can be replayed or sent
	Sent         bool // the pending recording was already sent
	Transcribing bool
	Device       string
}

// Affordances says which user actions are currently available.
type Affordances struct {
	Connect    bool
	Disconnect bool
	Session    bool
	Text       bool
	Start      bool
	Stop       bool
	Replay     bool
	Send       bool
}

// Project derives the available actions from a snapshot. It holds no state of
// its own.
func Project(s Snapshot) Affordances {
	idle := s.Recorder == recorder.Idle
	ready := s.Open && idle && s.Pending
	return Affordances{
		Connect:    s.Conn == realtime.Disconnected || s.Conn == realtime.Closed,
		Disconnect: s.Open,
		Session:    s.Open,
		Text:       s.Open,
		Start:      s.Open && idle,
		Stop:       s.Recorder == recorder.Listening,
		Replay:     ready,
		Send:       ready && !s.Sent && !s.Transcribing,
	}
}
