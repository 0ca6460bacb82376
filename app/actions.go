package app

import (
	"voicetest/audio"
	"voicetest/realtime"
)

// Action is a user request applied on the client loop.
type Action interface {
	isAction()
}

type (
	Connect        struct{}
	Disconnect     struct{}
	SendSession    struct{}
	SendText       struct{ Text string }
	StartRecording struct{}
	StopRecording  struct{}
	Replay         struct{}
	SendRecording  struct{}
	SetStyle       struct{ Style realtime.Style }
	SetLength      struct{ Length realtime.Length }
	SetSpeed       struct{ Rate float64 }
	SetDevice      struct{ Device *audio.DeviceInfo } // nil selects the system default
	Quit           struct{}
)

func (Connect) isAction()        {}
func (Disconnect) isAction()     {}
func (SendSession) isAction()    {}
func (SendText) isAction()       {}
func (StartRecording) isAction() {}
func (StopRecording) isAction()  {}
func (Replay) isAction()         {}
func (SendRecording) isAction()  {}
func (SetStyle) isAction()       {}
func (SetLength) isAction()      {}
func (SetSpeed) isAction()       {}
func (SetDevice) isAction()      {}
func (Quit) isAction()           {}
