package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"voicetest/app"
	"voicetest/audio"
	"voicetest/config"
	"voicetest/log"
	"voicetest/playback"
	"voicetest/realtime"
	"voicetest/recorder"
)

const (
	maxLogLines = 500
	sideWidth   = 38
	meterWidth  = 20
)

type logMsg struct{ Line string }
type stateMsg struct {
	Snap app.Snapshot
	Aff  app.Affordances
}

// tuiSink forwards app output into the bubbletea program.
type tuiSink struct{ p *tea.Program }

func (s tuiSink) Log(line string) { s.p.Send(logMsg{Line: line}) }
func (s tuiSink) Update(snap app.Snapshot, aff app.Affordances) {
	s.p.Send(stateMsg{Snap: snap, Aff: aff})
}

type tuiModel struct {
	app    *app.App
	audio  audio.Context
	prog   *tea.Program
	snap   app.Snapshot
	aff    app.Affordances
	logs   []string
	typing bool
	input  string
	width  int
	height int
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	keyOn       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	keyOff      = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	sentStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	textStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	inputStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("231")).Background(lipgloss.Color("236"))
	meterStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	openStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	closedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
)

func runTUI(ctx context.Context, cfg *config.Config, actx audio.Context, device *audio.DeviceInfo) error {
	m := &tuiModel{audio: actx}
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	m.prog = p

	a, err := newApp(cfg, actx, device, tuiSink{p: p})
	if err != nil {
		return err
	}
	m.app = a

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.Run(runCtx)
	go func() {
		// The loop also ends on a fatal app error, which should close the UI.
		<-a.Done()
		p.Quit()
	}()

	_, err = p.Run()
	cancel()
	<-a.Done()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

// do queues act without blocking the bubbletea loop, which the app loop
// itself sends to.
func (m *tuiModel) do(act app.Action) tea.Cmd {
	a := m.app
	return func() tea.Msg {
		a.Do(act)
		return nil
	}
}

func (m *tuiModel) Init() tea.Cmd { return nil }

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height

	case logMsg:
		m.logs = append(m.logs, msg.Line)
		if len(m.logs) > maxLogLines {
			m.logs = m.logs[len(m.logs)-maxLogLines:]
		}

	case stateMsg:
		m.snap, m.aff = msg.Snap, msg.Aff
		if m.typing && !m.aff.Text {
			m.typing, m.input = false, ""
		}

	case tea.KeyMsg:
		if m.typing {
			return m, m.handleInput(msg)
		}
		return m, m.handleKey(msg.String())
	}
	return m, nil
}

func (m *tuiModel) handleInput(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyCtrlC:
		return tea.Batch(m.do(app.Quit{}), tea.Quit)
	case tea.KeyEsc:
		m.typing, m.input = false, ""
	case tea.KeyEnter:
		text := m.input
		m.typing, m.input = false, ""
		return m.do(app.SendText{Text: text})
	case tea.KeyBackspace:
		if r := []rune(m.input); len(r) > 0 {
			m.input = string(r[:len(r)-1])
		}
	case tea.KeySpace:
		m.input += " "
	case tea.KeyRunes:
		m.input += string(msg.Runes)
	}
	return nil
}

func (m *tuiModel) handleKey(key string) tea.Cmd {
	s := m.snap
	switch key {
	case "ctrl+c", "q":
		return tea.Batch(m.do(app.Quit{}), tea.Quit)
	case "c":
		if m.aff.Connect {
			return m.do(app.Connect{})
		}
	case "x":
		if m.aff.Disconnect {
			return m.do(app.Disconnect{})
		}
	case "u":
		if m.aff.Session {
			return m.do(app.SendSession{})
		}
	case "t":
		if m.aff.Text {
			m.typing = true
		}
	case " ":
		switch {
		case m.aff.Stop:
			return m.do(app.StopRecording{})
		case m.aff.Start:
			return m.do(app.StartRecording{})
		}
	case "p":
		if m.aff.Replay {
			return m.do(app.Replay{})
		}
	case "enter":
		if m.aff.Send {
			return m.do(app.SendRecording{})
		}
	case "y":
		return m.do(app.SetStyle{Style: s.Settings.Style.Next()})
	case "l":
		return m.do(app.SetLength{Length: s.Settings.Length.Next()})
	case "+", "=":
		return m.do(app.SetSpeed{Rate: s.Speed + playback.RateStep})
	case "-":
		return m.do(app.SetSpeed{Rate: s.Speed - playback.RateStep})
	case "g":
		if s.Recorder == recorder.Idle {
			return m.pickDevice()
		}
	}
	return nil
}

func (m *tuiModel) pickDevice() tea.Cmd {
	p, actx, a, current := m.prog, m.audio, m.app, m.snap.Device
	return func() tea.Msg {
		p.ReleaseTerminal()
		dev, err := audio.SelectDevice(actx, current)
		p.RestoreTerminal()
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			return nil
		}
		a.Do(app.SetDevice{Device: dev})
		return nil
	}
}

func (m *tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	side := lipgloss.NewStyle().
		Width(sideWidth).
		Height(m.height).
		Render(strings.Join(m.sideLines(), "\n"))

	logWidth := max(m.width-sideWidth-1, 20)
	logPanel := lipgloss.NewStyle().
		Width(logWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(m.logView(logWidth-2, m.height))

	return lipgloss.JoinHorizontal(lipgloss.Top, side, logPanel)
}

func (m *tuiModel) sideLines() []string {
	s := m.snap
	row := func(label, value string) string {
		return labelStyle.Render(fmt.Sprintf("%-9s", label)) + valueStyle.Render(value)
	}

	conn := closedStyle.Render(connLabel(s.Conn))
	if s.Open {
		conn = openStyle.Render(connLabel(s.Conn))
	}

	lines := []string{
		titleStyle.Render("voicetest " + version),
		"",
		labelStyle.Render(fmt.Sprintf("%-9s", "socket")) + conn,
		row("status", string(s.Status)),
		row("style", string(s.Settings.Style)),
		row("length", string(s.Settings.Length)),
		row("speed", fmt.Sprintf("%.1fx", s.Speed)),
		row("mic", deviceLabel(s.Device)),
	}
	if s.Recorder == recorder.Listening {
		lines = append(lines, row("level", meterStyle.Render(levelMeter(s.Level, meterWidth))))
	}
	if s.Chunks > 0 {
		lines = append(lines, row("chunks", fmt.Sprint(s.Chunks)))
	}

	key := func(k, label string, on bool) string {
		style := keyOff
		if on {
			style = keyOn
		}
		return style.Render(fmt.Sprintf("%-6s %s", k, label))
	}
	a := m.aff
	lines = append(lines, "",
		key("c", "connect", a.Connect),
		key("x", "disconnect", a.Disconnect),
		key("u", "send session.update", a.Session),
		key("t", "type a message", a.Text),
		key("space", "start recording", a.Start),
		key("space", "stop recording", a.Stop),
		key("p", "replay recording", a.Replay),
		key("enter", "send recording", a.Send),
		key("y", "cycle style", true),
		key("l", "cycle length", true),
		key("+/-", "playback speed", true),
		key("g", "choose microphone", s.Recorder == recorder.Idle),
		key("q", "quit", true),
	)
	return lines
}

func (m *tuiModel) logView(width, height int) string {
	var wrapped []string
	for _, line := range m.logs {
		style := textStyle
		switch {
		case strings.HasPrefix(line, "ERROR:"), strings.HasPrefix(line, "WS error"):
			style = errStyle
		case strings.HasPrefix(line, "SEND:"):
			style = sentStyle
		}
		for _, w := range wrapText(line, width) {
			wrapped = append(wrapped, style.Render(w))
		}
	}

	if !m.typing {
		return strings.Join(tail(wrapped, height), "\n")
	}
	// The prompt sits on the bottom row.
	lines := tail(wrapped, height-1)
	for len(lines) < height-1 {
		lines = append(lines, "")
	}
	lines = append(lines, inputStyle.Render(truncateLeft("> "+m.input+"_", width)))
	return strings.Join(lines, "\n")
}

func tail(lines []string, n int) []string {
	if len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}

func connLabel(s realtime.ConnectionState) string {
	switch s {
	case realtime.Connecting:
		return "connecting..."
	case realtime.Open:
		return "open"
	case realtime.Closed:
		return "closed"
	default:
		return "disconnected"
	}
}

func deviceLabel(name string) string {
	if audio.IsBluetooth(name) {
		return name + " (BT!)"
	}
	return name
}

// levelMeter draws an RMS level as a bar, scaled so normal speech fills most of it.
func levelMeter(level float64, width int) string {
	n := min(int(level*4*float64(width)+0.5), width)
	return strings.Repeat("█", n) + strings.Repeat("·", width-n)
}

func truncateLeft(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[len(r)-width:])
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
