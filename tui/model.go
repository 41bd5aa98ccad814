// Package tui 终端预览混音台，界面只读 Engine 快照，所有操作都转成 Engine 命令
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"musicmashup/core/mixer"
	"musicmashup/logger"
)

const (
	seekStep    = 5.0
	volumeStep  = 0.05
	offsetStep  = 0.1
	waveBuckets = 400
	cmdTimeout  = 2 * time.Second
	statusTTL   = 4 * time.Second
)

// Engine is the part of *mixer.Engine the preview drives.
type Engine interface {
	TogglePlay(ctx context.Context) error
	SeekBy(ctx context.Context, delta float64) error
	ToggleMute(ctx context.Context, key mixer.ChannelKey) error
	SetSolo(ctx context.Context, trackID int64) error
	SetVolume(ctx context.Context, key mixer.ChannelKey, v float64) error
	SetOffset(ctx context.Context, key mixer.ChannelKey, seconds float64) error
	BuildMixRequest(ctx context.Context, name string) (mixer.MixRequest, error)
}

// SubmitFunc renders a mix request and returns where the result went.
type SubmitFunc func(ctx context.Context, req mixer.MixRequest) (string, error)

type Options struct {
	Engine    Engine
	Snapshots <-chan mixer.Snapshot
	// Open loads channel audio for waveforms; nil disables them.
	Open   mixer.Opener
	Submit SubmitFunc
}

type snapshotMsg mixer.Snapshot

type snapshotsClosedMsg struct{}

type waveformMsg struct {
	wave mixer.Waveform
	err  error
}

type errMsg struct{ err error }

type renderedMsg struct {
	where string
	err   error
}

type clearStatusMsg struct{ seq int }

// Model is the bubbletea model of the preview mixer.
type Model struct {
	engine    Engine
	snapshots <-chan mixer.Snapshot
	open      mixer.Opener
	submit    SubmitFunc

	snap      mixer.Snapshot
	waves     map[mixer.ChannelKey]mixer.Waveform
	requested map[mixer.ChannelKey]string
	selected  int

	bar       progress.Model
	name      textinput.Model
	naming    bool
	rendering bool

	status    string
	statusErr bool
	statusSeq int

	width    int
	quitting bool
}

func New(opts Options) *Model {
	bar := progress.New(progress.WithGradient("#5E81AC", "#88C0D0"), progress.WithoutPercentage())
	bar.Width = 40

	name := textinput.New()
	name.Placeholder = "mashup name"
	name.CharLimit = 64
	name.Prompt = "name › "

	return &Model{
		engine:    opts.Engine,
		snapshots: opts.Snapshots,
		open:      opts.Open,
		submit:    opts.Submit,
		waves:     make(map[mixer.ChannelKey]mixer.Waveform),
		requested: make(map[mixer.ChannelKey]string),
		bar:       bar,
		name:      name,
		width:     80,
	}
}

func (m *Model) Init() tea.Cmd {
	return m.waitForSnapshot()
}

// waitForSnapshot blocks on the engine subscription for the next frame.
func (m *Model) waitForSnapshot() tea.Cmd {
	ch := m.snapshots
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		snap, ok := <-ch
		if !ok {
			return snapshotsClosedMsg{}
		}
		return snapshotMsg(snap)
	}
}

// call runs an engine command off the UI goroutine.
func (m *Model) call(fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(10, msg.Width-30)
		return m, nil

	case snapshotMsg:
		m.snap = mixer.Snapshot(msg)
		if n := len(m.snap.Channels); m.selected >= n {
			m.selected = max(0, n-1)
		}
		return m, tea.Batch(append(m.loadWaveforms(), m.waitForSnapshot())...)

	case snapshotsClosedMsg:
		m.quitting = true
		return m, tea.Quit

	case waveformMsg:
		if msg.err != nil {
			logger.Warn("waveform load failed", logger.Stringer("channel", msg.wave.Key), logger.ErrorField(msg.err))
			return m, nil
		}
		if m.requested[msg.wave.Key] != "" {
			m.waves[msg.wave.Key] = msg.wave
		}
		return m, nil

	case errMsg:
		return m, m.setStatus(msg.err.Error(), true)

	case renderedMsg:
		m.rendering = false
		if msg.err != nil {
			return m, m.setStatus(msg.err.Error(), true)
		}
		return m, m.setStatus("saved "+msg.where, false)

	case clearStatusMsg:
		if msg.seq == m.statusSeq {
			m.status = ""
		}
		return m, nil

	case tea.KeyMsg:
		if m.naming {
			return m.updateNaming(msg)
		}
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m *Model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		m.quitting = true
		return m, tea.Quit
	case " ":
		return m, m.call(m.engine.TogglePlay)
	case "left", "h":
		return m, m.call(func(ctx context.Context) error { return m.engine.SeekBy(ctx, -seekStep) })
	case "right", "l":
		return m, m.call(func(ctx context.Context) error { return m.engine.SeekBy(ctx, seekStep) })
	case "tab", "down", "j":
		if n := len(m.snap.Channels); n > 0 {
			m.selected = (m.selected + 1) % n
		}
		return m, nil
	case "shift+tab", "up", "k":
		if n := len(m.snap.Channels); n > 0 {
			m.selected = (m.selected + n - 1) % n
		}
		return m, nil
	case "r":
		if m.submit == nil || m.rendering {
			return m, nil
		}
		m.naming = true
		m.name.SetValue("")
		return m, m.name.Focus()
	}

	ch, ok := m.current()
	if !ok {
		return m, nil
	}
	key := ch.Key
	switch msg.String() {
	case "m":
		return m, m.call(func(ctx context.Context) error { return m.engine.ToggleMute(ctx, key) })
	case "s":
		return m, m.call(func(ctx context.Context) error { return m.engine.SetSolo(ctx, key.TrackID) })
	case "+", "=":
		v := ch.Volume + volumeStep
		return m, m.call(func(ctx context.Context) error { return m.engine.SetVolume(ctx, key, v) })
	case "-", "_":
		v := ch.Volume - volumeStep
		return m, m.call(func(ctx context.Context) error { return m.engine.SetVolume(ctx, key, v) })
	case "]":
		off := ch.Offset + offsetStep
		return m, m.call(func(ctx context.Context) error { return m.engine.SetOffset(ctx, key, off) })
	case "[":
		off := ch.Offset - offsetStep
		return m, m.call(func(ctx context.Context) error { return m.engine.SetOffset(ctx, key, off) })
	}
	return m, nil
}

func (m *Model) updateNaming(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.naming = false
		m.name.Blur()
		return m, nil
	case "enter":
		m.naming = false
		m.name.Blur()
		m.rendering = true
		name := strings.TrimSpace(m.name.Value())
		if name == "" {
			name = "Mashup"
		}
		m.statusSeq++
		m.status, m.statusErr = "rendering "+name+"…", false
		return m, m.render(name)
	}
	var cmd tea.Cmd
	m.name, cmd = m.name.Update(msg)
	return m, cmd
}

func (m *Model) render(name string) tea.Cmd {
	engine, submit := m.engine, m.submit
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
		req, err := engine.BuildMixRequest(ctx, name)
		cancel()
		if err != nil {
			return renderedMsg{err: err}
		}
		where, err := submit(context.Background(), req)
		return renderedMsg{where: where, err: err}
	}
}

// loadWaveforms requests peaks for channels whose location changed.
func (m *Model) loadWaveforms() []tea.Cmd {
	live := make(map[mixer.ChannelKey]bool, len(m.snap.Channels))
	var cmds []tea.Cmd
	for _, ch := range m.snap.Channels {
		live[ch.Key] = true
		if m.open == nil || ch.Status == mixer.StatusFailed || m.requested[ch.Key] == ch.Location {
			continue
		}
		m.requested[ch.Key] = ch.Location
		delete(m.waves, ch.Key)
		key, loc, open := ch.Key, ch.Location, m.open
		cmds = append(cmds, func() tea.Msg {
			w, err := mixer.LoadWaveform(context.Background(), open, key, loc, waveBuckets)
			w.Key = key
			return waveformMsg{wave: w, err: err}
		})
	}
	for key := range m.requested {
		if !live[key] {
			delete(m.requested, key)
			delete(m.waves, key)
		}
	}
	return cmds
}

func (m *Model) setStatus(text string, isErr bool) tea.Cmd {
	m.statusSeq++
	m.status, m.statusErr = text, isErr
	seq := m.statusSeq
	return tea.Tick(statusTTL, func(time.Time) tea.Msg { return clearStatusMsg{seq: seq} })
}

func (m *Model) current() (mixer.ChannelState, bool) {
	if m.selected < 0 || m.selected >= len(m.snap.Channels) {
		return mixer.ChannelState{}, false
	}
	return m.snap.Channels[m.selected], true
}

func (m *Model) trackName(id int64) string {
	for _, t := range m.snap.Tracks {
		if t.ID == id {
			return t.Name
		}
	}
	return fmt.Sprintf("track %d", id)
}

func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("♫ musicmashup preview") + "\n\n")
	b.WriteString(m.viewTransport() + "\n\n")

	b.WriteString(sectionStyle.Render("Channels") + "\n")
	if len(m.snap.Channels) == 0 {
		b.WriteString(dimStyle.Render("  no active stems") + "\n")
	}
	for i, ch := range m.snap.Channels {
		b.WriteString(m.viewChannel(i, ch))
	}

	for _, w := range m.snap.Warnings {
		b.WriteString(warnStyle.Render("⚠ "+w) + "\n")
	}
	if m.naming {
		b.WriteString("\n" + m.name.View() + "\n")
	} else if m.status != "" {
		style := textStyle
		if m.statusErr {
			style = warnStyle
		}
		b.WriteString("\n" + style.Render(m.status) + "\n")
	}
	b.WriteString("\n" + dimStyle.Render(m.help()))
	return panelStyle.Render(b.String())
}

func (m *Model) viewTransport() string {
	t := m.snap.Transport
	icon := "⏸"
	if t.IsPlaying {
		icon = "▶"
	}
	ratio := 0.0
	if t.Duration > 0 {
		ratio = t.CurrentTime / t.Duration
	}
	line := fmt.Sprintf("%s %s %s / %s", icon, m.bar.ViewAs(ratio), clock(t.CurrentTime), clock(t.Duration))

	phase := t.Phase.String()
	if t.Phase == mixer.PhaseIdle && t.ExpectedReadyCount > 0 {
		phase = fmt.Sprintf("loading %d/%d", t.ReadyCount, t.ExpectedReadyCount)
	}
	state := dimStyle.Render(phase)
	if m.snap.SoloTrackID != nil {
		state += "  " + focusStyle.Render("solo "+m.trackName(*m.snap.SoloTrackID))
	}
	return line + "\n" + state
}

func (m *Model) viewChannel(i int, ch mixer.ChannelState) string {
	cursor, label := "  ", textStyle
	if i == m.selected {
		cursor, label = focusStyle.Render("› "), focusStyle
	}
	name := fmt.Sprintf("%s · %s", m.trackName(ch.Key.TrackID), ch.Key.Kind)
	solo := m.snap.SoloTrackID != nil && *m.snap.SoloTrackID == ch.Key.TrackID

	var b strings.Builder
	b.WriteString(cursor + label.Render(name))
	switch ch.Status {
	case mixer.StatusLoading:
		b.WriteString(dimStyle.Render("  loading"))
	case mixer.StatusFailed:
		b.WriteString(warnStyle.Render("  " + ch.Error))
	}
	b.WriteString("\n    ")
	b.WriteString(renderBar(ch.Volume, 12) + fmt.Sprintf(" %3.0f%%  ", ch.Volume*100))
	b.WriteString(renderToggle("M", ch.Muted) + " " + renderToggle("S", solo))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  +%.1fs", ch.Offset)))
	b.WriteString("\n    " + m.viewWave(ch) + "\n")
	return b.String()
}

// viewWave draws the channel's peaks with the logical playhead over them.
func (m *Model) viewWave(ch mixer.ChannelState) string {
	width := max(10, m.width-12)
	w, ok := m.waves[ch.Key]
	if !ok {
		return dimStyle.Render(strings.Repeat("·", width))
	}
	w.Offset = ch.Offset
	style := waveStyle
	if !ch.Audible {
		style = dimStyle
	}
	row := []rune(w.Bars(width))
	col := w.Playhead(m.snap.Transport.CurrentTime, width)
	if col < 0 {
		return style.Render(string(row))
	}
	return style.Render(string(row[:col])) + headStyle.Render("┃") + style.Render(string(row[col+1:]))
}

func (m *Model) help() string {
	keys := "space play/pause · ←/→ seek · tab channel · m mute · s solo · +/- volume · [/] offset"
	if m.submit != nil {
		keys += " · r render"
	}
	return keys + " · q quit"
}
