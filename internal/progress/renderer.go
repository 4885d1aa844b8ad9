package progress

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"grimm.is/outpost/internal/events"
)

var (
	colorIce   = lipgloss.Color("#A8D8EA")
	colorMuted = lipgloss.Color("#6c757d")

	stylePrefix = lipgloss.NewStyle().Foreground(colorIce).Bold(true)
	styleText   = lipgloss.NewStyle().Foreground(colorMuted).Italic(true)
)

// FractionMsg carries a progress update into the bar model.
type FractionMsg float64

// TextMsg carries a status line into the bar model.
type TextMsg string

type doneMsg struct{}

// Model is the bubbletea model for the progress bar.
type Model struct {
	Prefix string
	Scale  int

	bar      progress.Model
	fraction float64
	text     string
	done     bool
}

// NewModel creates a bar model.
func NewModel(prefix string, scale int) Model {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if scale <= 0 {
		scale = DefaultScale
	}
	return Model{
		Prefix: prefix,
		Scale:  scale,
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case FractionMsg:
		m.fraction = float64(msg)
	case TextMsg:
		m.text = string(msg)
	case tea.WindowSizeMsg:
		m.bar.Width = max(10, min(60, msg.Width-len(m.Prefix)-10))
	case doneMsg:
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

// Position returns the current bar position in [0, Scale].
func (m Model) Position() int {
	return Position(m.fraction, m.Scale)
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(stylePrefix.Render(m.Prefix))
	b.WriteString(" ")
	b.WriteString(m.bar.ViewAs(float64(m.Position()) / float64(m.Scale)))
	if m.text != "" {
		b.WriteString(" ")
		b.WriteString(styleText.Render(m.text))
	}
	if m.done {
		b.WriteString("\n")
	}
	return b.String()
}

// Renderer draws the bar until its context ends. With State set, hub
// events only wake it up and every frame is drawn from State.Snapshot, so
// an update dropped by a full subscription is still drawn on the next
// wake-up and on the final frame.
type Renderer struct {
	Prefix string
	Scale  int
	Output io.Writer
	// Plain writes one line per change instead of driving a terminal.
	Plain bool
	State *State
}

// Run subscribes to progress events and renders them. It returns when ctx
// is cancelled, after drawing the final state.
func (r *Renderer) Run(ctx context.Context, hub *events.Hub) error {
	ch := hub.Subscribe(64, events.EventProgress, events.EventInfo)
	defer hub.Unsubscribe(ch)

	if r.Plain {
		return r.runPlain(ctx, ch)
	}

	p := tea.NewProgram(NewModel(r.Prefix, r.Scale),
		tea.WithOutput(r.Output),
		tea.WithInput(nil),
		tea.WithoutSignalHandler(),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				for _, msg := range r.snapshotMsgs() {
					p.Send(msg)
				}
				p.Send(doneMsg{})
				return
			case e := <-ch:
				msgs := r.snapshotMsgs()
				if msgs == nil {
					msgs = []tea.Msg{toMsg(e)}
				}
				for _, msg := range msgs {
					if msg != nil {
						p.Send(msg)
					}
				}
			}
		}
	}()

	_, err := p.Run()
	return err
}

func (r *Renderer) runPlain(ctx context.Context, ch <-chan events.Event) error {
	m := NewModel(r.Prefix, r.Scale)
	var last string
	draw := func(msgs ...tea.Msg) error {
		for _, msg := range msgs {
			if msg == nil {
				continue
			}
			next, _ := m.Update(msg)
			m = next.(Model)
		}
		line := fmt.Sprintf("%s %d/%d %s", m.Prefix, m.Position(), m.Scale, m.text)
		if line == last {
			return nil
		}
		last = line
		_, err := fmt.Fprintln(r.Output, line)
		return err
	}

	for {
		select {
		case <-ctx.Done():
			if r.State == nil {
				return nil
			}
			return draw(r.snapshotMsgs()...)
		case e := <-ch:
			msgs := r.snapshotMsgs()
			if msgs == nil {
				msg := toMsg(e)
				if msg == nil {
					continue
				}
				msgs = []tea.Msg{msg}
			}
			if err := draw(msgs...); err != nil {
				return err
			}
		}
	}
}

// snapshotMsgs returns the current State as model updates, or nil when the
// renderer has no State and must rely on event payloads.
func (r *Renderer) snapshotMsgs() []tea.Msg {
	if r.State == nil {
		return nil
	}
	fraction, text := r.State.Snapshot()
	return []tea.Msg{FractionMsg(fraction), TextMsg(text)}
}

func toMsg(e events.Event) tea.Msg {
	data, ok := e.Data.(events.ProgressData)
	if !ok {
		return nil
	}
	switch e.Type {
	case events.EventProgress:
		return FractionMsg(data.Fraction)
	case events.EventInfo:
		return TextMsg(data.Text)
	}
	return nil
}
