package indicator

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mil-ad/outputctl/internal/audio"
)

var (
	styleSpeakers = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 2).
			Foreground(lipgloss.Color("#1d2021")).
			Background(lipgloss.Color("#8ec07c"))
	styleHeadphones = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 2).
			Foreground(lipgloss.Color("#1d2021")).
			Background(lipgloss.Color("#d3869b"))
	styleUnknown = lipgloss.NewStyle().
			Padding(0, 2).
			Foreground(lipgloss.Color("#a89984"))
	styleState = lipgloss.NewStyle().Foreground(lipgloss.Color("#a89984"))
	styleError = lipgloss.NewStyle().Foreground(lipgloss.Color("#fb4934"))
	styleHelp  = lipgloss.NewStyle().Foreground(lipgloss.Color("#665c54"))
)

// ModeMsg carries a newly displayed route into the program.
type ModeMsg struct{ Mode audio.OutputMode }

// StateMsg carries a lifecycle transition.
type StateMsg struct{ State State }

// ErrMsg reports an error worth showing.
type ErrMsg struct{ Err error }

type toggledMsg struct{ err error }

// Model is the bubbletea model of the indicator.
type Model struct {
	mode   audio.OutputMode
	known  bool
	state  State
	err    error
	busy   bool
	keys   KeyMap
	toggle func() error
}

// NewModel returns a model whose space/enter key runs toggle off the UI loop.
func NewModel(toggle func() error) Model {
	return Model{keys: DefaultKeyMap(), toggle: toggle}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case ModeMsg:
		m.mode, m.known = msg.Mode, true
		m.err = nil
	case StateMsg:
		m.state = msg.State
	case ErrMsg:
		m.err = msg.Err
	case toggledMsg:
		m.busy = false
		if msg.err != nil {
			m.err = msg.err
		}
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Toggle):
		if m.busy || m.toggle == nil {
			return m, nil
		}
		m.busy = true
		toggle := m.toggle
		return m, func() tea.Msg {
			return toggledMsg{err: toggle()}
		}
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.badge())
	b.WriteString("  ")
	state := m.state.String()
	if m.busy {
		state += " (switching)"
	}
	b.WriteString(styleState.Render(state))
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(styleError.Render("error: " + m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(styleHelp.Render(m.keys.help()))
	b.WriteString("\n")
	return b.String()
}

func (m Model) badge() string {
	if !m.known {
		return styleUnknown.Render("…")
	}
	switch m.mode {
	case audio.Speakers:
		return styleSpeakers.Render("🔊 speakers")
	case audio.Headphones:
		return styleHeadphones.Render("🎧 headphones")
	}
	return styleUnknown.Render(m.mode.String())
}

// ProgramIndicator shows routes in a running bubbletea program.
type ProgramIndicator struct {
	Program *tea.Program
}

func (pi ProgramIndicator) Show(mode audio.OutputMode) {
	pi.Program.Send(ModeMsg{Mode: mode})
}

// WriterIndicator prints one line per displayed route.
type WriterIndicator struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterIndicator(w io.Writer) *WriterIndicator {
	return &WriterIndicator{w: w}
}

func (wi *WriterIndicator) Show(mode audio.OutputMode) {
	wi.mu.Lock()
	defer wi.mu.Unlock()
	fmt.Fprintln(wi.w, mode.String())
}
