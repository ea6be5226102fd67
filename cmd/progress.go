package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/airframesio/model-diff/cmd/differ"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// maxMessages is the number of recent log lines shown under the stages
const maxMessages = 5

// stages lists the states a run walks through, in order
var stages = []differ.State{
	differ.StateSnapshottingBase,
	differ.StateSnapshottingHead,
	differ.StateComparing,
	differ.StateCleaningUp,
}

type stateMsg differ.State

type messageMsg string

type runDoneMsg struct {
	err error
}

type stageTiming struct {
	state    differ.State
	duration time.Duration
}

type progressModel struct {
	model      string
	spinner    spinner.Model
	state      differ.State
	stageStart time.Time
	startTime  time.Time
	completed  []stageTiming
	messages   []string
	cancel     context.CancelFunc
	cancelling bool
	done       bool
	err        error
}

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#444444")).
			Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Margin(0, 2)

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F87")).
			Margin(0, 2)
)

func newProgressModel(model string, cancel context.CancelFunc) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	now := time.Now()
	return progressModel{
		model:      model,
		spinner:    s,
		state:      differ.StateIdle,
		stageStart: now,
		startTime:  now,
		cancel:     cancel,
	}
}

func (m progressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case stateMsg:
		return m.handleStateMsg(differ.State(msg))
	case messageMsg:
		m.messages = append(m.messages, string(msg))
		if len(m.messages) > maxMessages {
			m.messages = m.messages[len(m.messages)-maxMessages:]
		}
		return m, nil
	case runDoneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

// handleKeyMsg cancels the run on ctrl+c or q. The program keeps running until the orchestrator
// has dropped the workspace and reports back.
func (m progressModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		if !m.cancelling && m.cancel != nil {
			m.cancelling = true
			m.cancel()
		}
	}
	return m, nil
}

func (m progressModel) handleStateMsg(state differ.State) (tea.Model, tea.Cmd) {
	now := time.Now()
	if m.state != differ.StateIdle {
		m.completed = append(m.completed, stageTiming{state: m.state, duration: now.Sub(m.stageStart)})
	}
	m.state = state
	m.stageStart = now
	return m, nil
}

func (m progressModel) stageDone(state differ.State) (stageTiming, bool) {
	for _, t := range m.completed {
		if t.state == state {
			return t, true
		}
	}
	return stageTiming{}, false
}

func (m progressModel) View() string {
	sections := []string{
		"",
		stageStyle.Render(titleStyle.Render("model-diff") + " " + m.model),
		"",
	}

	for _, state := range stages {
		label := capitalize(state.String())
		switch {
		case state == m.state && !m.done:
			elapsed := time.Since(m.stageStart).Round(100 * time.Millisecond)
			sections = append(sections, stageStyle.Render(fmt.Sprintf("%s %s... %s", m.spinner.View(), label, elapsed)))
		default:
			if t, ok := m.stageDone(state); ok {
				sections = append(sections, stageStyle.Render(fmt.Sprintf("✅ %s (%s)", label, t.duration.Round(time.Millisecond))))
			} else {
				sections = append(sections, pendingStyle.Render("○ "+label))
			}
		}
	}

	if len(m.messages) > 0 {
		sections = append(sections, "")
		for _, message := range m.messages {
			sections = append(sections, progressInfoStyle.Render(message))
		}
	}

	sections = append(sections, "")
	switch {
	case m.done && m.err != nil:
		sections = append(sections, failedStyle.Render("❌ "+m.err.Error()))
	case m.done:
		sections = append(sections, stageStyle.Render(fmt.Sprintf("✅ Done in %s", time.Since(m.startTime).Round(time.Millisecond))))
	case m.cancelling:
		sections = append(sections, helpStyle.Render("Cancelling, dropping workspace..."))
	default:
		sections = append(sections, helpStyle.Render("Press q or ctrl+c to cancel"))
	}
	sections = append(sections, "")

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// isTerminal reports whether f is attached to a terminal
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// runWithProgress runs fn while a spinner on stderr follows the orchestrator's stage
// transitions. Log lines are shown inside the UI for the duration of the run.
func runWithProgress(ctx context.Context, model string, fn func(ctx context.Context, observer differ.Observer) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	program := tea.NewProgram(newProgressModel(model, cancel), tea.WithOutput(os.Stderr))

	sink := func(line string) { program.Send(messageMsg(line)) }
	logSink.Store(&sink)
	defer logSink.Store(nil)

	errCh := make(chan error, 1)
	go func() {
		err := fn(ctx, func(state differ.State) {
			program.Send(stateMsg(state))
		})
		errCh <- err
		program.Send(runDoneMsg{err: err})
	}()

	if _, err := program.Run(); err != nil {
		cancel()
		logSink.Store(nil)
		logger.Warn(fmt.Sprintf("⚠️  Progress display failed: %v", err))
	}
	return <-errCh
}
