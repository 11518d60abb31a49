package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// StepStatus represents the current state of a step in the display.
// The tui package stays decoupled from the connection manager: callers
// translate lifecycle statuses into steps.
type StepStatus string

const (
	StatusPending StepStatus = "pending"
	StatusRunning StepStatus = "running"
	StatusPassed  StepStatus = "passed"
	StatusFailed  StepStatus = "failed"
	StatusSkipped StepStatus = "skipped"
)

// StepState tracks the display state of a single step.
type StepState struct {
	Name   string
	Status StepStatus
	Detail string
}

// Model is the Bubble Tea model for a scripted command's progress:
// a step list plus the peripherals discovered so far.
type Model struct {
	steps       []StepState
	peripherals []PeripheralMsg
	spinner     spinner.Model
	done        bool
	err         error
}

// StatusUpdateMsg reports a step transition.
type StatusUpdateMsg struct {
	Step   string
	Status StepStatus
	Detail string // Optional one-line annotation (peripheral, error text).
}

// PeripheralMsg reports a discovered peripheral. A repeated ID replaces
// the earlier row.
type PeripheralMsg struct {
	ID   string
	Name string
	RSSI int16
}

// DoneMsg signals that the command completed successfully.
type DoneMsg struct{}

// ErrorMsg signals that the command failed.
type ErrorMsg struct {
	Err error
}

var (
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

// NewModel creates a Model initialized with the given step names.
func NewModel(stepNames []string) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot

	steps := make([]StepState, len(stepNames))
	for i, name := range stepNames {
		steps[i] = StepState{Name: name, Status: StatusPending}
	}
	return Model{steps: steps, spinner: s}
}

// Init starts the spinner tick.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case StatusUpdateMsg:
		m.steps = applyStatus(m.steps, msg)
		return m, nil

	case PeripheralMsg:
		m.peripherals = upsertPeripheral(m.peripherals, msg)
		return m, nil

	case DoneMsg:
		m.done = true
		return m, tea.Quit

	case ErrorMsg:
		m.done = true
		m.err = msg.Err
		return m, tea.Quit

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.done = true
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// applyStatus updates the named step, appending it when unknown.
func applyStatus(steps []StepState, msg StatusUpdateMsg) []StepState {
	for i := range steps {
		if steps[i].Name == msg.Step {
			steps[i].Status = msg.Status
			if msg.Detail != "" {
				steps[i].Detail = msg.Detail
			}
			return steps
		}
	}
	return append(steps, StepState{Name: msg.Step, Status: msg.Status, Detail: msg.Detail})
}

func upsertPeripheral(list []PeripheralMsg, p PeripheralMsg) []PeripheralMsg {
	for i := range list {
		if list[i].ID == p.ID {
			list[i] = p
			return list
		}
	}
	return append(list, p)
}

// View renders the step list and discovered peripherals.
func (m Model) View() string {
	var b strings.Builder

	for _, step := range m.steps {
		line := fmt.Sprintf("  %s %s", statusIndicator(step.Status, m.spinner.View()), step.Name)
		if step.Detail != "" {
			line += " " + dimStyle.Render(step.Detail)
		}
		b.WriteString(line + "\n")
	}

	if len(m.peripherals) > 0 {
		b.WriteString("\n")
		for _, p := range m.peripherals {
			b.WriteString("  " + peripheralLine(p) + "\n")
		}
	}

	if m.done && m.err != nil {
		b.WriteString("\n  " + failStyle.Render("Error: "+m.err.Error()) + "\n")
	}
	return b.String()
}

// peripheralLine formats one discovery row.
func peripheralLine(p PeripheralMsg) string {
	name := p.Name
	if name == "" {
		name = "(unnamed)"
	}
	return fmt.Sprintf("%-17s  %-20s  %4d dBm", p.ID, name, p.RSSI)
}

// statusIndicator returns the Unicode indicator for a step status.
func statusIndicator(status StepStatus, spinnerView string) string {
	switch status {
	case StatusPending:
		return "○"
	case StatusRunning:
		return spinnerView
	case StatusPassed:
		return passStyle.Render("✓")
	case StatusFailed:
		return failStyle.Render("✗")
	case StatusSkipped:
		return "–"
	default:
		return "?"
	}
}
