package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/smileynet/fairway/internal/connection"
	"github.com/smileynet/fairway/internal/control"
	"github.com/smileynet/fairway/internal/link"
)

// helpBarHeight is the number of lines reserved for the help bar at the bottom.
const helpBarHeight = 1

// borderChrome is the number of lines consumed by top + bottom borders.
const borderChrome = 2

// requestTimeout bounds how long a Controller request may wait for the
// manager to accept it.
const requestTimeout = 5 * time.Second

// DefaultHoldTimeout is how long a keyboard direction stays held without
// an auto-repeat before it is released.
const DefaultHoldTimeout = 600 * time.Millisecond

// Model is the root Bubble Tea model for the remote control.
// The control machine lives here and is only touched from Update.
type Model struct {
	ctrl        Controller
	machine     *control.Machine
	statuses    <-chan connection.Status
	holdTimeout time.Duration

	snap     connection.Snapshot
	focus    Focus
	cursor   int
	holdSeq  int
	mouseDir control.Direction // Direction held by the mouse, Stopped if none.
	message  string
	isErr    bool
	quitting bool

	width  int
	height int
	help   help.Model
	dev    deviceKeys
	pad    padKeys
}

// Option configures a Model.
type Option func(*Model)

// WithHoldTimeout sets the keyboard hold debounce.
func WithHoldTimeout(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.holdTimeout = d
		}
	}
}

// WithStatuses sets the channel of manager notifications to follow.
func WithStatuses(ch <-chan connection.Status) Option {
	return func(m *Model) { m.statuses = ch }
}

// NewModel creates a remote Model with the peripheral list focused.
func NewModel(ctrl Controller, machine *control.Machine, opts ...Option) Model {
	if machine == nil {
		machine = control.NewMachine(nil)
	}
	m := Model{
		ctrl:        ctrl,
		machine:     machine,
		holdTimeout: DefaultHoldTimeout,
		focus:       PaneDevices,
		message:     "Press s to scan for carts",
		help:        help.New(),
		dev:         DeviceKeyMap(),
		pad:         PadKeyMap(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.snap = ctrl.Snapshot()
	return m
}

// Init starts listening for manager notifications.
func (m Model) Init() tea.Cmd {
	return Listen(m.statuses)
}

// Quitting reports whether the user asked to leave.
func (m Model) Quitting() bool { return m.quitting }

// Update handles incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case StatusMsg:
		m.onStatus(connection.Status(msg))
		return m, Listen(m.statuses)

	case statusClosedMsg:
		return m, nil

	case requestDoneMsg:
		if msg.err != nil {
			m.setError(describeRequestError(msg.op, msg.err))
		}
		m.snap = m.ctrl.Snapshot()
		m.clampCursor()
		return m, nil

	case holdExpiredMsg:
		if msg.seq == m.holdSeq && m.mouseDir == control.Stopped {
			m.machine.Release(m.machine.Direction())
		}
		return m, nil

	case tea.BlurMsg:
		m.halt()
		return m, nil

	case tea.MouseMsg:
		return m.handleMouse(msg)

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

// handleKey processes global keys, then the focused pane's keys.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.dev.Quit):
		m.halt()
		m.quitting = true
		return m, tea.Quit
	case key.Matches(msg, m.dev.Tab):
		if m.focus == PaneDevices {
			m.focus = PanePad
		} else {
			m.focus = PaneDevices
		}
		return m, nil
	case key.Matches(msg, m.dev.Follow):
		m.toggleFollow()
		return m, nil
	case key.Matches(msg, m.dev.Disconnect):
		return m, m.request("disconnect", m.ctrl.RequestDisconnect)
	}

	if m.focus == PanePad {
		return m.handlePadKey(msg)
	}
	return m.handleDeviceKey(msg)
}

func (m Model) handleDeviceKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.dev.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.dev.Down):
		if m.cursor < len(m.snap.Discovered)-1 {
			m.cursor++
		}
	case key.Matches(msg, m.dev.Scan):
		return m, m.request("scan", m.ctrl.RequestScan)
	case key.Matches(msg, m.dev.Connect):
		if len(m.snap.Discovered) == 0 {
			return m, nil
		}
		id := m.snap.Discovered[m.cursor].ID
		return m, m.request("connect", func(ctx context.Context) error {
			return m.ctrl.RequestConnect(ctx, id)
		})
	}
	return m, nil
}

func (m Model) handlePadKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.pad.Forward):
		return m.pressKey(control.Forward)
	case key.Matches(msg, m.pad.Backward):
		return m.pressKey(control.Backward)
	case key.Matches(msg, m.pad.Left):
		return m.pressKey(control.TurningLeft)
	case key.Matches(msg, m.pad.Right):
		return m.pressKey(control.TurningRight)
	case key.Matches(msg, m.pad.Stop):
		m.halt()
	}
	return m, nil
}

// pressKey holds d until the key stops repeating. Each repeat restarts
// the hold timer; presses rejected by the machine start none.
func (m Model) pressKey(d control.Direction) (tea.Model, tea.Cmd) {
	m.mouseDir = control.Stopped
	m.machine.Press(d)
	if m.machine.Direction() != d {
		return m, nil
	}
	m.holdSeq++
	seq := m.holdSeq
	return m, tea.Tick(m.holdTimeout, func(time.Time) tea.Msg {
		return holdExpiredMsg{seq: seq}
	})
}

// handleMouse maps clicks on the pad to press and release. Any release
// ends a mouse-held direction, wherever the pointer is.
func (m Model) handleMouse(msg tea.MouseMsg) (tea.Model, tea.Cmd) {
	switch msg.Action {
	case tea.MouseActionPress:
		if msg.Button != tea.MouseButtonLeft {
			return m, nil
		}
		leftWidth, _ := PaneWidths(m.width)
		b, ok := padButtonAt(msg.X-leftWidth-1-padLeft, msg.Y-1-padTop)
		if !ok {
			return m, nil
		}
		m.focus = PanePad
		if b.dir == control.Stopped {
			m.halt()
			return m, nil
		}
		m.holdSeq++
		m.machine.Press(b.dir)
		if m.machine.Direction() == b.dir {
			m.mouseDir = b.dir
		}
	case tea.MouseActionRelease:
		if m.mouseDir != control.Stopped {
			m.machine.Release(m.mouseDir)
			m.mouseDir = control.Stopped
		}
	}
	return m, nil
}

// halt stops any held direction and cancels pending hold timers.
func (m *Model) halt() {
	m.holdSeq++
	m.mouseDir = control.Stopped
	m.machine.Halt()
}

func (m *Model) toggleFollow() {
	m.holdSeq++
	m.mouseDir = control.Stopped
	if m.machine.ToggleMode() == control.ModeFollow {
		m.setMessage("Follow mode on")
	} else {
		m.setMessage("Manual control")
	}
}

// onStatus applies a manager notification.
func (m *Model) onStatus(s connection.Status) {
	m.snap = s.Snapshot
	m.clampCursor()

	name := s.Peripheral.DisplayName()
	switch s.Kind {
	case connection.StatusScanStarted:
		m.setMessage("Scanning…")
	case connection.StatusScanStopped:
		m.setMessage(fmt.Sprintf("Scan finished, %d found", len(s.Snapshot.Discovered)))
	case connection.StatusConnecting:
		m.setMessage("Connecting to " + name + "…")
	case connection.StatusConnected:
		m.setMessage("Connected to " + name)
		m.focus = PanePad
	case connection.StatusDisconnected:
		m.halt()
		m.focus = PaneDevices
		m.setMessage("Disconnected from " + name)
	case connection.StatusLinkDropped:
		m.halt()
		m.focus = PaneDevices
		m.setError("Lost connection to " + name)
	case connection.StatusPermissionDenied:
		m.setError("Bluetooth access denied")
	case connection.StatusConnectFailed:
		cause := s.Err
		var ce *connection.ConnectError
		if errors.As(s.Err, &ce) {
			cause = ce.Err
		}
		m.setError(fmt.Sprintf("Could not connect to %s: %v", name, cause))
	case connection.StatusDisconnectFailed:
		cause := s.Err
		var de *connection.DisconnectError
		if errors.As(s.Err, &de) {
			cause = de.Err
		}
		m.setError(fmt.Sprintf("Could not disconnect from %s: %v", name, cause))
	}
}

func (m *Model) setMessage(s string) {
	m.message = s
	m.isErr = false
}

func (m *Model) setError(s string) {
	m.message = s
	m.isErr = true
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.snap.Discovered) {
		m.cursor = len(m.snap.Discovered) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// request runs fn against the controller off the update loop.
func (m Model) request(op string, fn func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return requestDoneMsg{op: op, err: fn(ctx)}
	}
}

func describeRequestError(op string, err error) string {
	switch {
	case errors.Is(err, connection.ErrAlreadyBusy):
		return fmt.Sprintf("Cannot %s: another operation is in progress", op)
	case errors.Is(err, connection.ErrUnknownPeripheral):
		return "That cart is no longer in the list; scan again"
	default:
		return fmt.Sprintf("Cannot %s: %v", op, err)
	}
}

// contentHeight returns the usable height for pane content,
// accounting for border chrome and the help bar.
func (m Model) contentHeight() int {
	h := m.height - borderChrome - helpBarHeight
	if h < 1 {
		return 1
	}
	return h
}

// View renders the two-pane layout with help bar.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	leftWidth, rightWidth := PaneWidths(m.width)
	contentHeight := m.contentHeight()

	var leftStyle, rightStyle lipgloss.Style
	if m.focus == PaneDevices {
		leftStyle = FocusedBorder()
		rightStyle = UnfocusedBorder()
	} else {
		leftStyle = UnfocusedBorder()
		rightStyle = FocusedBorder()
	}

	leftStyle = leftStyle.
		Width(leftWidth - borderChrome).
		Height(contentHeight)
	rightStyle = rightStyle.
		Width(rightWidth - borderChrome).
		Height(contentHeight)

	leftPane := leftStyle.Render(m.viewDevices(leftWidth - borderChrome))
	rightPane := rightStyle.Render(m.viewPad())
	panes := lipgloss.JoinHorizontal(lipgloss.Top, leftPane, rightPane)
	helpView := m.help.View(HelpBindings(m.focus))

	return lipgloss.JoinVertical(lipgloss.Left, panes, helpView)
}

// viewDevices renders the peripheral list.
func (m Model) viewDevices(width int) string {
	var b strings.Builder

	title := titleStyle.Render("Carts")
	switch {
	case m.snap.AwaitingPermission:
		title += " " + dimStyle.Render("(asking for Bluetooth access)")
	case m.snap.State == connection.StateScanning:
		title += " " + dimStyle.Render("(scanning)")
	}
	b.WriteString(title + "\n\n")

	if len(m.snap.Discovered) == 0 {
		b.WriteString(dimStyle.Render("No carts found. Press s to scan."))
		return b.String()
	}

	nameWidth := width - 12
	if nameWidth < 4 {
		nameWidth = 4
	}
	for i, p := range m.snap.Discovered {
		prefix := "  "
		if i == m.cursor {
			prefix = "> "
			if m.focus == PaneDevices {
				prefix = cursorStyle.Render(prefix)
			}
		}
		line := fmt.Sprintf("%s%s %-*s %s",
			prefix, m.marker(p), nameWidth, truncate(p.DisplayName(), nameWidth),
			dimStyle.Render(fmt.Sprintf("%4d", p.RSSI)))
		b.WriteString(line + "\n")
	}
	return b.String()
}

// marker flags the connected peripheral and the one being connected to.
func (m Model) marker(p link.Peripheral) string {
	switch {
	case m.snap.State == connection.StateConnected && m.snap.Connected.ID == p.ID:
		return "●"
	case m.snap.Target == p.ID:
		return "…"
	default:
		return " "
	}
}

// viewPad renders the connection line, mode and direction, and the pad.
// Line positions are fixed so that padTop addresses the first pad row.
func (m Model) viewPad() string {
	mode, dir := m.machine.State()
	following := mode == control.ModeFollow

	lines := make([]string, 0, padTop+padRows+3)
	lines = append(lines, m.connectionLine())
	lines = append(lines, fmt.Sprintf("Mode: %s   Direction: %s", modeLabel(mode), dir))
	lines = append(lines, "")
	lines = append(lines, renderPad(dir, following)...)
	lines = append(lines, "")
	if following {
		lines = append(lines, dimStyle.Render(FollowNotice))
	} else {
		lines = append(lines, dimStyle.Render("Hold a direction to drive"))
	}
	if m.isErr {
		lines = append(lines, errorStyle.Render(m.message))
	} else {
		lines = append(lines, m.message)
	}
	return strings.Join(lines, "\n")
}

func (m Model) connectionLine() string {
	switch m.snap.State {
	case connection.StateConnected:
		return fmt.Sprintf("Connected: %s (%d services)", m.snap.Connected.DisplayName(), len(m.snap.Services))
	case connection.StateConnecting:
		return "Connecting to " + m.targetName() + "…"
	case connection.StateDisconnecting:
		return "Disconnecting from " + m.targetName() + "…"
	default:
		return "Not connected"
	}
}

func (m Model) targetName() string {
	if p, ok := m.snap.Peripheral(m.snap.Target); ok {
		return p.DisplayName()
	}
	return m.snap.Target
}

func modeLabel(mode control.Mode) string {
	if mode == control.ModeFollow {
		return "Follow"
	}
	return "Manual"
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
