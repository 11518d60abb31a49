// Package remote implements the interactive two-pane remote control:
// discovered peripherals on the left, the direction pad on the right.
// Separate from internal/tui which renders the scripted commands.
package remote

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/smileynet/fairway/internal/connection"
)

// Focus represents which pane has keyboard focus.
type Focus int

const (
	PaneDevices Focus = iota // Peripheral list has focus.
	PanePad                  // Direction pad has focus.
)

// --- Consumer-side interfaces ---

// Controller is the part of the connection manager the remote drives.
// *connection.Manager satisfies it.
type Controller interface {
	Snapshot() connection.Snapshot
	RequestScan(ctx context.Context) error
	RequestConnect(ctx context.Context, id string) error
	RequestDisconnect(ctx context.Context) error
}

// --- tea.Msg types ---

// StatusMsg carries a lifecycle notification from the manager.
type StatusMsg connection.Status

// requestDoneMsg carries the result of a Controller request.
type requestDoneMsg struct {
	op  string
	err error
}

// holdExpiredMsg fires when a keyboard-held direction has not been
// repeated within the hold timeout. Only the latest seq is honoured.
type holdExpiredMsg struct {
	seq int
}

// statusClosedMsg signals that the status channel was closed.
type statusClosedMsg struct{}

// Listen waits for the next status on ch.
func Listen(ch <-chan connection.Status) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return statusClosedMsg{}
		}
		return StatusMsg(s)
	}
}

// StatusFeed buffers manager notifications for the UI. Its Push method
// is a connection.StatusFunc: it never blocks and drops a notification
// when the buffer is full, since each status carries a full snapshot.
type StatusFeed struct {
	ch chan connection.Status
}

// NewStatusFeed returns a feed buffering up to size notifications.
func NewStatusFeed(size int) *StatusFeed {
	if size < 1 {
		size = 1
	}
	return &StatusFeed{ch: make(chan connection.Status, size)}
}

// Push queues s without blocking.
func (f *StatusFeed) Push(s connection.Status) {
	select {
	case f.ch <- s:
	default:
	}
}

// Statuses returns the read side of the feed.
func (f *StatusFeed) Statuses() <-chan connection.Status {
	return f.ch
}
