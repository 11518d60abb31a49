package remote

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/smileynet/fairway/internal/connection"
	"github.com/smileynet/fairway/internal/control"
	"github.com/smileynet/fairway/internal/link"
)

// stripANSI removes ANSI escape sequences from a string.
func stripANSI(s string) string {
	var out []byte
	i := 0
	for i < len(s) {
		if s[i] == '\x1b' && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && (s[j] < 'A' || s[j] > 'Z') && (s[j] < 'a' || s[j] > 'z') {
				j++
			}
			if j < len(s) {
				j++
			}
			i = j
		} else {
			out = append(out, s[i])
			i++
		}
	}
	return string(out)
}

// containsPlainText checks if s contains sub after stripping ANSI escapes.
func containsPlainText(s, sub string) bool {
	return strings.Contains(stripANSI(s), sub)
}

// fakeController records requests. Requests run on command goroutines,
// hence the mutex.
type fakeController struct {
	mu          sync.Mutex
	snap        connection.Snapshot
	err         error
	scans       int
	connects    []string
	disconnects int
}

func (f *fakeController) Snapshot() connection.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeController) RequestScan(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	return f.err
}

func (f *fakeController) RequestConnect(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, id)
	return f.err
}

func (f *fakeController) RequestDisconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return f.err
}

// recorder is a control.Dispatcher that keeps every command.
type recorder struct {
	mu   sync.Mutex
	cmds []control.Command
}

func (r *recorder) Send(c control.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, c)
}

func (r *recorder) commands() []control.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]control.Command(nil), r.cmds...)
}

var testCarts = []link.Peripheral{
	{ID: "AA:BB", Name: "Caddy One", RSSI: -58},
	{ID: "CC:DD", RSSI: -71},
}

// newTestModel returns a sized model over a fake controller and a
// recording dispatcher, with a short hold timeout.
func newTestModel(t *testing.T, snap connection.Snapshot) (Model, *fakeController, *recorder) {
	t.Helper()
	ctrl := &fakeController{snap: snap}
	rec := &recorder{}
	m := NewModel(ctrl, control.NewMachine(rec), WithHoldTimeout(5*time.Millisecond))
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return updated.(Model), ctrl, rec
}

func keyRune(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

// padClick returns screen coordinates of the pad button at (row, col)
// for a 100-column terminal.
func padClick(row, col int) (x, y int) {
	left, _ := PaneWidths(100)
	return left + 1 + padLeft + col*(buttonWidth+buttonGap) + 2, 1 + padTop + row
}
