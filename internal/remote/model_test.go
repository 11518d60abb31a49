package remote

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/exp/teatest"

	"github.com/smileynet/fairway/internal/connection"
	"github.com/smileynet/fairway/internal/control"
	"github.com/smileynet/fairway/internal/link"
)

func connectedSnapshot() connection.Snapshot {
	return connection.Snapshot{
		State:      connection.StateConnected,
		Target:     "AA:BB",
		Connected:  testCarts[0],
		Services:   []link.ServiceDescriptor{{UUID: "0000fff0-0000-1000-8000-00805f9b34fb"}},
		Discovered: testCarts,
	}
}

func TestNewModel_Defaults(t *testing.T) {
	m, _, _ := newTestModel(t, connection.Snapshot{Discovered: testCarts})

	if m.focus != PaneDevices {
		t.Errorf("focus = %d, want PaneDevices", m.focus)
	}
	if len(m.snap.Discovered) != 2 {
		t.Errorf("snapshot not taken from controller: %+v", m.snap)
	}
	if mode, dir := m.machine.State(); mode != control.ModeManual || dir != control.Stopped {
		t.Errorf("machine state = %v/%v, want manual/Stopped", mode, dir)
	}
}

func TestModel_TabTogglesFocus(t *testing.T) {
	m, _, _ := newTestModel(t, connection.Snapshot{})

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focus != PanePad {
		t.Fatalf("after first Tab: focus = %d, want PanePad", m.focus)
	}
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focus != PaneDevices {
		t.Errorf("after second Tab: focus = %d, want PaneDevices", m.focus)
	}
}

func TestModel_QuitHaltsFirst(t *testing.T) {
	m, _, rec := newTestModel(t, connectedSnapshot())
	m.focus = PanePad
	m, _ = update(t, m, keyRune('w'))

	m, cmd := update(t, m, keyRune('q'))
	if cmd == nil {
		t.Fatal("q should return a quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q command should produce tea.QuitMsg")
	}
	if !m.Quitting() {
		t.Error("model should report quitting")
	}
	cmds := rec.commands()
	if len(cmds) != 2 || cmds[1] != control.Stop() {
		t.Errorf("commands = %v, want drive then stop", cmds)
	}
}

func TestModel_ScanKeyRequestsScan(t *testing.T) {
	m, ctrl, _ := newTestModel(t, connection.Snapshot{})

	_, cmd := update(t, m, keyRune('s'))
	if cmd == nil {
		t.Fatal("s should return a request command")
	}
	msg := cmd()
	if done, ok := msg.(requestDoneMsg); !ok || done.op != "scan" || done.err != nil {
		t.Errorf("command produced %#v, want successful scan request", msg)
	}
	if ctrl.scans != 1 {
		t.Errorf("scans = %d, want 1", ctrl.scans)
	}
}

func TestModel_SKeyOnPadDrivesBackward(t *testing.T) {
	m, ctrl, rec := newTestModel(t, connectedSnapshot())
	m.focus = PanePad

	m, _ = update(t, m, keyRune('s'))
	if m.machine.Direction() != control.Backward {
		t.Errorf("direction = %v, want Backward", m.machine.Direction())
	}
	if ctrl.scans != 0 {
		t.Error("s on the pad must not scan")
	}
	if cmds := rec.commands(); len(cmds) != 1 || cmds[0] != control.Drive(control.Backward) {
		t.Errorf("commands = %v", cmds)
	}
}

func TestModel_CursorAndConnect(t *testing.T) {
	m, ctrl, _ := newTestModel(t, connection.Snapshot{Discovered: testCarts})

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyDown}) // clamped at the last row
	if m.cursor != 1 {
		t.Fatalf("cursor = %d, want 1", m.cursor)
	}

	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("enter should return a connect command")
	}
	cmd()
	if len(ctrl.connects) != 1 || ctrl.connects[0] != "CC:DD" {
		t.Errorf("connects = %v, want [CC:DD]", ctrl.connects)
	}

	m, _ = update(t, m, keyRune('k'))
	m, _ = update(t, m, keyRune('k'))
	if m.cursor != 0 {
		t.Errorf("cursor = %d, want 0", m.cursor)
	}
}

func TestModel_EnterWithoutCartsDoesNothing(t *testing.T) {
	m, _, _ := newTestModel(t, connection.Snapshot{})

	if _, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter}); cmd != nil {
		t.Error("enter with an empty list should not issue a request")
	}
}

func TestModel_DisconnectKey(t *testing.T) {
	m, ctrl, _ := newTestModel(t, connectedSnapshot())

	_, cmd := update(t, m, keyRune('x'))
	if cmd == nil {
		t.Fatal("x should return a disconnect command")
	}
	cmd()
	if ctrl.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", ctrl.disconnects)
	}
}

func TestModel_RequestErrorShown(t *testing.T) {
	m, _, _ := newTestModel(t, connection.Snapshot{})

	m, _ = update(t, m, requestDoneMsg{op: "scan", err: connection.ErrAlreadyBusy})
	if !m.isErr || !containsPlainText(m.View(), "another operation is in progress") {
		t.Errorf("busy error not shown, message = %q", m.message)
	}
}

func TestModel_KeyHoldRepeatsAndExpires(t *testing.T) {
	m, _, rec := newTestModel(t, connectedSnapshot())
	m.focus = PanePad

	m, first := update(t, m, tea.KeyMsg{Type: tea.KeyUp})
	m, second := update(t, m, tea.KeyMsg{Type: tea.KeyUp}) // auto-repeat
	if first == nil || second == nil {
		t.Fatal("each press should start a hold timer")
	}
	if cmds := rec.commands(); len(cmds) != 1 {
		t.Fatalf("repeat should not resend, commands = %v", cmds)
	}

	// The first timer is stale once the key repeated.
	m, _ = update(t, m, first())
	if m.machine.Direction() != control.Forward {
		t.Fatal("stale hold timer released the direction")
	}

	m, _ = update(t, m, second())
	if m.machine.Direction() != control.Stopped {
		t.Errorf("direction = %v after hold expired, want Stopped", m.machine.Direction())
	}
	cmds := rec.commands()
	if len(cmds) != 2 || cmds[1] != control.Stop() {
		t.Errorf("commands = %v, want drive then stop", cmds)
	}
}

func TestModel_SwitchDirectionWhileHeld(t *testing.T) {
	m, _, rec := newTestModel(t, connectedSnapshot())
	m.focus = PanePad

	m, _ = update(t, m, keyRune('w'))
	m, _ = update(t, m, keyRune('a'))

	want := []control.Command{control.Drive(control.Forward), control.Drive(control.TurningLeft)}
	cmds := rec.commands()
	if len(cmds) != len(want) {
		t.Fatalf("commands = %v, want %v", cmds, want)
	}
	for i := range want {
		if cmds[i] != want[i] {
			t.Errorf("commands[%d] = %v, want %v", i, cmds[i], want[i])
		}
	}
	if m.machine.Direction() != control.TurningLeft {
		t.Errorf("direction = %v, want Turning Left", m.machine.Direction())
	}
}

func TestModel_SpaceStops(t *testing.T) {
	m, _, rec := newTestModel(t, connectedSnapshot())
	m.focus = PanePad

	m, timer := update(t, m, keyRune('d'))
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}})
	if m.machine.Direction() != control.Stopped {
		t.Fatalf("direction = %v, want Stopped", m.machine.Direction())
	}
	// The pending hold timer must not send a second stop.
	_, _ = update(t, m, timer())
	if cmds := rec.commands(); len(cmds) != 2 {
		t.Errorf("commands = %v, want drive then one stop", cmds)
	}
}

func TestModel_FollowStopsAndDisablesPad(t *testing.T) {
	m, _, rec := newTestModel(t, connectedSnapshot())
	m.focus = PanePad

	m, _ = update(t, m, keyRune('w'))
	m, _ = update(t, m, keyRune('f'))

	want := []control.Command{
		control.Drive(control.Forward),
		control.Stop(),
		control.Announce(control.ModeFollow),
	}
	cmds := rec.commands()
	if len(cmds) != len(want) {
		t.Fatalf("commands = %v, want %v", cmds, want)
	}
	for i := range want {
		if cmds[i] != want[i] {
			t.Errorf("commands[%d] = %v, want %v", i, cmds[i], want[i])
		}
	}

	m, cmd := update(t, m, keyRune('w'))
	if cmd != nil {
		t.Error("press in follow mode should not start a hold timer")
	}
	if len(rec.commands()) != len(want) {
		t.Errorf("press in follow mode sent a command: %v", rec.commands())
	}

	view := m.View()
	if !containsPlainText(view, FollowNotice) {
		t.Error("view should show the follow notice")
	}
	if !containsPlainText(view, "Direction: Stopped") {
		t.Error("view should show the Stopped direction")
	}

	m, _ = update(t, m, keyRune('f'))
	if m.machine.Mode() != control.ModeManual {
		t.Errorf("mode = %v, want manual", m.machine.Mode())
	}
}

func TestModel_BlurHalts(t *testing.T) {
	m, _, rec := newTestModel(t, connectedSnapshot())
	m.focus = PanePad

	m, _ = update(t, m, keyRune('w'))
	m, _ = update(t, m, tea.BlurMsg{})

	if m.machine.Direction() != control.Stopped {
		t.Errorf("direction = %v after blur, want Stopped", m.machine.Direction())
	}
	if cmds := rec.commands(); len(cmds) != 2 || cmds[1] != control.Stop() {
		t.Errorf("commands = %v, want drive then stop", cmds)
	}
}

func TestModel_MousePressAndRelease(t *testing.T) {
	m, _, rec := newTestModel(t, connectedSnapshot())

	x, y := padClick(0, 1) // forward
	m, _ = update(t, m, tea.MouseMsg{X: x, Y: y, Action: tea.MouseActionPress, Button: tea.MouseButtonLeft})
	if m.machine.Direction() != control.Forward {
		t.Fatalf("direction = %v after press, want Forward", m.machine.Direction())
	}
	if m.focus != PanePad {
		t.Error("clicking the pad should focus it")
	}

	// A mouse hold is not subject to the keyboard timeout.
	m, _ = update(t, m, holdExpiredMsg{seq: m.holdSeq})
	if m.machine.Direction() != control.Forward {
		t.Fatal("hold timer released a mouse-held direction")
	}

	m, _ = update(t, m, tea.MouseMsg{X: 0, Y: 0, Action: tea.MouseActionRelease})
	if m.machine.Direction() != control.Stopped {
		t.Errorf("direction = %v after release, want Stopped", m.machine.Direction())
	}
	cmds := rec.commands()
	if len(cmds) != 2 || cmds[0] != control.Drive(control.Forward) || cmds[1] != control.Stop() {
		t.Errorf("commands = %v, want drive forward then stop", cmds)
	}
}

func TestModel_MouseStopButton(t *testing.T) {
	m, _, rec := newTestModel(t, connectedSnapshot())
	m.focus = PanePad
	m, _ = update(t, m, keyRune('a'))

	x, y := padClick(1, 1)
	m, _ = update(t, m, tea.MouseMsg{X: x, Y: y, Action: tea.MouseActionPress, Button: tea.MouseButtonLeft})
	if m.machine.Direction() != control.Stopped {
		t.Errorf("direction = %v, want Stopped", m.machine.Direction())
	}
	if cmds := rec.commands(); len(cmds) != 2 {
		t.Errorf("commands = %v, want drive then stop", cmds)
	}
}

func TestModel_MouseOutsidePadIgnored(t *testing.T) {
	m, _, rec := newTestModel(t, connectedSnapshot())

	m, _ = update(t, m, tea.MouseMsg{X: 3, Y: 3, Action: tea.MouseActionPress, Button: tea.MouseButtonLeft})
	if len(rec.commands()) != 0 || m.focus != PaneDevices {
		t.Errorf("click outside the pad had an effect: %v", rec.commands())
	}
}

func TestModel_StatusConnectedFocusesPad(t *testing.T) {
	m, _, _ := newTestModel(t, connection.Snapshot{Discovered: testCarts})

	m, cmd := update(t, m, StatusMsg{
		Kind:       connection.StatusConnected,
		Peripheral: testCarts[0],
		Snapshot:   connectedSnapshot(),
	})
	if m.focus != PanePad {
		t.Error("connected status should focus the pad")
	}
	if cmd != nil {
		t.Error("without a status channel there is nothing to listen to")
	}
	view := m.View()
	for _, want := range []string{"Connected: Caddy One (1 services)", "Connected to Caddy One", "● Caddy One"} {
		if !containsPlainText(view, want) {
			t.Errorf("view missing %q:\n%s", want, stripANSI(view))
		}
	}
}

func TestModel_StatusLinkDroppedHalts(t *testing.T) {
	m, _, rec := newTestModel(t, connectedSnapshot())
	m.focus = PanePad
	m, _ = update(t, m, keyRune('w'))

	m, _ = update(t, m, StatusMsg{
		Kind:       connection.StatusLinkDropped,
		Peripheral: testCarts[0],
		Err:        connection.ErrLinkDropped,
		Snapshot:   connection.Snapshot{Discovered: testCarts},
	})

	if m.machine.Direction() != control.Stopped {
		t.Errorf("direction = %v, want Stopped", m.machine.Direction())
	}
	if len(rec.commands()) != 2 {
		t.Errorf("commands = %v, want drive then stop", rec.commands())
	}
	if !m.isErr || m.message != "Lost connection to Caddy One" {
		t.Errorf("message = %q (err %v)", m.message, m.isErr)
	}
	if m.focus != PaneDevices {
		t.Error("link drop should return focus to the list")
	}
}

func TestModel_StatusConnectFailedShowsCause(t *testing.T) {
	m, _, _ := newTestModel(t, connection.Snapshot{Discovered: testCarts})

	m, _ = update(t, m, StatusMsg{
		Kind:       connection.StatusConnectFailed,
		Peripheral: testCarts[1],
		Err:        &connection.ConnectError{ID: "CC:DD", Err: errors.New("refused")},
		Snapshot:   connection.Snapshot{Discovered: testCarts},
	})
	if m.message != "Could not connect to CC:DD: refused" {
		t.Errorf("message = %q", m.message)
	}
}

func TestModel_StatusDisconnectFailedKeepsPad(t *testing.T) {
	m, _, _ := newTestModel(t, connection.Snapshot{Discovered: testCarts})
	connected := connection.Snapshot{State: connection.StateConnected, Connected: testCarts[0], Discovered: testCarts}

	m, _ = update(t, m, StatusMsg{
		Kind:       connection.StatusDisconnectFailed,
		Peripheral: testCarts[0],
		Err:        &connection.DisconnectError{ID: "AA:BB", Err: errors.New("stuck")},
		Snapshot:   connected,
	})
	if m.message != "Could not disconnect from Caddy One: stuck" || !m.isErr {
		t.Errorf("message = %q (err %v)", m.message, m.isErr)
	}
	if !containsPlainText(m.View(), "Connected: Caddy One") {
		t.Error("view should still show the cart as connected")
	}
}

func TestModel_StatusShrinksListClampsCursor(t *testing.T) {
	m, _, _ := newTestModel(t, connection.Snapshot{Discovered: testCarts})
	m.cursor = 1

	m, _ = update(t, m, StatusMsg{Kind: connection.StatusScanStarted, Snapshot: connection.Snapshot{State: connection.StateScanning}})
	if m.cursor != 0 {
		t.Errorf("cursor = %d, want 0", m.cursor)
	}
	if !containsPlainText(m.View(), "(scanning)") {
		t.Error("view should show scanning")
	}
}

func TestModel_View(t *testing.T) {
	if got := NewModel(&fakeController{}, nil).View(); got != "Initializing..." {
		t.Errorf("unsized View() = %q", got)
	}

	m, _, _ := newTestModel(t, connection.Snapshot{Discovered: testCarts})
	view := m.View()
	for _, want := range []string{"Carts", "Caddy One", "CC:DD", "-58", "Not connected", "Direction: Stopped", "Mode: Manual"} {
		if !containsPlainText(view, want) {
			t.Errorf("view missing %q:\n%s", want, stripANSI(view))
		}
	}
}

func TestModel_Teatest_StatusFeed(t *testing.T) {
	feed := NewStatusFeed(8)
	ctrl := &fakeController{}
	rec := &recorder{}
	m := NewModel(ctrl, control.NewMachine(rec), WithStatuses(feed.Statuses()))

	tm := teatest.NewTestModel(t, m, teatest.WithInitialTermSize(100, 30))

	feed.Push(connection.Status{
		Kind:     connection.StatusScanStopped,
		Snapshot: connection.Snapshot{Discovered: testCarts},
	})
	feed.Push(connection.Status{
		Kind:       connection.StatusConnected,
		Peripheral: testCarts[0],
		Snapshot:   connectedSnapshot(),
	})

	teatest.WaitFor(t, tm.Output(), func(b []byte) bool {
		return containsPlainText(string(b), "Connected to Caddy One")
	}, teatest.WithDuration(2*time.Second))

	tm.Send(keyRune('w'))
	tm.Send(keyRune('q'))
	tm.WaitFinished(t, teatest.WithFinalTimeout(2*time.Second))

	final := tm.FinalModel(t).(Model)
	if final.focus != PanePad {
		t.Errorf("focus = %d, want PanePad", final.focus)
	}
	if final.machine.Direction() != control.Stopped {
		t.Errorf("direction = %v after quit, want Stopped", final.machine.Direction())
	}
	cmds := rec.commands()
	if len(cmds) != 2 || cmds[0] != control.Drive(control.Forward) || cmds[1] != control.Stop() {
		t.Errorf("commands = %v, want drive forward then stop", cmds)
	}
}

func TestStatusFeed_PushNeverBlocks(t *testing.T) {
	feed := NewStatusFeed(1)
	feed.Push(connection.Status{Kind: connection.StatusScanStarted})
	feed.Push(connection.Status{Kind: connection.StatusScanStopped}) // dropped

	got := <-feed.Statuses()
	if got.Kind != connection.StatusScanStarted {
		t.Errorf("kind = %v, want scan started", got.Kind)
	}
	select {
	case s := <-feed.Statuses():
		t.Errorf("unexpected second status %v", s.Kind)
	default:
	}
}
