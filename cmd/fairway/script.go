package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smileynet/fairway/internal/connection"
	"github.com/smileynet/fairway/internal/control"
	"github.com/smileynet/fairway/internal/tui"
)

// Step names shown by the scripted commands.
const (
	stepScan       = "scan"
	stepConnect    = "connect"
	stepDrive      = "drive"
	stepDisconnect = "disconnect"
)

// errCartNotFound reports that a scan ended without seeing the cart.
var errCartNotFound = errors.New("fairway: cart not found")

// lifecycle is the part of the connection manager the scripted commands drive.
type lifecycle interface {
	RequestScan(ctx context.Context) error
	RequestConnect(ctx context.Context, id string) error
	RequestDisconnect(ctx context.Context) error
}

// drainer waits for queued commands to be written.
type drainer interface {
	Drain(ctx context.Context) error
}

// script runs a command sequence against the manager, reporting each step
// to the display bridge.
type script struct {
	lc       lifecycle
	statuses <-chan connection.Status
	bridge   *tui.Bridge
}

// next returns the next manager notification.
func (s script) next(ctx context.Context) (connection.Status, error) {
	select {
	case <-ctx.Done():
		return connection.Status{}, ctx.Err()
	case st, ok := <-s.statuses:
		if !ok {
			return connection.Status{}, connection.ErrClosed
		}
		return st, nil
	}
}

func (s script) step(name string, status tui.StepStatus, detail string) {
	s.bridge.Send(tui.StatusUpdateMsg{Step: name, Status: status, Detail: detail})
}

// scan runs one scan. With want set, it stops at the first advertisement
// from that id (compared case-insensitively) and returns the id as
// advertised; a scan that ends without it fails with errCartNotFound.
func (s script) scan(ctx context.Context, want string) (string, error) {
	s.step(stepScan, tui.StatusRunning, "")
	if err := s.lc.RequestScan(ctx); err != nil {
		s.step(stepScan, tui.StatusFailed, err.Error())
		return "", err
	}

	seen := make(map[string]bool)
	for {
		st, err := s.next(ctx)
		if err != nil {
			s.step(stepScan, tui.StatusFailed, err.Error())
			return "", err
		}
		switch st.Kind {
		case connection.StatusDiscovered:
			p := st.Peripheral
			if !seen[p.ID] {
				seen[p.ID] = true
				s.bridge.Peripheral(tui.PeripheralMsg{ID: p.ID, Name: p.Name, RSSI: p.RSSI})
			}
			if want != "" && strings.EqualFold(p.ID, want) {
				s.step(stepScan, tui.StatusPassed, "found "+p.DisplayName())
				return p.ID, nil
			}
		case connection.StatusPermissionDenied:
			s.step(stepScan, tui.StatusFailed, "Bluetooth access denied")
			return "", st.Err
		case connection.StatusScanStopped:
			if st.Err != nil {
				s.step(stepScan, tui.StatusFailed, st.Err.Error())
				return "", st.Err
			}
			if want != "" {
				s.step(stepScan, tui.StatusFailed, want+" not seen")
				return "", fmt.Errorf("%w: %s", errCartNotFound, want)
			}
			s.step(stepScan, tui.StatusPassed, fmt.Sprintf("%d found", len(st.Snapshot.Discovered)))
			return "", nil
		}
	}
}

// connect connects to id and waits for the outcome.
func (s script) connect(ctx context.Context, id string) error {
	s.step(stepConnect, tui.StatusRunning, id)
	if err := s.lc.RequestConnect(ctx, id); err != nil {
		s.step(stepConnect, tui.StatusFailed, err.Error())
		return err
	}
	for {
		st, err := s.next(ctx)
		if err != nil {
			s.step(stepConnect, tui.StatusFailed, err.Error())
			return err
		}
		switch st.Kind {
		case connection.StatusConnected:
			s.step(stepConnect, tui.StatusPassed, fmt.Sprintf("%s, %d services", st.Peripheral.DisplayName(), len(st.Snapshot.Services)))
			return nil
		case connection.StatusConnectFailed:
			s.step(stepConnect, tui.StatusFailed, "refused")
			return st.Err
		case connection.StatusDisconnected, connection.StatusLinkDropped:
			s.step(stepConnect, tui.StatusFailed, "disconnected")
			return fmt.Errorf("%w: %s", connection.ErrLinkDropped, id)
		}
	}
}

// drive holds d for hold, then ends it by releasing or, with follow set,
// by handing control to follow mode. A dropped link ends the hold early.
func (s script) drive(ctx context.Context, m *control.Machine, q drainer, d control.Direction, hold time.Duration, follow bool) error {
	s.step(stepDrive, tui.StatusRunning, fmt.Sprintf("%s for %s", d, hold))
	m.Press(d)

	timer := time.NewTimer(hold)
	defer timer.Stop()
	for held := true; held; {
		select {
		case <-ctx.Done():
			m.Halt()
			s.step(stepDrive, tui.StatusFailed, "interrupted")
			return ctx.Err()
		case <-timer.C:
			held = false
		case st, ok := <-s.statuses:
			if !ok {
				m.Halt()
				return connection.ErrClosed
			}
			if st.Kind == connection.StatusLinkDropped || st.Kind == connection.StatusDisconnected {
				m.Halt()
				s.step(stepDrive, tui.StatusFailed, "link dropped")
				return fmt.Errorf("%w: %s", connection.ErrLinkDropped, st.Peripheral.ID)
			}
		}
	}

	detail := "released"
	if follow {
		m.SetMode(control.ModeFollow)
		detail = "following"
	} else {
		m.Release(d)
	}
	if err := q.Drain(ctx); err != nil {
		s.step(stepDrive, tui.StatusFailed, err.Error())
		return err
	}
	s.step(stepDrive, tui.StatusPassed, detail)
	return nil
}

// disconnect drops the link and waits until the manager reports it.
func (s script) disconnect(ctx context.Context) error {
	s.step(stepDisconnect, tui.StatusRunning, "")
	if err := s.lc.RequestDisconnect(ctx); err != nil {
		s.step(stepDisconnect, tui.StatusFailed, err.Error())
		return err
	}
	for {
		st, err := s.next(ctx)
		if err != nil {
			s.step(stepDisconnect, tui.StatusFailed, err.Error())
			return err
		}
		switch st.Kind {
		case connection.StatusDisconnected, connection.StatusLinkDropped:
			s.step(stepDisconnect, tui.StatusPassed, "")
			return nil
		case connection.StatusDisconnectFailed:
			s.step(stepDisconnect, tui.StatusFailed, "link still up")
			return st.Err
		}
	}
}

// withDisplay runs fn while display renders the bridge's events, then
// closes the bridge with fn's outcome and waits for the display to finish.
func withDisplay(display tui.Display, bridge *tui.Bridge, fn func() error) error {
	displayDone := make(chan error, 1)
	go func() {
		displayDone <- display.Run(context.Background(), bridge.Events())
	}()

	err := fn()
	if err != nil {
		bridge.Error(err)
	} else {
		bridge.Done()
	}

	// Wait for display to finish (so it releases the terminal).
	<-displayDone
	return err
}
