package control

// Dispatcher receives the commands the machine emits. Send must not block
// for long: it is called from the UI loop.
type Dispatcher interface {
	Send(cmd Command)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(cmd Command)

// Send calls f(cmd).
func (f DispatchFunc) Send(cmd Command) { f(cmd) }

// Machine owns the (Mode, Direction) pair.
//
// It is not safe for concurrent use; confine it to a single goroutine
// (e.g., the Bubble Tea update loop).
type Machine struct {
	mode       Mode
	direction  Direction
	dispatcher Dispatcher
}

// NewMachine returns a Machine in manual mode with no active direction.
// A nil dispatcher discards commands.
func NewMachine(d Dispatcher) *Machine {
	if d == nil {
		d = DispatchFunc(func(Command) {})
	}
	return &Machine{dispatcher: d}
}

// State returns the current mode and direction.
func (m *Machine) State() (Mode, Direction) {
	return m.mode, m.direction
}

// Mode returns the current mode.
func (m *Machine) Mode() Mode { return m.mode }

// Direction returns the current direction.
func (m *Machine) Direction() Direction { return m.direction }

// Press starts direction d and reports whether a command was sent.
// Presses are dropped, not queued, while following. Pressing the active
// direction again (key repeat) is a no-op.
func (m *Machine) Press(d Direction) bool {
	if d == Stopped || m.mode == ModeFollow {
		return false
	}
	if m.direction == d {
		return false
	}
	m.direction = d
	m.dispatcher.Send(Drive(d))
	return true
}

// Release ends the active direction and reports whether a stop was sent.
// Any release while a direction is active returns to Stopped, even when
// d is not the active direction.
func (m *Machine) Release(Direction) bool {
	return m.stop()
}

// Halt stops any active direction. Used when the control loses focus,
// the link drops, or the program exits.
func (m *Machine) Halt() bool {
	return m.stop()
}

// ToggleMode flips between manual and follow and returns the new mode.
func (m *Machine) ToggleMode() Mode {
	if m.mode == ModeManual {
		m.SetMode(ModeFollow)
	} else {
		m.SetMode(ModeManual)
	}
	return m.mode
}

// SetMode switches to mode. Entering follow stops an active direction
// before the mode changes. Setting the current mode is a no-op.
func (m *Machine) SetMode(mode Mode) {
	if mode == m.mode {
		return
	}
	if mode == ModeFollow {
		m.stop()
	}
	m.mode = mode
	m.dispatcher.Send(Announce(mode))
}

// stop is the single path that ends a direction.
func (m *Machine) stop() bool {
	if m.direction == Stopped {
		return false
	}
	m.direction = Stopped
	m.dispatcher.Send(Stop())
	return true
}
