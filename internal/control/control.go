// Package control implements the command mode state machine: the
// manual/follow exclusivity and the press/release direction state that
// turn UI intents into discrete outbound commands.
package control

import "fmt"

// Mode is the active control mode.
type Mode int

const (
	ModeManual Mode = iota // Directional input drives the cart.
	ModeFollow             // The cart follows autonomously; manual input is inert.
)

func (m Mode) String() string {
	switch m {
	case ModeManual:
		return "manual"
	case ModeFollow:
		return "follow"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Direction is the active manual direction. Stopped is the zero value and
// the only resting value; it can never be held.
type Direction int

const (
	Stopped Direction = iota
	Forward
	Backward
	TurningLeft
	TurningRight
)

// Directions lists the holdable directions in pad order.
var Directions = []Direction{Forward, TurningLeft, TurningRight, Backward}

func (d Direction) String() string {
	switch d {
	case Stopped:
		return "Stopped"
	case Forward:
		return "Forward"
	case Backward:
		return "Backward"
	case TurningLeft:
		return "Turning Left"
	case TurningRight:
		return "Turning Right"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ParseDirection maps a user-facing name to a holdable Direction.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "forward", "up", "fwd":
		return Forward, nil
	case "backward", "back", "down":
		return Backward, nil
	case "left":
		return TurningLeft, nil
	case "right":
		return TurningRight, nil
	default:
		return Stopped, fmt.Errorf("control: unknown direction %q (want forward, backward, left or right)", s)
	}
}

// CommandKind distinguishes outbound command events.
type CommandKind int

const (
	CommandDrive CommandKind = iota + 1 // Start moving in Direction.
	CommandStop                         // Stop moving.
	CommandMode                         // Announce the control mode.
)

func (k CommandKind) String() string {
	switch k {
	case CommandDrive:
		return "drive"
	case CommandStop:
		return "stop"
	case CommandMode:
		return "mode"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Command is one discrete instruction for the connected peripheral.
type Command struct {
	Kind      CommandKind
	Direction Direction // Set for CommandDrive.
	Mode      Mode      // Set for CommandMode.
}

// Drive returns a start command for d.
func Drive(d Direction) Command { return Command{Kind: CommandDrive, Direction: d} }

// Stop returns a stop command.
func Stop() Command { return Command{Kind: CommandStop} }

// Announce returns a mode announcement.
func Announce(m Mode) Command { return Command{Kind: CommandMode, Mode: m} }

func (c Command) String() string {
	switch c.Kind {
	case CommandDrive:
		return "drive " + c.Direction.String()
	case CommandMode:
		return "mode " + c.Mode.String()
	default:
		return c.Kind.String()
	}
}
