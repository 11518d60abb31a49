package connection

import (
	"fmt"

	"github.com/smileynet/fairway/internal/link"
)

// State is the manager's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Snapshot is a consistent copy of the manager's state. Slices are owned
// by the snapshot and never mutated after publication.
type Snapshot struct {
	State State
	// Target is the peripheral being connected to or disconnected from.
	Target string
	// Connected is the connected peripheral; its ID is empty when none.
	Connected link.Peripheral
	Services  []link.ServiceDescriptor
	// Discovered is the discovery set sorted by ID.
	Discovered []link.Peripheral
	// AwaitingPermission is set while the permission gate is being asked.
	AwaitingPermission bool
}

func (s *Snapshot) clone() Snapshot {
	c := *s
	c.Services = append([]link.ServiceDescriptor(nil), s.Services...)
	c.Discovered = append([]link.Peripheral(nil), s.Discovered...)
	return c
}

// Peripheral returns the discovered peripheral with id.
func (s Snapshot) Peripheral(id string) (link.Peripheral, bool) {
	for _, p := range s.Discovered {
		if p.ID == id {
			return p, true
		}
	}
	return link.Peripheral{}, false
}

// StatusKind classifies a status notification.
type StatusKind int

const (
	StatusScanStarted StatusKind = iota + 1
	StatusScanStopped
	StatusDiscovered
	StatusConnecting
	StatusConnected
	StatusDisconnected
	StatusPermissionDenied
	StatusConnectFailed
	StatusLinkDropped
	StatusDisconnectFailed
)

func (k StatusKind) String() string {
	switch k {
	case StatusScanStarted:
		return "scan started"
	case StatusScanStopped:
		return "scan stopped"
	case StatusDiscovered:
		return "discovered"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusPermissionDenied:
		return "permission denied"
	case StatusConnectFailed:
		return "connect failed"
	case StatusLinkDropped:
		return "link dropped"
	case StatusDisconnectFailed:
		return "disconnect failed"
	default:
		return fmt.Sprintf("StatusKind(%d)", int(k))
	}
}

// Status is a notification about a lifecycle change.
type Status struct {
	Kind       StatusKind
	Peripheral link.Peripheral // Peripheral concerned, if any.
	Err        error           // Set for PermissionDenied, ConnectFailed, LinkDropped, DisconnectFailed.
	Snapshot   Snapshot        // State after the change.
}

// StatusFunc receives status notifications on the manager goroutine.
// It must not block.
type StatusFunc func(Status)
