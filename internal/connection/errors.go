package connection

import (
	"errors"
	"fmt"
)

// Sentinel errors for caller-checkable conditions.
var (
	ErrPermissionDenied  = errors.New("connection: radio access denied")
	ErrConnectFailed     = errors.New("connection: connect failed")
	ErrDisconnectFailed  = errors.New("connection: disconnect failed")
	ErrAlreadyBusy       = errors.New("connection: already busy")
	ErrLinkDropped       = errors.New("connection: link dropped")
	ErrUnknownPeripheral = errors.New("connection: unknown peripheral")
	ErrClosed            = errors.New("connection: manager closed")
)

// ConnectError reports a failed connection attempt. It matches
// ErrConnectFailed under errors.Is.
type ConnectError struct {
	ID  string // Peripheral the attempt targeted.
	Err error  // Provider error.
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connection: connect %s: %s", e.ID, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrConnectFailed.
func (e *ConnectError) Is(target error) bool {
	return target == ErrConnectFailed
}

// DisconnectError reports a disconnect that left the link up. It matches
// ErrDisconnectFailed under errors.Is.
type DisconnectError struct {
	ID  string
	Err error
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("connection: disconnect %s: %s", e.ID, e.Err)
}

func (e *DisconnectError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrDisconnectFailed.
func (e *DisconnectError) Is(target error) bool {
	return target == ErrDisconnectFailed
}
