// Package link defines the vocabulary shared by the connection manager and
// the peripheral link providers: peripherals, service descriptors, and the
// asynchronous events a provider emits.
package link

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Peripheral is a discovered or connected radio endpoint.
// ID is the only durable reference; the other fields are advertisement
// metadata that the core stores but does not interpret.
type Peripheral struct {
	ID           string
	Name         string // Empty when the peripheral did not advertise one.
	RSSI         int16
	ServiceUUIDs []string
}

// DisplayName returns the advertised name, or the ID when none was advertised.
func (p Peripheral) DisplayName() string {
	if p.Name == "" {
		return p.ID
	}
	return p.Name
}

// ServiceDescriptor is one service found by post-connect enumeration.
type ServiceDescriptor struct {
	UUID string
}

// bluetoothBase is the Bluetooth SIG base UUID that 16- and 32-bit short
// identifiers expand into.
var bluetoothBase = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// ParseServiceUUID normalizes a service identifier to canonical lower-case
// 128-bit text. Short forms ("fff0", "0x180a", "0000fff0") are expanded
// against the Bluetooth base UUID.
func ParseServiceUUID(s string) (ServiceDescriptor, error) {
	raw := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	switch len(raw) {
	case 4, 8:
		v, err := strconv.ParseUint(raw, 16, 32)
		if err != nil {
			return ServiceDescriptor{}, fmt.Errorf("link: invalid short service uuid %q: %w", s, err)
		}
		u := bluetoothBase
		binary.BigEndian.PutUint32(u[0:4], uint32(v))
		return ServiceDescriptor{UUID: u.String()}, nil
	}
	u, err := uuid.Parse(raw)
	if err != nil {
		return ServiceDescriptor{}, fmt.Errorf("link: invalid service uuid %q: %w", s, err)
	}
	return ServiceDescriptor{UUID: u.String()}, nil
}

// Event is an asynchronous notification from a link provider.
// Providers deliver events in the order they observe them, but the
// transport may drop, duplicate, or reorder them.
type Event interface {
	isLinkEvent()
}

// Verify at compile time that event types implement Event.
var (
	_ Event = ScanStopped{}
	_ Event = Disconnected{}
	_ Event = Discovered{}
	_ Event = ConnectResult{}
)

// ScanStopped reports that the provider's scan ended. Scan numbers the
// provider's successful StartScan calls from 1; zero means the provider
// cannot tell which scan ended.
type ScanStopped struct {
	Scan uint64
}

// Disconnected reports that a link went down. ID is empty when the
// transport cannot tell which peripheral dropped.
type Disconnected struct {
	ID string
}

// Discovered reports an advertisement seen during a scan.
type Discovered struct {
	Peripheral Peripheral
}

// ConnectResult reports the outcome of a connect call.
type ConnectResult struct {
	ID  string
	Err error
}

func (ScanStopped) isLinkEvent()   {}
func (Disconnected) isLinkEvent()  {}
func (Discovered) isLinkEvent()    {}
func (ConnectResult) isLinkEvent() {}
