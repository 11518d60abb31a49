// Package radio is the link provider for a real Bluetooth LE adapter,
// built on tinygo.org/x/bluetooth. Connected-device queries go to BlueZ
// over D-Bus when it is available.
package radio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/smileynet/fairway/internal/bluez"
	"github.com/smileynet/fairway/internal/link"
)

// Sentinel errors for caller-checkable conditions.
var (
	ErrClosed        = errors.New("radio: provider closed")
	ErrNotSeen       = errors.New("radio: peripheral not seen in a scan")
	ErrNotConnected  = errors.New("radio: peripheral not connected")
	ErrNoControl     = errors.New("radio: control characteristic not found")
	ErrScanInProcess = errors.New("radio: scan already in progress")
)

// ConnectedLister reports the devices the system considers connected.
// *bluez.Client satisfies it.
type ConnectedLister interface {
	ConnectedDevices() ([]bluez.Device, error)
}

type conn struct {
	peripheral link.Peripheral
	device     bluetooth.Device
	control    bluetooth.DeviceCharacteristic
	hasControl bool
}

// Provider implements link.Provider over a bluetooth.Adapter.
type Provider struct {
	adapter        *bluetooth.Adapter
	system         ConnectedLister
	log            *logrus.Logger
	controlService bluetooth.UUID
	controlChar    bluetooth.UUID
	events         chan link.Event

	mu       sync.Mutex
	seen     map[string]bluetooth.Address
	names    map[string]string
	conns    map[string]*conn
	scanning bool
	scans    uint64
	timer    *time.Timer
	closed   bool
}

// Option configures a Provider.
type Option func(*Provider)

// WithAdapter selects the adapter. The default is bluetooth.DefaultAdapter.
func WithAdapter(a *bluetooth.Adapter) Option {
	return func(p *Provider) { p.adapter = a }
}

// WithSystem sets the source of truth for connected devices.
func WithSystem(l ConnectedLister) Option {
	return func(p *Provider) { p.system = l }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// WithEventBuffer sets the event channel capacity.
func WithEventBuffer(n int) Option {
	return func(p *Provider) { p.events = make(chan link.Event, n) }
}

// New enables the adapter and returns a provider that writes commands to
// controlChar inside controlService.
func New(controlService, controlChar string, opts ...Option) (*Provider, error) {
	svc, err := bluetooth.ParseUUID(controlService)
	if err != nil {
		return nil, fmt.Errorf("radio: control service %q: %w", controlService, err)
	}
	chr, err := bluetooth.ParseUUID(controlChar)
	if err != nil {
		return nil, fmt.Errorf("radio: control characteristic %q: %w", controlChar, err)
	}

	p := &Provider{
		adapter:        bluetooth.DefaultAdapter,
		controlService: svc,
		controlChar:    chr,
		events:         make(chan link.Event, 64),
		seen:           make(map[string]bluetooth.Address),
		names:          make(map[string]string),
		conns:          make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logrus.New()
		p.log.SetOutput(io.Discard)
	}

	if err := p.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("radio: enabling adapter: %w", err)
	}
	p.adapter.SetConnectHandler(p.onConnectChange)
	return p, nil
}

// Name returns "radio".
func (p *Provider) Name() string { return "radio" }

// Events returns the provider's event stream.
func (p *Provider) Events() <-chan link.Event { return p.events }

func (p *Provider) onConnectChange(device bluetooth.Device, connected bool) {
	id := device.Address.String()
	if connected {
		p.log.WithField("peripheral", id).Debug("radio: link up")
		return
	}
	p.mu.Lock()
	delete(p.conns, id)
	p.mu.Unlock()
	p.log.WithField("peripheral", id).Debug("radio: link down")
	p.emit(link.Disconnected{ID: id})
}

// StartScan scans in the background for duration. Advertisements arrive
// as Discovered events and the end of the scan as ScanStopped.
func (p *Provider) StartScan(ctx context.Context, duration time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.scanning {
		return ErrScanInProcess
	}
	p.scanning = true
	p.scans++
	n := p.scans
	p.timer = time.AfterFunc(duration, func() { _ = p.adapter.StopScan() })

	go func() {
		err := p.adapter.Scan(p.onScanResult)
		if err != nil {
			p.log.WithError(err).Warn("radio: scan ended with error")
		}
		p.mu.Lock()
		p.scanning = false
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
		p.mu.Unlock()
		p.emit(link.ScanStopped{Scan: n})
	}()
	return nil
}

func (p *Provider) onScanResult(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
	id := result.Address.String()
	per := link.Peripheral{ID: id, Name: result.LocalName(), RSSI: result.RSSI}
	if result.HasServiceUUID(p.controlService) {
		per.ServiceUUIDs = []string{p.controlService.String()}
	}

	p.mu.Lock()
	p.seen[id] = result.Address
	if per.Name != "" {
		p.names[id] = per.Name
	}
	p.mu.Unlock()
	p.emit(link.Discovered{Peripheral: per})
}

// StopScan ends a running scan.
func (p *Provider) StopScan() error {
	p.mu.Lock()
	scanning := p.scanning
	p.mu.Unlock()
	if !scanning {
		return nil
	}
	if err := p.adapter.StopScan(); err != nil {
		return fmt.Errorf("radio: stop scan: %w", err)
	}
	return nil
}

// Connect connects to a peripheral seen in a scan. If ctx ends first the
// late connection, should it succeed, is torn down.
func (p *Provider) Connect(ctx context.Context, id string) error {
	p.mu.Lock()
	addr, ok := p.seen[id]
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSeen, id)
	}

	type outcome struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		d, err := p.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- outcome{device: d, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			return fmt.Errorf("radio: connect %s: %w", id, o.err)
		}
		p.mu.Lock()
		p.conns[id] = &conn{
			peripheral: link.Peripheral{ID: id, Name: p.names[id]},
			device:     o.device,
		}
		p.mu.Unlock()
		return nil
	case <-ctx.Done():
		go func() {
			if o := <-ch; o.err == nil {
				_ = o.device.Disconnect()
			}
		}()
		return ctx.Err()
	}
}

// ListConnected asks the system when a lister is configured, falling back
// to the connections this provider made.
func (p *Provider) ListConnected(ctx context.Context) ([]link.Peripheral, error) {
	if p.system != nil {
		devs, err := p.system.ConnectedDevices()
		if err == nil {
			return fromSystem(devs), nil
		}
		p.log.WithError(err).Debug("radio: system connected query failed, using local table")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]link.Peripheral, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c.peripheral)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// fromSystem converts BlueZ devices to peripherals.
func fromSystem(devs []bluez.Device) []link.Peripheral {
	out := make([]link.Peripheral, 0, len(devs))
	for _, d := range devs {
		if !d.Connected {
			continue
		}
		out = append(out, link.Peripheral{ID: d.Address, Name: d.Name})
	}
	return out
}

// DiscoverServices enumerates a connected peripheral's services and
// resolves the control characteristic.
func (p *Provider) DiscoverServices(ctx context.Context, id string) ([]link.ServiceDescriptor, error) {
	c, err := p.conn(id)
	if err != nil {
		return nil, err
	}
	services, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("radio: discover services on %s: %w", id, err)
	}

	out := make([]link.ServiceDescriptor, 0, len(services))
	for _, svc := range services {
		out = append(out, link.ServiceDescriptor{UUID: svc.UUID().String()})
		if svc.UUID() != p.controlService {
			continue
		}
		chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{p.controlChar})
		if err != nil || len(chars) == 0 {
			p.log.WithField("peripheral", id).WithError(err).Warn("radio: control characteristic missing")
			continue
		}
		p.mu.Lock()
		c.control = chars[0]
		c.hasControl = true
		p.mu.Unlock()
	}
	return out, nil
}

// Write sends payload to the control characteristic without response.
func (p *Provider) Write(ctx context.Context, id string, payload []byte) error {
	c, err := p.conn(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	ch, ok := c.control, c.hasControl
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoControl, id)
	}
	if _, err := ch.WriteWithoutResponse(payload); err != nil {
		return fmt.Errorf("radio: write %s: %w", id, err)
	}
	return nil
}

// Disconnect tears down the link to id. Unknown ids are a no-op.
func (p *Provider) Disconnect(ctx context.Context, id string) error {
	p.mu.Lock()
	c, ok := p.conns[id]
	delete(p.conns, id)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := c.device.Disconnect(); err != nil {
		return fmt.Errorf("radio: disconnect %s: %w", id, err)
	}
	p.emit(link.Disconnected{ID: id})
	return nil
}

func (p *Provider) conn(id string) (*conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	return c, nil
}

func (p *Provider) emit(ev link.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.log.WithField("event", fmt.Sprintf("%T", ev)).Warn("radio: event buffer full, dropping")
	}
}

// Close stops scanning, drops every link and closes the event stream.
func (p *Provider) Close() error {
	_ = p.StopScan()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	conns := p.conns
	p.conns = make(map[string]*conn)
	p.mu.Unlock()

	var errs []error
	for id, c := range conns {
		if err := c.device.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("radio: disconnect %s: %w", id, err))
		}
	}

	p.mu.Lock()
	p.closed = true
	close(p.events)
	p.mu.Unlock()
	return errors.Join(errs...)
}
