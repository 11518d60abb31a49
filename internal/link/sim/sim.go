// Package sim is an in-memory link provider: a fleet of simulated carts
// that advertise, accept connections, expose services, and record the
// frames written to them. It backs `--provider sim` and the tests.
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smileynet/fairway/internal/link"
)

// Sentinel errors for caller-checkable conditions.
var (
	ErrClosed        = errors.New("sim: provider closed")
	ErrUnknown       = errors.New("sim: unknown peripheral")
	ErrNotConnected  = errors.New("sim: peripheral not connected")
	ErrRefused       = errors.New("sim: connection refused")
	ErrScanInProcess = errors.New("sim: scan already in progress")
	ErrStuck         = errors.New("sim: disconnect failed")
)

// Device is one simulated peripheral.
type Device struct {
	Peripheral     link.Peripheral
	Services       []link.ServiceDescriptor
	FailConnect    bool // Connect attempts fail with ErrRefused.
	FailDisconnect bool // Disconnect fails with ErrStuck and the link stays up.
	IgnoreCancel   bool // Connect completes even after the caller gives up.
}

// Provider implements link.Provider in memory.
type Provider struct {
	log     *logrus.Logger
	latency time.Duration
	events  chan link.Event

	mu        sync.Mutex
	fleet     map[string]Device
	order     []string
	connected map[string]bool
	writes    map[string][][]byte
	scanStop  chan struct{} // Non-nil while a scan runs.
	scans     uint64
	listErr   error
	closed    bool
	dropped   int
}

// Option configures a Provider.
type Option func(*Provider)

// WithDevices adds devices to the fleet, in advertisement order.
func WithDevices(devs ...Device) Option {
	return func(p *Provider) {
		for _, d := range devs {
			if _, ok := p.fleet[d.Peripheral.ID]; !ok {
				p.order = append(p.order, d.Peripheral.ID)
			}
			p.fleet[d.Peripheral.ID] = d
		}
	}
}

// WithLatency sets the delay before each advertisement and connect result.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithEventBuffer sets the event channel capacity. Events that do not fit
// are dropped, as a lossy transport would.
func WithEventBuffer(n int) Option {
	return func(p *Provider) { p.events = make(chan link.Event, n) }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// New creates a simulated provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		latency:   10 * time.Millisecond,
		events:    make(chan link.Event, 64),
		fleet:     make(map[string]Device),
		connected: make(map[string]bool),
		writes:    make(map[string][][]byte),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logrus.New()
		p.log.SetOutput(io.Discard)
	}
	return p
}

// Name returns "sim".
func (p *Provider) Name() string { return "sim" }

// Events returns the provider's event stream.
func (p *Provider) Events() <-chan link.Event { return p.events }

// StartScan advertises every fleet device, one per latency tick, until
// duration elapses or StopScan is called, then emits ScanStopped.
func (p *Provider) StartScan(ctx context.Context, duration time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.scanStop != nil {
		return ErrScanInProcess
	}
	stop := make(chan struct{})
	p.scanStop = stop
	p.scans++
	devices := make([]link.Peripheral, 0, len(p.order))
	for _, id := range p.order {
		devices = append(devices, p.fleet[id].Peripheral)
	}
	go p.scan(p.scans, stop, devices, duration)
	return nil
}

func (p *Provider) scan(n uint64, stop chan struct{}, devices []link.Peripheral, duration time.Duration) {
	deadline := time.NewTimer(duration)
	defer deadline.Stop()

	finish := func() {
		p.mu.Lock()
		if p.scanStop == stop {
			p.scanStop = nil
		}
		p.mu.Unlock()
		p.emit(link.ScanStopped{Scan: n})
	}

	for _, d := range devices {
		select {
		case <-time.After(p.latency):
			p.emit(link.Discovered{Peripheral: d})
		case <-deadline.C:
			finish()
			return
		case <-stop:
			finish()
			return
		}
	}
	select {
	case <-deadline.C:
	case <-stop:
	}
	finish()
}

// StopScan ends a running scan. Stopping when no scan runs is a no-op.
func (p *Provider) StopScan() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scanStop != nil {
		close(p.scanStop)
		p.scanStop = nil
	}
	return nil
}

// Connect connects to a fleet device after the configured latency.
func (p *Provider) Connect(ctx context.Context, id string) error {
	p.mu.Lock()
	d, ok := p.fleet[id]
	p.mu.Unlock()

	select {
	case <-time.After(p.latency):
	case <-ctx.Done():
		if !d.IgnoreCancel {
			return ctx.Err()
		}
		<-time.After(p.latency)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	if d.FailConnect {
		return fmt.Errorf("%w: %s", ErrRefused, id)
	}
	p.connected[id] = true
	p.log.WithField("peripheral", id).Debug("sim: connected")
	return nil
}

// ListConnected returns the connected devices sorted by ID.
func (p *Provider) ListConnected(ctx context.Context) ([]link.Peripheral, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	out := make([]link.Peripheral, 0, len(p.connected))
	for id := range p.connected {
		out = append(out, p.fleet[id].Peripheral)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DiscoverServices returns a connected device's services.
func (p *Provider) DiscoverServices(ctx context.Context, id string) ([]link.ServiceDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected[id] {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	return append([]link.ServiceDescriptor(nil), p.fleet[id].Services...), nil
}

// Disconnect drops the link to id and emits Disconnected. Disconnecting
// a device that is not connected is a no-op.
func (p *Provider) Disconnect(ctx context.Context, id string) error {
	p.mu.Lock()
	stuck := p.fleet[id].FailDisconnect && p.connected[id]
	p.mu.Unlock()
	if stuck {
		return fmt.Errorf("%w: %s", ErrStuck, id)
	}
	p.drop(id)
	return nil
}

// Drop simulates the peripheral going out of range.
func (p *Provider) Drop(id string) {
	p.drop(id)
}

// Vanish drops the link to id without emitting an event, as when the
// transport loses the disconnect notification.
func (p *Provider) Vanish(id string) {
	p.mu.Lock()
	delete(p.connected, id)
	p.mu.Unlock()
}

func (p *Provider) drop(id string) {
	p.mu.Lock()
	was := p.connected[id]
	delete(p.connected, id)
	p.mu.Unlock()
	if was {
		p.log.WithField("peripheral", id).Debug("sim: disconnected")
		p.emit(link.Disconnected{ID: id})
	}
}

// Write records payload as written to id's control characteristic.
func (p *Provider) Write(ctx context.Context, id string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected[id] {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	p.writes[id] = append(p.writes[id], append([]byte(nil), payload...))
	return nil
}

// Writes returns the payloads written to id, oldest first.
func (p *Provider) Writes(id string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes[id]))
	copy(out, p.writes[id])
	return out
}

// FailList makes ListConnected fail with err until called with nil.
func (p *Provider) FailList(err error) {
	p.mu.Lock()
	p.listErr = err
	p.mu.Unlock()
}

// Emit injects an arbitrary event, e.g. a duplicate or out-of-order one.
func (p *Provider) Emit(ev link.Event) {
	p.emit(ev)
}

// Dropped returns how many events were lost to a full buffer.
func (p *Provider) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
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
		p.dropped++
		p.log.WithField("event", fmt.Sprintf("%T", ev)).Warn("sim: event buffer full, dropping")
	}
}

// Close stops any scan and closes the event stream. Close is idempotent.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.scanStop != nil {
		close(p.scanStop)
		p.scanStop = nil
	}
	close(p.events)
	return nil
}
