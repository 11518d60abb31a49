// Package connection owns the peripheral connection lifecycle: scanning,
// the discovery set, connecting, service discovery, link monitoring and
// disconnecting. All state is mutated by a single goroutine (Run); callers
// talk to it through requests and read it through snapshots.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smileynet/fairway/internal/link"
	"github.com/smileynet/fairway/internal/permission"
)

// errNotListed is the connect failure when the provider accepted the
// connect call but does not report the link afterwards.
var errNotListed = errors.New("provider does not report the peripheral as connected")

// errStillListed is the disconnect failure when the provider accepted the
// disconnect call but still reports the link.
var errStillListed = errors.New("provider still reports the peripheral as connected")

// Manager is the connection lifecycle manager.
type Manager struct {
	provider link.Provider
	gate     permission.Gate
	log      *logrus.Logger
	onStatus StatusFunc

	scanTimeout     time.Duration
	connectTimeout  time.Duration
	monitorInterval time.Duration

	requests chan request
	results  chan result
	done     chan struct{}
	started  atomic.Bool
	snap     atomic.Pointer[Snapshot]

	// Owned by the Run goroutine.
	ctx        context.Context
	state      State
	target     string
	connected  link.Peripheral
	services   []link.ServiceDescriptor
	discovered map[string]link.Peripheral
	granted    bool
	awaiting   bool
	scanGen    uint64
	scanID     uint64 // Provider scan number of the latest started scan.
	endedScan  uint64 // Provider scan number the manager already ended.
	attempt    *attempt
	monitoring bool
}

// attempt is one outstanding provider connect call. It stays set until
// the provider answers, even if the manager has moved on.
type attempt struct {
	peripheral link.Peripheral
	cancel     context.CancelFunc
	cancelled  bool
}

type requestKind int

const (
	reqScan requestKind = iota
	reqConnect
	reqDisconnect
)

type request struct {
	kind  requestKind
	id    string
	reply chan error
}

// result is the outcome of work done off the manager goroutine.
type result interface {
	isResult()
}

type permissionResult struct {
	granted bool
	err     error
}

type scanTimeout struct {
	gen uint64
}

type connectResult struct {
	attempt  *attempt
	services []link.ServiceDescriptor
	err      error
}

type reconcileResult struct {
	attempt    *attempt
	services   []link.ServiceDescriptor
	connectErr error
	listed     bool
	err        error
}

type disconnectResult struct {
	id       string
	attempt  *attempt // Set when disconnecting a link left by a cancelled attempt.
	services []link.ServiceDescriptor
	err      error
	listed   bool
	listErr  error
}

type monitorResult struct {
	id     string
	listed bool
	err    error
}

func (permissionResult) isResult() {}
func (scanTimeout) isResult()      {}
func (connectResult) isResult()    {}
func (reconcileResult) isResult()  {}
func (disconnectResult) isResult() {}
func (monitorResult) isResult()    {}

// Option configures a Manager.
type Option func(*Manager)

// WithScanTimeout bounds each scan.
func WithScanTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.scanTimeout = d
		}
	}
}

// WithConnectTimeout bounds each provider connect call.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

// WithMonitorInterval sets how often a connected link is checked against
// the provider.
func WithMonitorInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.monitorInterval = d
		}
	}
}

// WithEventBuffer sets the capacity of the request and result queues.
func WithEventBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.requests = make(chan request, n)
			m.results = make(chan result, n)
		}
	}
}

// WithStatusFunc registers a status callback.
func WithStatusFunc(f StatusFunc) Option {
	return func(m *Manager) { m.onStatus = f }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// New creates a Manager over provider, asking gate before the first scan.
func New(provider link.Provider, gate permission.Gate, opts ...Option) *Manager {
	m := &Manager{
		provider:        provider,
		gate:            gate,
		scanTimeout:     5 * time.Second,
		connectTimeout:  10 * time.Second,
		monitorInterval: 2 * time.Second,
		requests:        make(chan request, 32),
		results:         make(chan result, 32),
		done:            make(chan struct{}),
		discovered:      make(map[string]link.Peripheral),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logrus.New()
		m.log.SetOutput(io.Discard)
	}
	if m.onStatus == nil {
		m.onStatus = func(Status) {}
	}
	m.snap.Store(&Snapshot{})
	return m
}

// Snapshot returns the most recently published state.
func (m *Manager) Snapshot() Snapshot {
	return m.snap.Load().clone()
}

// ConnectedID returns the connected peripheral's ID.
func (m *Manager) ConnectedID() (string, bool) {
	s := m.snap.Load()
	if s.State != StateConnected {
		return "", false
	}
	return s.Connected.ID, true
}

// Done is closed when Run returns.
func (m *Manager) Done() <-chan struct{} { return m.done }

// RequestScan starts a scan. The first scan asks the permission gate;
// the scan begins once access is granted.
func (m *Manager) RequestScan(ctx context.Context) error {
	return m.do(ctx, request{kind: reqScan})
}

// RequestConnect connects to a discovered peripheral.
func (m *Manager) RequestConnect(ctx context.Context, id string) error {
	return m.do(ctx, request{kind: reqConnect, id: id})
}

// RequestDisconnect drops the current link or abandons a connect attempt.
func (m *Manager) RequestDisconnect(ctx context.Context) error {
	return m.do(ctx, request{kind: reqDisconnect})
}

func (m *Manager) do(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case m.requests <- req:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-m.done:
		select {
		case err := <-req.reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes requests, provider events and async results until ctx is
// cancelled. It must be called exactly once.
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("connection: Run called more than once")
	}
	defer close(m.done)
	m.ctx = ctx

	ticker := time.NewTicker(m.monitorInterval)
	defer ticker.Stop()

	events := m.provider.Events()
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case req := <-m.requests:
			req.reply <- m.handleRequest(req)
		case ev, ok := <-events:
			if !ok {
				m.log.Warn("connection: provider event stream closed")
				events = nil
				continue
			}
			m.handleEvent(ev)
		case r := <-m.results:
			m.handleResult(r)
		case <-ticker.C:
			m.monitor()
		}
	}
}

func (m *Manager) handleRequest(req request) error {
	switch req.kind {
	case reqScan:
		return m.requestScan()
	case reqConnect:
		return m.requestConnect(req.id)
	case reqDisconnect:
		return m.requestDisconnect()
	}
	return fmt.Errorf("connection: unknown request %d", req.kind)
}

func (m *Manager) handleEvent(ev link.Event) {
	switch ev := ev.(type) {
	case link.Discovered:
		m.onDiscovered(ev.Peripheral)
	case link.ScanStopped:
		m.onScanStopped(ev.Scan)
	case link.Disconnected:
		m.onDisconnected(ev.ID)
	case link.ConnectResult:
		// Connect outcomes are taken from the connect call itself.
		m.log.WithField("peripheral", ev.ID).Debug("connection: ignoring provider connect event")
	}
}

func (m *Manager) handleResult(r result) {
	switch r := r.(type) {
	case permissionResult:
		m.onPermission(r)
	case scanTimeout:
		m.onScanTimeout(r.gen)
	case connectResult:
		m.onConnectResult(r)
	case reconcileResult:
		m.onReconcile(r)
	case disconnectResult:
		m.onDisconnectResult(r)
	case monitorResult:
		m.onMonitor(r)
	}
}

// --- scanning ---

func (m *Manager) requestScan() error {
	if m.state != StateIdle || m.awaiting || m.attempt != nil {
		return ErrAlreadyBusy
	}
	clear(m.discovered)
	if !m.granted {
		m.awaiting = true
		m.publish()
		m.log.Debug("connection: asking for radio access")
		go m.askPermission(m.ctx)
		return nil
	}
	m.startScan()
	return nil
}

func (m *Manager) askPermission(ctx context.Context) {
	granted, err := m.gate.RequestAccess(ctx)
	m.post(permissionResult{granted: granted, err: err})
}

func (m *Manager) onPermission(r permissionResult) {
	m.awaiting = false
	if r.err != nil || !r.granted {
		err := ErrPermissionDenied
		if r.err != nil {
			err = fmt.Errorf("%w: %w", ErrPermissionDenied, r.err)
		}
		m.log.WithError(err).Warn("connection: radio access denied")
		clear(m.discovered)
		m.publish()
		m.notify(StatusPermissionDenied, link.Peripheral{}, err)
		return
	}
	m.granted = true
	if m.state != StateIdle {
		m.log.WithField("state", m.state).Debug("connection: access granted after leaving idle, not scanning")
		m.publish()
		return
	}
	m.startScan()
}

func (m *Manager) startScan() {
	clear(m.discovered)
	if err := m.provider.StartScan(m.ctx, m.scanTimeout); err != nil {
		m.log.WithError(err).Warn("connection: start scan failed")
		m.publish()
		m.notify(StatusScanStopped, link.Peripheral{}, fmt.Errorf("connection: start scan: %w", err))
		return
	}
	m.state = StateScanning
	m.scanID++
	m.scanGen++
	gen := m.scanGen
	time.AfterFunc(m.scanTimeout, func() { m.post(scanTimeout{gen: gen}) })
	m.log.WithField("timeout", m.scanTimeout).Info("connection: scan started")
	m.publish()
	m.notify(StatusScanStarted, link.Peripheral{}, nil)
}

// stopScan ends the running scan from the manager side. The provider's
// ScanStopped for it is still to come and is ignored.
func (m *Manager) stopScan() {
	if err := m.provider.StopScan(); err != nil {
		m.log.WithError(err).Warn("connection: stop scan failed")
	}
	m.endedScan = m.scanID
	m.scanGen++
}

func (m *Manager) onScanTimeout(gen uint64) {
	if m.state != StateScanning || gen != m.scanGen {
		return
	}
	m.stopScan()
	m.endScan()
}

// onScanStopped ends the running scan when the stop belongs to it. Stops
// for earlier scans, and repeats of one already handled, are no-ops. An
// untagged stop is taken to be for the latest scan.
func (m *Manager) onScanStopped(scan uint64) {
	if scan == 0 {
		scan = m.scanID
	}
	if m.state != StateScanning || scan != m.scanID || scan == m.endedScan {
		m.log.WithField("scan", scan).Debug("connection: ignoring stale scan stop")
		return
	}
	m.endedScan = scan
	m.scanGen++
	m.endScan()
}

func (m *Manager) endScan() {
	m.state = StateIdle
	m.log.WithField("discovered", len(m.discovered)).Info("connection: scan stopped")
	m.publish()
	m.notify(StatusScanStopped, link.Peripheral{}, nil)
}

func (m *Manager) onDiscovered(p link.Peripheral) {
	if m.state != StateScanning && m.state != StateIdle {
		m.log.WithFields(logrus.Fields{"peripheral": p.ID, "state": m.state}).Debug("connection: ignoring advertisement")
		return
	}
	p.ServiceUUIDs = append([]string(nil), p.ServiceUUIDs...)
	m.discovered[p.ID] = p
	m.publish()
	m.notify(StatusDiscovered, p, nil)
}

// --- connecting ---

func (m *Manager) requestConnect(id string) error {
	switch {
	case m.state == StateConnecting, m.state == StateConnected, m.state == StateDisconnecting:
		return ErrAlreadyBusy
	case m.attempt != nil:
		return ErrAlreadyBusy
	}
	p, ok := m.discovered[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeripheral, id)
	}
	if m.state == StateScanning {
		m.stopScan()
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.connectTimeout)
	a := &attempt{peripheral: p, cancel: cancel}
	m.attempt = a
	m.state = StateConnecting
	m.target = id
	m.log.WithField("peripheral", id).Info("connection: connecting")
	m.publish()
	m.notify(StatusConnecting, p, nil)

	go m.connect(ctx, a)
	return nil
}

// connect runs the provider connect call, then confirms the link and
// enumerates services. Exactly one connectResult is posted.
func (m *Manager) connect(ctx context.Context, a *attempt) {
	defer a.cancel()
	id := a.peripheral.ID
	res := connectResult{attempt: a}

	err := m.provider.Connect(ctx, id)
	if err == nil {
		var listed bool
		listed, err = m.listed(ctx, id)
		if err == nil && !listed {
			err = errNotListed
		}
		if err == nil {
			res.services, err = m.provider.DiscoverServices(ctx, id)
		}
		if err != nil {
			m.dropLink(id)
		}
	}
	res.err = err
	m.post(res)
}

func (m *Manager) onConnectResult(r connectResult) {
	a := r.attempt
	if m.attempt == a {
		m.attempt = nil
	}
	id := a.peripheral.ID
	entry := m.log.WithField("peripheral", id)

	if !a.cancelled && m.state == StateConnecting && m.target == id {
		if r.err != nil {
			err := &ConnectError{ID: id, Err: r.err}
			entry.WithError(r.err).Warn("connection: connect failed")
			m.toIdle()
			m.publish()
			m.notify(StatusConnectFailed, a.peripheral, err)
			return
		}
		m.toConnected(a.peripheral, r.services)
		return
	}

	// The attempt was cancelled or overtaken while the provider worked.
	entry.WithError(r.err).Debug("connection: stale connect attempt, reconciling")
	go m.reconcile(m.ctx, a, r)
}

func (m *Manager) reconcile(ctx context.Context, a *attempt, r connectResult) {
	listed, err := m.listed(ctx, a.peripheral.ID)
	m.post(reconcileResult{attempt: a, services: r.services, connectErr: r.err, listed: listed, err: err})
}

func (m *Manager) onReconcile(r reconcileResult) {
	a := r.attempt
	id := a.peripheral.ID
	entry := m.log.WithFields(logrus.Fields{"peripheral": id, "listed": r.listed})
	if r.err != nil {
		entry.WithError(r.err).Warn("connection: reconcile query failed")
	}
	// Without an answer from the provider, a successful connect call means
	// the link may be up.
	mayBeUp := r.listed || (r.err != nil && r.connectErr == nil)

	switch {
	case a.cancelled && mayBeUp:
		entry.Info("connection: disconnecting abandoned link")
		go m.disconnect(m.ctx, id, a, r.services)
	case a.cancelled:
		m.finishCancelled(a)
	case m.state == StateIdle && r.listed && r.err == nil && r.connectErr == nil:
		entry.Info("connection: adopting link")
		m.toConnected(a.peripheral, r.services)
	case mayBeUp:
		entry.Info("connection: dropping link the manager cannot adopt")
		go m.dropLink(id)
	default:
		entry.Debug("connection: reconcile found nothing to do")
	}
}

// finishCancelled completes a Disconnecting that was waiting on a
// cancelled attempt which left no link behind.
func (m *Manager) finishCancelled(a *attempt) {
	if !a.cancelled || m.state != StateDisconnecting || m.target != a.peripheral.ID {
		return
	}
	m.toIdle()
	m.publish()
	m.notify(StatusDisconnected, a.peripheral, nil)
}

func (m *Manager) toConnected(p link.Peripheral, services []link.ServiceDescriptor) {
	m.state = StateConnected
	m.target = p.ID
	m.connected = p
	m.services = append([]link.ServiceDescriptor(nil), services...)
	m.log.WithFields(logrus.Fields{"peripheral": p.ID, "services": len(services)}).Info("connection: connected")
	m.publish()
	m.notify(StatusConnected, p, nil)
}

// --- disconnecting ---

func (m *Manager) requestDisconnect() error {
	switch m.state {
	case StateConnected:
		m.state = StateDisconnecting
		m.log.WithField("peripheral", m.target).Info("connection: disconnecting")
		m.publish()
		go m.disconnect(m.ctx, m.target, nil, nil)
	case StateConnecting:
		if m.attempt != nil {
			m.attempt.cancelled = true
			m.attempt.cancel()
		}
		m.state = StateDisconnecting
		m.log.WithField("peripheral", m.target).Info("connection: abandoning connect attempt")
		m.publish()
	}
	return nil
}

// disconnect runs the provider disconnect call, then asks the provider
// whether the link is gone. Exactly one disconnectResult is posted.
func (m *Manager) disconnect(ctx context.Context, id string, a *attempt, services []link.ServiceDescriptor) {
	res := disconnectResult{id: id, attempt: a, services: services}
	res.err = m.provider.Disconnect(ctx, id)
	res.listed, res.listErr = m.listed(ctx, id)
	m.post(res)
}

// onDisconnectResult leaves Disconnecting. A link the provider no longer
// lists ends in Idle; a link that is still up is kept as Connected, so it
// stays monitored and can be disconnected again.
func (m *Manager) onDisconnectResult(r disconnectResult) {
	if m.state != StateDisconnecting || m.target != r.id {
		return
	}
	entry := m.log.WithField("peripheral", r.id)
	gone := (r.listErr == nil && !r.listed) || (r.listErr != nil && r.err == nil)
	if gone {
		if r.err != nil {
			entry.WithError(r.err).Debug("connection: disconnect reported an error, link is gone")
		}
		p := m.peripheralFor(r.id)
		m.toIdle()
		m.publish()
		m.notify(StatusDisconnected, p, nil)
		return
	}

	cause := r.err
	if cause == nil {
		cause = errStillListed
	}
	entry.WithError(cause).Warn("connection: disconnect failed, link still up")
	if m.connected.ID != r.id {
		p := m.peripheralFor(r.id)
		if r.attempt != nil {
			p = r.attempt.peripheral
		}
		m.connected = p
		m.services = append([]link.ServiceDescriptor(nil), r.services...)
	}
	m.state = StateConnected
	m.publish()
	m.notify(StatusDisconnectFailed, m.connected, &DisconnectError{ID: r.id, Err: cause})
}

// onDisconnected applies a provider Disconnected event. It is
// authoritative for the current target and idempotent.
func (m *Manager) onDisconnected(id string) {
	if m.state == StateIdle || m.state == StateScanning {
		return
	}
	if id != "" && id != m.target {
		m.log.WithFields(logrus.Fields{"peripheral": id, "target": m.target}).Debug("connection: ignoring disconnect for another peripheral")
		return
	}
	prev := m.state
	p := m.peripheralFor(m.target)
	m.toIdle()
	m.publish()
	if prev == StateConnected {
		m.log.WithField("peripheral", p.ID).Warn("connection: link dropped")
		m.notify(StatusLinkDropped, p, fmt.Errorf("%w: %s", ErrLinkDropped, p.ID))
		return
	}
	m.log.WithField("peripheral", p.ID).Info("connection: disconnected")
	m.notify(StatusDisconnected, p, nil)
}

// --- monitoring ---

func (m *Manager) monitor() {
	if m.monitoring || m.connected.ID == "" {
		return
	}
	if m.state != StateConnected && m.state != StateDisconnecting {
		return
	}
	m.monitoring = true
	id := m.connected.ID
	ctx := m.ctx
	go func() {
		listed, err := m.listed(ctx, id)
		m.post(monitorResult{id: id, listed: listed, err: err})
	}()
}

func (m *Manager) onMonitor(r monitorResult) {
	m.monitoring = false
	if r.err != nil {
		m.log.WithError(r.err).Debug("connection: monitor query failed")
		return
	}
	if r.listed || m.connected.ID != r.id {
		return
	}
	m.onDisconnected(r.id)
}

// --- helpers ---

// listed reports whether the provider lists id as connected.
func (m *Manager) listed(ctx context.Context, id string) (bool, error) {
	peers, err := m.provider.ListConnected(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range peers {
		if p.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// dropLink disconnects id without waiting on the manager.
func (m *Manager) dropLink(id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), m.connectTimeout)
	defer cancel()
	if err := m.provider.Disconnect(ctx, id); err != nil {
		m.log.WithError(err).WithField("peripheral", id).Warn("connection: disconnect after failed setup")
	}
}

func (m *Manager) peripheralFor(id string) link.Peripheral {
	if m.connected.ID == id && id != "" {
		return m.connected
	}
	if p, ok := m.discovered[id]; ok {
		return p
	}
	if m.attempt != nil && m.attempt.peripheral.ID == id {
		return m.attempt.peripheral
	}
	return link.Peripheral{ID: id}
}

func (m *Manager) toIdle() {
	m.state = StateIdle
	m.target = ""
	m.connected = link.Peripheral{}
	m.services = nil
}

func (m *Manager) post(r result) {
	select {
	case m.results <- r:
	case <-m.done:
	}
}

func (m *Manager) publish() {
	s := &Snapshot{
		State:              m.state,
		Target:             m.target,
		Connected:          m.connected,
		Services:           append([]link.ServiceDescriptor(nil), m.services...),
		Discovered:         make([]link.Peripheral, 0, len(m.discovered)),
		AwaitingPermission: m.awaiting,
	}
	for _, p := range m.discovered {
		s.Discovered = append(s.Discovered, p)
	}
	sort.Slice(s.Discovered, func(i, j int) bool { return s.Discovered[i].ID < s.Discovered[j].ID })
	m.snap.Store(s)
}

func (m *Manager) notify(kind StatusKind, p link.Peripheral, err error) {
	m.onStatus(Status{Kind: kind, Peripheral: p, Err: err, Snapshot: m.snap.Load().clone()})
}

func (m *Manager) shutdown() {
	if m.state == StateScanning {
		m.stopScan()
	}
	if m.attempt != nil {
		m.attempt.cancelled = true
		m.attempt.cancel()
	}
	if id := m.connected.ID; id != "" {
		m.log.WithField("peripheral", id).Info("connection: disconnecting on shutdown")
		m.dropLink(id)
	}
	m.toIdle()
	m.publish()
}
