// Package dispatch turns control commands into frames and writes them to
// the connected peripheral's control characteristic.
package dispatch

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/smileynet/fairway/internal/control"
)

// Link reports the currently connected peripheral.
type Link interface {
	ConnectedID() (string, bool)
}

// Writer delivers a payload to a peripheral's control characteristic.
type Writer interface {
	Write(ctx context.Context, id string, payload []byte) error
}

// Dispatcher queues commands and writes them from a single goroutine.
// Send is safe for concurrent use.
type Dispatcher struct {
	link      Link
	writer    Writer
	log       *logrus.Logger
	limiter   *rate.Limiter
	queueSize int

	mu      sync.Mutex
	queue   []pending
	busy    bool
	seq     uint64
	dropped int
	wake    chan struct{}
}

type pending struct {
	id    string
	frame Frame
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithRate paces drive frames to perSecond with the given burst.
// A non-positive rate disables pacing.
func WithRate(perSecond float64, burst int) Option {
	return func(d *Dispatcher) {
		if perSecond <= 0 {
			d.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithQueueSize bounds the number of frames waiting to be written.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// New creates a Dispatcher. Call Run to start writing.
func New(link Link, writer Writer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		link:      link,
		writer:    writer,
		limiter:   rate.NewLimiter(20, 4),
		queueSize: 16,
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = logrus.New()
		d.log.SetOutput(io.Discard)
	}
	return d
}

// Send queues cmd for the peripheral connected right now. Without a
// connected peripheral the command is dropped. Send never blocks.
func (d *Dispatcher) Send(cmd control.Command) {
	id, ok := d.link.ConnectedID()
	if !ok {
		d.log.WithField("command", cmd.String()).Debug("dispatch: no connected peripheral, dropping command")
		return
	}

	d.mu.Lock()
	d.seq++
	f := FrameFor(cmd, d.seq)
	if len(d.queue) >= d.queueSize {
		old := d.queue[0]
		d.queue = d.queue[1:]
		d.dropped++
		d.log.WithFields(logrus.Fields{
			"command": old.frame.Command().String(),
			"seq":     old.frame.Seq,
		}).Warn("dispatch: queue full, dropping oldest frame")
	}
	d.queue = append(d.queue, pending{id: id, frame: f})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Dropped returns how many queued frames were discarded on overflow.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Run writes queued frames until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		p, ok := d.pop()
		if !ok {
			select {
			case <-d.wake:
				continue
			case <-ctx.Done():
				return nil
			}
		}
		d.write(ctx, p)
		d.mu.Lock()
		d.busy = false
		d.mu.Unlock()
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (d *Dispatcher) pop() (pending, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return pending{}, false
	}
	p := d.queue[0]
	d.queue = d.queue[1:]
	d.busy = true
	return p, true
}

func (d *Dispatcher) write(ctx context.Context, p pending) {
	entry := d.log.WithFields(logrus.Fields{
		"peripheral": p.id,
		"command":    p.frame.Command().String(),
		"seq":        p.frame.Seq,
	})
	if p.frame.Kind == control.CommandDrive {
		if err := d.limiter.Wait(ctx); err != nil {
			entry.WithError(err).Debug("dispatch: pacing interrupted")
			return
		}
	}
	if err := d.writer.Write(ctx, p.id, Encode(p.frame)); err != nil {
		entry.WithError(err).Warn("dispatch: write failed")
		return
	}
	entry.Debug("dispatch: frame written")
}

// Drain blocks until every queued frame has been written or ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for {
		d.mu.Lock()
		idle := len(d.queue) == 0 && !d.busy
		d.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
