package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smileynet/fairway"
	"github.com/smileynet/fairway/internal/bluez"
	"github.com/smileynet/fairway/internal/config"
	"github.com/smileynet/fairway/internal/connection"
	"github.com/smileynet/fairway/internal/dispatch"
	"github.com/smileynet/fairway/internal/link"
	"github.com/smileynet/fairway/internal/link/radio"
	"github.com/smileynet/fairway/internal/link/sim"
	"github.com/smileynet/fairway/internal/permission"
	"github.com/smileynet/fairway/internal/remote"
)

// statusBuffer is how many manager notifications may wait for a reader.
const statusBuffer = 256

// drainTimeout bounds how long closing a session waits for queued
// commands (normally the final stop) to be written.
const drainTimeout = 2 * time.Second

// localDir holds project-local overrides of the embedded resources.
const localDir = ".fairway"

// session is a running manager and dispatcher over one link provider.
type session struct {
	provider   link.Provider
	manager    *connection.Manager
	dispatcher *dispatch.Dispatcher
	feed       *remote.StatusFeed
	system     *bluez.Client // Nil unless the radio provider reached BlueZ.
	log        *logrus.Logger

	cancel  context.CancelFunc
	running sync.WaitGroup
}

// newRegistry registers the link providers fairway ships with.
func newRegistry(cfg *config.Config, log *logrus.Logger, system *bluez.Client) *link.Registry {
	reg := link.NewRegistry()
	reg.Register("radio", func() (link.Provider, error) {
		opts := []radio.Option{
			radio.WithAdapter(radioAdapter(cfg.Link.Adapter)),
			radio.WithLogger(log),
		}
		if system != nil {
			opts = append(opts, radio.WithSystem(system))
		}
		return radio.New(cfg.Link.ControlService, cfg.Link.ControlCharacteristic, opts...)
	})
	reg.Register("sim", func() (link.Provider, error) {
		devices, err := sim.LoadFleet(fairway.OverlayFS(localDir, fairway.Templates), cfg.Link.Fleet, cfg.Link.ControlService)
		if err != nil {
			return nil, err
		}
		return sim.New(sim.WithDevices(devices...), sim.WithLogger(log)), nil
	})
	return reg
}

// newGate returns the permission gate for the configured provider. The
// simulator needs no access; the radio asks BlueZ whether the adapter is
// usable, once.
func newGate(cfg *config.Config, system *bluez.Client, dialErr error) permission.Gate {
	if cfg.Link.Provider != "radio" {
		return permission.Static(true)
	}
	if system == nil {
		return permission.GateFunc(func(context.Context) (bool, error) {
			return false, dialErr
		})
	}
	return permission.Once(permission.NewBlueZGate(system, cfg.Permission.PowerOn))
}

// openSession builds the provider, starts the manager and the dispatcher.
func openSession(cfg *config.Config, log *logrus.Logger) (*session, error) {
	s := &session{
		feed: remote.NewStatusFeed(statusBuffer),
		log:  log,
	}

	var dialErr error
	if cfg.Link.Provider == "radio" {
		s.system, dialErr = bluez.Dial(cfg.Link.Adapter)
		if dialErr != nil {
			log.WithError(dialErr).Warn("fairway: BlueZ unavailable, radio access will be denied")
		}
	}

	p, err := newRegistry(cfg, log, s.system).NewProvider(cfg.Link.Provider)
	if err != nil {
		s.closeSystem()
		return nil, err
	}
	s.provider = p

	s.manager = connection.New(p, newGate(cfg, s.system, dialErr),
		connection.WithScanTimeout(cfg.Scan.Timeout),
		connection.WithConnectTimeout(cfg.Connection.ConnectTimeout),
		connection.WithMonitorInterval(cfg.Connection.MonitorInterval),
		connection.WithEventBuffer(cfg.Connection.EventBuffer),
		connection.WithStatusFunc(s.feed.Push),
		connection.WithLogger(log),
	)
	s.dispatcher = dispatch.New(s.manager, p,
		dispatch.WithRate(cfg.Dispatch.Rate, cfg.Dispatch.Burst),
		dispatch.WithQueueSize(cfg.Dispatch.QueueSize),
		dispatch.WithLogger(log),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running.Add(2)
	go func() {
		defer s.running.Done()
		if err := s.manager.Run(ctx); err != nil {
			log.WithError(err).Error("fairway: connection manager stopped")
		}
	}()
	go func() {
		defer s.running.Done()
		_ = s.dispatcher.Run(ctx)
	}()

	log.WithField("provider", p.Name()).Info("fairway: session started")
	return s, nil
}

// statuses returns the manager's notifications.
func (s *session) statuses() <-chan connection.Status {
	return s.feed.Statuses()
}

// Close writes pending commands, stops the manager (which disconnects the
// connected cart) and releases the provider.
func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	if err := s.dispatcher.Drain(ctx); err != nil {
		s.log.WithError(err).Warn("fairway: pending commands not written")
	}
	cancel()

	s.cancel()
	s.running.Wait()

	var errs []error
	if err := s.provider.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing %s provider: %w", s.provider.Name(), err))
	}
	if err := s.closeSystem(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *session) closeSystem() error {
	if s.system == nil {
		return nil
	}
	err := s.system.Close()
	s.system = nil
	return err
}
