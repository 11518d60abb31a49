// Package permission provides the radio access gate queried before scanning.
package permission

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Gate yields whether radio access is granted. RequestAccess may block
// while the platform resolves the request; callers run it off their event
// loop.
type Gate interface {
	RequestAccess(ctx context.Context) (bool, error)
}

// Static returns a Gate with a fixed answer.
func Static(granted bool) Gate {
	return staticGate(granted)
}

type staticGate bool

func (g staticGate) RequestAccess(context.Context) (bool, error) {
	return bool(g), nil
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context) (bool, error)

// RequestAccess calls f(ctx).
func (f GateFunc) RequestAccess(ctx context.Context) (bool, error) { return f(ctx) }

// Adapter is the slice of the BlueZ client the gate needs.
type Adapter interface {
	Powered() (bool, error)
	SetPowered(on bool) error
}

// BlueZGate grants access when the adapter is reachable and powered.
type BlueZGate struct {
	adapter Adapter
	powerOn bool
}

// NewBlueZGate creates a gate over adapter. With powerOn set, an
// unpowered adapter is switched on instead of denying access.
func NewBlueZGate(adapter Adapter, powerOn bool) *BlueZGate {
	return &BlueZGate{adapter: adapter, powerOn: powerOn}
}

// RequestAccess reports whether the adapter is usable.
func (g *BlueZGate) RequestAccess(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	on, err := g.adapter.Powered()
	if err != nil {
		return false, fmt.Errorf("permission: %w", err)
	}
	if on {
		return true, nil
	}
	if !g.powerOn {
		return false, nil
	}
	if err := g.adapter.SetPowered(true); err != nil {
		return false, fmt.Errorf("permission: %w", err)
	}
	return true, nil
}

// Once wraps g so that the underlying gate is asked at most once at a
// time and a grant is remembered. Concurrent callers share the in-flight
// answer. A denial or error is not remembered: the next explicit request
// asks again.
func Once(g Gate) Gate {
	return &onceGate{gate: g}
}

type onceGate struct {
	gate    Gate
	group   singleflight.Group
	granted atomic.Bool
}

type answer struct {
	granted bool
	err     error
}

func (o *onceGate) RequestAccess(ctx context.Context) (bool, error) {
	if o.granted.Load() {
		return true, nil
	}
	// The shared request outlives any single caller's context.
	shared := context.WithoutCancel(ctx)
	ch := o.group.DoChan("access", func() (any, error) {
		granted, err := o.gate.RequestAccess(shared)
		if granted && err == nil {
			o.granted.Store(true)
		}
		return answer{granted: granted, err: err}, nil
	})

	select {
	case res := <-ch:
		a := res.Val.(answer)
		return a.granted, a.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
