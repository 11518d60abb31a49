package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smileynet/fairway/internal/link"
)

func cart(id, name string) Device {
	return Device{
		Peripheral: link.Peripheral{ID: id, Name: name, RSSI: -60},
		Services:   []link.ServiceDescriptor{{UUID: "0000fff0-0000-1000-8000-00805f9b34fb"}},
	}
}

func next(t *testing.T, p *Provider) link.Event {
	t.Helper()
	select {
	case ev := <-p.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestProvider_ScanDiscoversFleetThenStops(t *testing.T) {
	p := New(WithLatency(time.Millisecond), WithDevices(cart("AA:BB", "Cart A"), cart("CC:DD", "")))
	defer p.Close()

	require.NoError(t, p.StartScan(context.Background(), 50*time.Millisecond))

	ev := next(t, p)
	require.IsType(t, link.Discovered{}, ev)
	assert.Equal(t, "AA:BB", ev.(link.Discovered).Peripheral.ID)

	ev = next(t, p)
	require.IsType(t, link.Discovered{}, ev)
	assert.Equal(t, "CC:DD", ev.(link.Discovered).Peripheral.ID)

	assert.Equal(t, link.ScanStopped{Scan: 1}, next(t, p))
}

func TestProvider_StopScanEndsEarly(t *testing.T) {
	p := New(WithLatency(time.Hour), WithDevices(cart("AA:BB", "Cart A")))
	defer p.Close()

	require.NoError(t, p.StartScan(context.Background(), time.Hour))
	require.ErrorIs(t, p.StartScan(context.Background(), time.Hour), ErrScanInProcess)
	require.NoError(t, p.StopScan())

	assert.Equal(t, link.ScanStopped{Scan: 1}, next(t, p))
	require.NoError(t, p.StopScan(), "second stop is a no-op")
}

func TestProvider_ConnectDiscoverDisconnect(t *testing.T) {
	p := New(WithLatency(0), WithDevices(cart("AA:BB", "Cart A")))
	defer p.Close()
	ctx := context.Background()

	require.NoError(t, p.Connect(ctx, "AA:BB"))

	connected, err := p.ListConnected(ctx)
	require.NoError(t, err)
	require.Len(t, connected, 1)
	assert.Equal(t, "Cart A", connected[0].Name)

	services, err := p.DiscoverServices(ctx, "AA:BB")
	require.NoError(t, err)
	assert.Len(t, services, 1)

	require.NoError(t, p.Disconnect(ctx, "AA:BB"))
	assert.Equal(t, link.Disconnected{ID: "AA:BB"}, next(t, p))

	connected, err = p.ListConnected(ctx)
	require.NoError(t, err)
	assert.Empty(t, connected)

	require.NoError(t, p.Disconnect(ctx, "AA:BB"))
	select {
	case ev := <-p.Events():
		t.Fatalf("unexpected event after idle disconnect: %#v", ev)
	default:
	}
}

func TestProvider_ConnectFailures(t *testing.T) {
	bad := cart("EE:FF", "Broken")
	bad.FailConnect = true
	p := New(WithLatency(0), WithDevices(bad))
	defer p.Close()
	ctx := context.Background()

	assert.ErrorIs(t, p.Connect(ctx, "EE:FF"), ErrRefused)
	assert.ErrorIs(t, p.Connect(ctx, "00:00"), ErrUnknown)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	slow := New(WithLatency(time.Hour), WithDevices(cart("AA:BB", "")))
	defer slow.Close()
	assert.ErrorIs(t, slow.Connect(cctx, "AA:BB"), context.Canceled)
}

func TestProvider_ScansAreNumbered(t *testing.T) {
	p := New(WithLatency(time.Hour), WithDevices(cart("AA:BB", "")))
	defer p.Close()
	ctx := context.Background()

	require.NoError(t, p.StartScan(ctx, time.Hour))
	require.NoError(t, p.StopScan())
	assert.Equal(t, link.ScanStopped{Scan: 1}, next(t, p))

	require.NoError(t, p.StartScan(ctx, time.Hour))
	require.NoError(t, p.StopScan())
	assert.Equal(t, link.ScanStopped{Scan: 2}, next(t, p))
}

func TestProvider_IgnoreCancelStillConnects(t *testing.T) {
	stubborn := cart("AA:BB", "")
	stubborn.IgnoreCancel = true
	p := New(WithLatency(5*time.Millisecond), WithDevices(stubborn))
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Connect(ctx, "AA:BB"))

	connected, err := p.ListConnected(context.Background())
	require.NoError(t, err)
	assert.Len(t, connected, 1)
}

func TestProvider_FailDisconnectKeepsLink(t *testing.T) {
	stuck := cart("AA:BB", "")
	stuck.FailDisconnect = true
	p := New(WithLatency(0), WithDevices(stuck))
	defer p.Close()
	ctx := context.Background()

	require.NoError(t, p.Disconnect(ctx, "AA:BB"), "nothing to disconnect yet")
	require.NoError(t, p.Connect(ctx, "AA:BB"))

	assert.ErrorIs(t, p.Disconnect(ctx, "AA:BB"), ErrStuck)
	connected, err := p.ListConnected(ctx)
	require.NoError(t, err)
	assert.Len(t, connected, 1)

	// The link can still go down on its own.
	p.Drop("AA:BB")
	assert.Equal(t, link.Disconnected{ID: "AA:BB"}, next(t, p))
}

func TestProvider_FailList(t *testing.T) {
	p := New(WithLatency(0), WithDevices(cart("AA:BB", "")))
	defer p.Close()
	ctx := context.Background()
	boom := assert.AnError

	p.FailList(boom)
	_, err := p.ListConnected(ctx)
	assert.ErrorIs(t, err, boom)

	p.FailList(nil)
	_, err = p.ListConnected(ctx)
	assert.NoError(t, err)
}

func TestProvider_DropEmitsDisconnected(t *testing.T) {
	p := New(WithLatency(0), WithDevices(cart("AA:BB", "")))
	defer p.Close()
	require.NoError(t, p.Connect(context.Background(), "AA:BB"))

	p.Drop("AA:BB")

	assert.Equal(t, link.Disconnected{ID: "AA:BB"}, next(t, p))
	_, err := p.DiscoverServices(context.Background(), "AA:BB")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestProvider_WritesRecorded(t *testing.T) {
	p := New(WithLatency(0), WithDevices(cart("AA:BB", "")))
	defer p.Close()
	ctx := context.Background()

	assert.ErrorIs(t, p.Write(ctx, "AA:BB", []byte{1}), ErrNotConnected)

	require.NoError(t, p.Connect(ctx, "AA:BB"))
	payload := []byte{1, 2}
	require.NoError(t, p.Write(ctx, "AA:BB", payload))
	payload[0] = 9
	require.NoError(t, p.Write(ctx, "AA:BB", []byte{3}))

	assert.Equal(t, [][]byte{{1, 2}, {3}}, p.Writes("AA:BB"))
}

func TestProvider_FullBufferDropsEvents(t *testing.T) {
	p := New(WithEventBuffer(1))
	defer p.Close()

	p.Emit(link.ScanStopped{})
	p.Emit(link.Disconnected{ID: "AA:BB"})

	assert.Equal(t, 1, p.Dropped())
	assert.Equal(t, link.ScanStopped{}, next(t, p))
}

func TestProvider_CloseIsIdempotent(t *testing.T) {
	p := New()
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	p.Emit(link.ScanStopped{})

	_, open := <-p.Events()
	assert.False(t, open)
	assert.ErrorIs(t, p.StartScan(context.Background(), time.Second), ErrClosed)
}
