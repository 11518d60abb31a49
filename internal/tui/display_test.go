package tui

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

// --- IsTTY ---

func TestIsTTY_NonFileWriter(t *testing.T) {
	var buf bytes.Buffer
	if IsTTY(&buf) {
		t.Error("non-*os.File writer should not be a TTY")
	}
}

func TestIsTTY_RegularFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "test")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()

	if IsTTY(f) {
		t.Error("regular file should not be a TTY")
	}
}

// --- Bridge ---

func TestBridge_SendDeliversStatusUpdate(t *testing.T) {
	b := NewBridge()
	msg := StatusUpdateMsg{Step: "scan", Status: StatusRunning}

	go b.Send(msg)

	got := <-b.Events()
	su, ok := got.(StatusUpdateMsg)
	if !ok {
		t.Fatalf("expected StatusUpdateMsg, got %T", got)
	}
	if su.Step != "scan" {
		t.Errorf("step = %q, want %q", su.Step, "scan")
	}
}

func TestBridge_PeripheralDeliversRow(t *testing.T) {
	b := NewBridge()

	go b.Peripheral(PeripheralMsg{ID: "AA:BB", Name: "Caddy One", RSSI: -60})

	got := <-b.Events()
	pm, ok := got.(PeripheralMsg)
	if !ok {
		t.Fatalf("expected PeripheralMsg, got %T", got)
	}
	if pm.ID != "AA:BB" || pm.RSSI != -60 {
		t.Errorf("peripheral = %+v", pm)
	}
}

func TestBridge_DoneSendsDoneAndCloses(t *testing.T) {
	b := NewBridge()

	go b.Done()

	got := <-b.Events()
	if _, ok := got.(DoneMsg); !ok {
		t.Fatalf("expected DoneMsg, got %T", got)
	}

	_, open := <-b.Events()
	if open {
		t.Error("channel should be closed after Done")
	}
}

func TestBridge_ErrorSendsErrorAndCloses(t *testing.T) {
	b := NewBridge()

	go b.Error(errors.New("link dropped"))

	got := <-b.Events()
	em, ok := got.(ErrorMsg)
	if !ok {
		t.Fatalf("expected ErrorMsg, got %T", got)
	}
	if em.Err.Error() != "link dropped" {
		t.Errorf("error = %q, want %q", em.Err.Error(), "link dropped")
	}

	_, open := <-b.Events()
	if open {
		t.Error("channel should be closed after Error")
	}
}

// --- PlainDisplay ---

func TestPlainDisplay_RendersStatusUpdate(t *testing.T) {
	var buf bytes.Buffer
	d := &PlainDisplay{w: &buf}

	ch := make(chan DisplayEvent, 3)
	ch <- StatusUpdateMsg{Step: "connect", Status: StatusRunning, Detail: "AA:BB"}
	ch <- StatusUpdateMsg{Step: "connect", Status: StatusPassed}
	ch <- DoneMsg{}
	close(ch)

	if err := d.Run(context.Background(), ch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"connect running: AA:BB", "connect passed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if lines := strings.Count(out, "\n"); lines != 2 {
		t.Errorf("output has %d lines, want 2:\n%s", lines, out)
	}
}

func TestPlainDisplay_RendersPeripheralRow(t *testing.T) {
	var buf bytes.Buffer
	d := &PlainDisplay{w: &buf}

	ch := make(chan DisplayEvent, 3)
	ch <- PeripheralMsg{ID: "AA:BB:CC:DD:EE:01", Name: "Caddy One", RSSI: -58}
	ch <- PeripheralMsg{ID: "AA:BB:CC:DD:EE:02", RSSI: -71}
	ch <- DoneMsg{}
	close(ch)

	if err := d.Run(context.Background(), ch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"AA:BB:CC:DD:EE:01", "Caddy One", "-58 dBm", "(unnamed)", "-71 dBm"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPlainDisplay_ClosedChannelReturnsNil(t *testing.T) {
	var buf bytes.Buffer
	d := &PlainDisplay{w: &buf}

	ch := make(chan DisplayEvent)
	close(ch)

	if err := d.Run(context.Background(), ch); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
}

func TestPlainDisplay_HandlesContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	d := &PlainDisplay{w: &buf}
	ctx, cancel := context.WithCancel(context.Background())

	ch := make(chan DisplayEvent) // Unbuffered, will block.

	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx, ch)
	}()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestPlainDisplay_ReturnsErrorFromErrorMsg(t *testing.T) {
	var buf bytes.Buffer
	d := &PlainDisplay{w: &buf}

	ch := make(chan DisplayEvent, 1)
	ch <- ErrorMsg{Err: errors.New("connect failed")}
	close(ch)

	err := d.Run(context.Background(), ch)
	if err == nil || !strings.Contains(err.Error(), "connect failed") {
		t.Errorf("expected command error, got %v", err)
	}
}

// --- NewDisplay factory ---

func TestNewDisplay_ForcePlainReturnsPlainDisplay(t *testing.T) {
	d := NewDisplay(DisplayOptions{
		Writer:     os.Stdout,
		ForcePlain: true,
		Steps:      []string{"scan"},
	})

	if _, ok := d.(*PlainDisplay); !ok {
		t.Errorf("ForcePlain should return *PlainDisplay, got %T", d)
	}
}

func TestNewDisplay_NonTTYReturnsPlainDisplay(t *testing.T) {
	var buf bytes.Buffer
	d := NewDisplay(DisplayOptions{Writer: &buf, Steps: []string{"scan"}})

	if _, ok := d.(*PlainDisplay); !ok {
		t.Errorf("non-TTY writer should return *PlainDisplay, got %T", d)
	}
}

func TestNewDisplay_DefaultsWriterToStdout(t *testing.T) {
	d := NewDisplay(DisplayOptions{ForcePlain: true})

	pd, ok := d.(*PlainDisplay)
	if !ok {
		t.Fatalf("expected *PlainDisplay, got %T", d)
	}
	if pd.w != os.Stdout {
		t.Error("default Writer should be os.Stdout")
	}
}
