package static

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"daq-plugin/pkg/driver"
)

func openDriver(t *testing.T, cfg map[string]any) *Driver {
	t.Helper()
	d := New().(*Driver)
	if err := d.Configure(cfg); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := d.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	return d
}

func TestCaptureReturnsConfiguredPayload(t *testing.T) {
	d := openDriver(t, map[string]any{"payload": map[string]any{"battery": 87}})
	payload, err := d.Capture(context.Background(), driver.CaptureRequest{RequestID: "r1", Capability: "battery", Attempt: 1})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if payload.ContentType != "application/json" {
		t.Fatalf("unexpected content type %q", payload.ContentType)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload.Data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	value := decoded["value"].(map[string]any)
	if value["battery"] != float64(87) || decoded["request_id"] != "r1" {
		t.Fatalf("unexpected payload: %s", payload.Data)
	}
}

func TestCaptureInjectsTransientFailures(t *testing.T) {
	d := openDriver(t, map[string]any{"transient_failures": 1})
	_, err := d.Capture(context.Background(), driver.CaptureRequest{RequestID: "r1", Attempt: 1})
	if !driver.IsTransient(err) {
		t.Fatalf("expected transient error on first attempt, got %v", err)
	}
	if _, err := d.Capture(context.Background(), driver.CaptureRequest{RequestID: "r1", Attempt: 2}); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
}

func TestCapturePermanentFault(t *testing.T) {
	d := openDriver(t, map[string]any{"fault": "sensor offline"})
	_, err := d.Capture(context.Background(), driver.CaptureRequest{RequestID: "r1", Attempt: 1})
	if err == nil || driver.IsTransient(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestAbortInterruptsDelay(t *testing.T) {
	d := openDriver(t, map[string]any{"delay": "10s"})
	done := make(chan error, 1)
	go func() {
		_, err := d.Capture(context.Background(), driver.CaptureRequest{RequestID: "r1", Attempt: 1})
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for {
		d.mu.Lock()
		_, waiting := d.inflight["r1"]
		d.mu.Unlock()
		if waiting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("capture never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	d.Abort("r1")

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("abort did not interrupt capture")
	}
}

func TestCaptureRequiresOpen(t *testing.T) {
	d := New().(*Driver)
	if err := d.Configure(map[string]any{}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := d.Capture(context.Background(), driver.CaptureRequest{RequestID: "r1"}); err == nil {
		t.Fatalf("expected error before open")
	}
}

func TestConfigureRejectsNegativeValues(t *testing.T) {
	if err := New().Configure(map[string]any{"transient_failures": -1}); err == nil {
		t.Fatalf("expected error")
	}
}
