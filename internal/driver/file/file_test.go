package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"daq-plugin/pkg/driver"
)

func newDriver(t *testing.T, cfg map[string]any) (*Driver, string) {
	t.Helper()
	root := t.TempDir()
	if cfg == nil {
		cfg = map[string]any{}
	}
	cfg["root"] = root
	d := New().(*Driver)
	if err := d.Configure(cfg); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := d.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	return d, root
}

func writeFile(t *testing.T, path, content string, mod time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestCaptureReadsRelativePath(t *testing.T) {
	d, root := newDriver(t, nil)
	writeFile(t, filepath.Join(root, "scans", "dock.json"), `{"ok":true}`, time.Now())

	payload, err := d.Capture(context.Background(), driver.CaptureRequest{
		RequestID:  "r1",
		Parameters: map[string]any{"path": "scans/dock.json"},
	})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if string(payload.Data) != `{"ok":true}` {
		t.Fatalf("unexpected data %q", payload.Data)
	}
	if payload.ContentType != "application/json" {
		t.Fatalf("unexpected content type %q", payload.ContentType)
	}
	if payload.Metadata["file"] != "scans/dock.json" || payload.Metadata["size"] != "11" {
		t.Fatalf("unexpected metadata %+v", payload.Metadata)
	}
}

func TestCapturePatternPicksNewest(t *testing.T) {
	d, root := newDriver(t, map[string]any{"pattern": "*.csv"})
	now := time.Now()
	writeFile(t, filepath.Join(root, "a.csv"), "old", now.Add(-time.Hour))
	writeFile(t, filepath.Join(root, "b.csv"), "new", now)

	payload, err := d.Capture(context.Background(), driver.CaptureRequest{RequestID: "r1"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if string(payload.Data) != "new" {
		t.Fatalf("expected newest file, got %q", payload.Data)
	}
}

func TestCapturePatternWithoutMatchIsTransient(t *testing.T) {
	d, _ := newDriver(t, map[string]any{"pattern": "*.bin"})
	_, err := d.Capture(context.Background(), driver.CaptureRequest{RequestID: "r1"})
	if !driver.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestCaptureRejectsEscapingPaths(t *testing.T) {
	d, _ := newDriver(t, nil)
	for _, p := range []string{"../secret", "/etc/passwd"} {
		_, err := d.Capture(context.Background(), driver.CaptureRequest{Parameters: map[string]any{"path": p}})
		if err == nil {
			t.Fatalf("expected error for %q", p)
		}
	}
}

func TestCaptureEnforcesMaxSize(t *testing.T) {
	d, root := newDriver(t, map[string]any{"max_size": 4})
	writeFile(t, filepath.Join(root, "big.txt"), "too large", time.Now())
	_, err := d.Capture(context.Background(), driver.CaptureRequest{Parameters: map[string]any{"path": "big.txt"}})
	if err == nil || driver.IsTransient(err) {
		t.Fatalf("expected permanent size error, got %v", err)
	}
}

func TestConfigureRequiresRoot(t *testing.T) {
	if err := New().Configure(map[string]any{}); err == nil {
		t.Fatalf("expected error without root")
	}
}
