package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildAuditLoggerWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "daq-audit.log")
	var opened []io.Closer
	audit, err := buildAuditLogger(AuditConfig{Enabled: true, Path: path}, &opened)
	if err != nil {
		t.Fatalf("build audit logger: %v", err)
	}
	audit.Info("acquisition_admitted", slog.String("request_id", "req-1"))
	if err := closeAll(opened); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(raw), `"request_id":"req-1"`) {
		t.Fatalf("audit line missing attributes: %s", raw)
	}
}

func TestBuildAuditLoggerRequiresPath(t *testing.T) {
	var opened []io.Closer
	if _, err := buildAuditLogger(AuditConfig{Enabled: true}, &opened); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestInitWritesFileOutputWithAttrs(t *testing.T) {
	dir := t.TempDir()
	appPath := filepath.Join(dir, "app.log")
	auditPath := filepath.Join(dir, "audit.log")
	err := Init(Config{
		Level:       "debug",
		OutputPaths: []string{appPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}, slog.String("plugin", "gps-plugin"))
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	Named("processor").Debug("worker started")
	Audit().Info("directory_registered")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	app, _ := os.ReadFile(appPath)
	if !strings.Contains(string(app), `"component":"processor"`) || !strings.Contains(string(app), `"plugin":"gps-plugin"`) {
		t.Fatalf("app log missing attributes: %s", app)
	}
	audit, _ := os.ReadFile(auditPath)
	if !strings.Contains(string(audit), `"msg":"directory_registered"`) || !strings.Contains(string(audit), `"plugin":"gps-plugin"`) {
		t.Fatalf("audit log missing record: %s", audit)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
