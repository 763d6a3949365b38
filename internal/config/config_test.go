package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "daq-plugin/internal/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "daq.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
plugin:
  name: gps-plugin
drivers:
  manifest: drivers.yaml
credentials:
  file: secrets/creds.json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dir := filepath.Dir(path)

	if cfg.Server.HTTPAddress != ":8080" || cfg.Server.GRPCAddress != ":50051" {
		t.Fatalf("unexpected server defaults %+v", cfg.Server)
	}
	if cfg.Server.AdvertiseAddress != ":50051" {
		t.Fatalf("advertise address should default to grpc address, got %q", cfg.Server.AdvertiseAddress)
	}
	if cfg.Acquisition.Workers != 2 || cfg.Acquisition.RequestTimeout != 5*time.Minute || cfg.Acquisition.Retention != 30*time.Second {
		t.Fatalf("unexpected acquisition defaults %+v", cfg.Acquisition)
	}
	if cfg.Queue.Driver != "memory" || cfg.Store.Backend != "memory" || cfg.Directory.Backend != "memory" {
		t.Fatalf("unexpected backend defaults queue=%s store=%s directory=%s", cfg.Queue.Driver, cfg.Store.Backend, cfg.Directory.Backend)
	}
	if cfg.Drivers.Manifest != filepath.Join(dir, "drivers.yaml") {
		t.Fatalf("manifest not resolved: %s", cfg.Drivers.Manifest)
	}
	if cfg.Credentials.File != filepath.Join(dir, "secrets", "creds.json") {
		t.Fatalf("credentials file not resolved: %s", cfg.Credentials.File)
	}
	if cfg.Directory.Redis.TTL != 75*time.Second {
		t.Fatalf("directory ttl should follow the keep-alive interval, got %v", cfg.Directory.Redis.TTL)
	}
	if !cfg.Alerting.Log {
		t.Fatalf("log alerting should be enabled by default")
	}
	if cfg.Tracing.ServiceName != "gps-plugin" {
		t.Fatalf("tracing service name should default to plugin name, got %q", cfg.Tracing.ServiceName)
	}
	if cfg.Queue.Redis.Queue != "daq:jobs:gps-plugin" || cfg.Queue.RabbitMQ.Queue != "daq.jobs.gps-plugin" {
		t.Fatalf("queue names should be scoped to the plugin, got redis=%q rabbitmq=%q", cfg.Queue.Redis.Queue, cfg.Queue.RabbitMQ.Queue)
	}
}

func TestLoadParsesDurationsAndNestedSections(t *testing.T) {
	path := writeConfig(t, `
plugin:
  name: pano-plugin
  labels:
    site: north
acquisition:
  workers: 4
  request_timeout: 90s
  retry_delay: 1s
  rate_limit: 5
queue:
  driver: redis
  redis:
    address: 127.0.0.1:6379
    block_wait: 2s
store:
  backend: sql
  sql:
    driver: sqlite
    dsn: data/daq.db
events:
  enabled: true
  kafka:
    brokers: [kafka-1:9092, kafka-2:9092]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Acquisition.Workers != 4 || cfg.Acquisition.RequestTimeout != 90*time.Second || cfg.Acquisition.RetryDelay != time.Second {
		t.Fatalf("unexpected acquisition %+v", cfg.Acquisition)
	}
	if cfg.Acquisition.RateBurst != 5 {
		t.Fatalf("rate burst should default to the rate, got %d", cfg.Acquisition.RateBurst)
	}
	if cfg.Queue.Redis.Address != "127.0.0.1:6379" || cfg.Queue.Redis.BlockWait != 2*time.Second {
		t.Fatalf("unexpected redis queue %+v", cfg.Queue.Redis)
	}
	if want := filepath.Join(filepath.Dir(path), "data", "daq.db"); cfg.Store.SQL.DSN != want {
		t.Fatalf("sqlite dsn not resolved: %s", cfg.Store.SQL.DSN)
	}
	if len(cfg.Events.Kafka.Brokers) != 2 || cfg.Events.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Events.Kafka.Brokers)
	}
	if cfg.Plugin.Labels["site"] != "north" {
		t.Fatalf("unexpected labels %v", cfg.Plugin.Labels)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
plugin:
  name: gps-plugin
server:
  http_address: ":9000"
`)
	t.Setenv("DAQ_SERVER_HTTP_ADDRESS", ":9100")
	t.Setenv("DAQ_ACQUISITION_WORKERS", "8")
	t.Setenv("DAQ_QUEUE_SIZE", "16")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.HTTPAddress != ":9100" {
		t.Fatalf("env should override file, got %q", cfg.Server.HTTPAddress)
	}
	if cfg.Acquisition.Workers != 8 || cfg.Queue.Size != 16 {
		t.Fatalf("env should fill keys missing from file, got workers=%d size=%d", cfg.Acquisition.Workers, cfg.Queue.Size)
	}
}

func TestLoadWithoutFileUsesEnvironment(t *testing.T) {
	t.Setenv("DAQ_PLUGIN_NAME", "env-plugin")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Plugin.Name != "env-plugin" {
		t.Fatalf("unexpected plugin name %q", cfg.Plugin.Name)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"missing name": `
server:
  http_address: ":8080"
`,
		"bad queue driver": `
plugin: {name: p}
queue: {driver: kafka}
`,
		"sql without dsn": `
plugin: {name: p}
store: {backend: sql}
`,
		"directory without credentials": `
plugin: {name: p}
directory: {enabled: true}
`,
		"events without brokers": `
plugin: {name: p}
events: {enabled: true}
`,
		"token auth without tokens": `
plugin: {name: p}
auth: {mode: token}
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !xerrors.HasCode(err, xerrors.CodeConfigError) {
				t.Fatalf("expected CONFIG_ERROR, got %v", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
