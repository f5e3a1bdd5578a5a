package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

const sampleYAML = `
server:
  address: "127.0.0.1"
  port: 9090
  fasthttp:
    enabled: true
    address: ":9091"
storage:
  db_path: "/var/lib/prevaldb"
logging:
  level: debug
ingest:
  processor:
    workers: 8
    truncate_interval: 10s
  queue:
    capacity: 4096
    wal:
      enabled: true
      max_file_size: 64MB
retention:
  enabled: true
  cron: "0 4 * * *"
  period: 720h
limits:
  max_batch_entries: 5000
  max_prefix_groups: 100
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:9090" {
		t.Fatalf("addr: %s", cfg.Addr())
	}
	if !cfg.Server.FastHTTP.Enabled || cfg.Server.FastHTTP.Address != ":9091" {
		t.Fatalf("fasthttp: %+v", cfg.Server.FastHTTP)
	}
	if cfg.Ingest.Processor.Workers != 8 {
		t.Fatalf("workers: %d", cfg.Ingest.Processor.Workers)
	}
	if cfg.Ingest.Processor.TruncateInterval.Duration() != 10*time.Second {
		t.Fatalf("truncate interval: %v", cfg.Ingest.Processor.TruncateInterval.Duration())
	}
	if cfg.Ingest.Queue.WAL.MaxFileSize.Int64() != 64*1000*1000 {
		t.Fatalf("wal size: %d", cfg.Ingest.Queue.WAL.MaxFileSize.Int64())
	}
	if cfg.Retention.Period.Duration() != 720*time.Hour {
		t.Fatalf("retention period: %v", cfg.Retention.Period.Duration())
	}
	if cfg.Limits.MaxBatchEntries != 5000 {
		t.Fatalf("limits: %+v", cfg.Limits)
	}
}

func TestDurationNumericSeconds(t *testing.T) {
	var d Duration
	if err := yaml.Unmarshal([]byte("30"), &d); err != nil {
		t.Fatal(err)
	}
	if d.Duration() != 30*time.Second {
		t.Fatalf("numeric duration: %v", d.Duration())
	}
	if err := yaml.Unmarshal([]byte("bogus"), &d); err == nil {
		t.Fatal("invalid duration accepted")
	}
}

func TestSizeBytesForms(t *testing.T) {
	var s SizeBytes
	if err := yaml.Unmarshal([]byte(`"1MiB"`), &s); err != nil {
		t.Fatal(err)
	}
	if s.Int64() != 1<<20 {
		t.Fatalf("1MiB: %d", s.Int64())
	}
	if err := yaml.Unmarshal([]byte("12345"), &s); err != nil {
		t.Fatal(err)
	}
	if s.Int64() != 12345 {
		t.Fatalf("plain int: %d", s.Int64())
	}
	if err := yaml.Unmarshal([]byte(`"lots"`), &s); err == nil {
		t.Fatal("invalid size accepted")
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.Ingest.Processor.Workers <= 0 {
		t.Fatal("workers default missing")
	}
	if cfg.Ingest.Queue.Capacity <= 0 {
		t.Fatal("queue capacity default missing")
	}
	if cfg.Ingest.Queue.WAL.MaxFileSize <= 0 {
		t.Fatal("wal size default missing")
	}
	if cfg.Retention.Cron == "" || cfg.Retention.Period <= 0 {
		t.Fatal("retention defaults missing")
	}
}

func TestValidate(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	cfg.Server.TLS.CertFile = "cert.pem"
	if err := cfg.Validate(); err == nil {
		t.Fatal("cert without key accepted")
	}
	cfg.Server.TLS.CertFile = ""

	cfg.Server.FastHTTP.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("fasthttp without address accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PREVALDB_ADDR", "0.0.0.0:7777")
	t.Setenv("PREVALDB_DB_PATH", "/tmp/env-db")
	t.Setenv("PREVALDB_INGEST_WORKERS", "16")
	t.Setenv("PREVALDB_RETENTION_ENABLED", "true")
	t.Setenv("PREVALDB_RETENTION_PERIOD", "48h")

	var cfg Config
	if !LoadEnvOverrides(&cfg) {
		t.Fatal("env vars not detected")
	}
	if cfg.Server.Port != 7777 {
		t.Fatalf("port: %d", cfg.Server.Port)
	}
	if cfg.Storage.DBPath != "/tmp/env-db" {
		t.Fatalf("db path: %s", cfg.Storage.DBPath)
	}
	if cfg.Ingest.Processor.Workers != 16 {
		t.Fatalf("workers: %d", cfg.Ingest.Processor.Workers)
	}
	if !cfg.Retention.Enabled || cfg.Retention.Period.Duration() != 48*time.Hour {
		t.Fatalf("retention: %+v", cfg.Retention)
	}
}

func TestLoadEffectiveMissingFile(t *testing.T) {
	cfg, _, err := LoadEffective(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Ingest.Processor.Workers <= 0 {
		t.Fatal("defaults not applied")
	}
}

func TestResolveConfigPath(t *testing.T) {
	if p := ResolveConfigPath("./flagged.yaml", true); p != "./flagged.yaml" {
		t.Fatalf("flag should win: %s", p)
	}
	t.Setenv("PREVALDB_CONFIG", "/etc/prevaldb.yaml")
	if p := ResolveConfigPath("./default.yaml", false); p != "/etc/prevaldb.yaml" {
		t.Fatalf("env should win over default: %s", p)
	}
}
