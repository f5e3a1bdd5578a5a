package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Retention RetentionConfig `yaml:"retention"`
	Limits    LimitsConfig    `yaml:"limits"`
}

// ServerConfig holds http and tls settings.
type ServerConfig struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	TLS     TLSConfig `yaml:"tls"`
	// FastHTTP enables the separate fasthttp submission listener.
	FastHTTP FastHTTPConfig `yaml:"fasthttp"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// FastHTTPConfig configures the high-throughput submission listener. When
// disabled, submissions go through the regular mux on the main port.
type FastHTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// StorageConfig holds the pebble database location.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// IngestConfig holds queueing and processing configuration.
type IngestConfig struct {
	Processor ProcessorConfig `yaml:"processor"`
	Queue     QueueConfig     `yaml:"queue"`
}

// ProcessorConfig controls merge worker concurrency.
type ProcessorConfig struct {
	Workers          int      `yaml:"workers"`
	TruncateInterval Duration `yaml:"truncate_interval"`
	RetryRPS         float64  `yaml:"retry_rps"`
	RetryBurst       int      `yaml:"retry_burst"`
}

// QueueConfig holds in-memory queue and WAL embedding.
type QueueConfig struct {
	Capacity int       `yaml:"capacity"`
	WAL      WALConfig `yaml:"wal"`
}

// WALConfig represents submission journal tunables.
type WALConfig struct {
	Enabled     bool      `yaml:"enabled"`
	Dir         string    `yaml:"dir"`
	MaxFileSize SizeBytes `yaml:"max_file_size"`
}

// RetentionConfig holds configuration for the automatic purge runner that
// expires aged transaction records and modification markers.
type RetentionConfig struct {
	Enabled bool     `yaml:"enabled"`
	Cron    string   `yaml:"cron"`
	Period  Duration `yaml:"period"`
}

// LimitsConfig bounds submission sizes.
type LimitsConfig struct {
	MaxBatchEntries int `yaml:"max_batch_entries"`
	MaxPrefixGroups int `yaml:"max_prefix_groups"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
