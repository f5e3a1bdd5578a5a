// Package config loads the server configuration from a YAML file, applies
// PREVALDB_* environment overrides, and fills defaults. Flags beat env,
// env beats file.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 8080
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// Load reads and parses the YAML config at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with working defaults so a server
// can start from an empty config.
func (c *Config) ApplyDefaults() {
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "./.database"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Ingest.Processor.Workers <= 0 {
		c.Ingest.Processor.Workers = 4
	}
	if c.Ingest.Processor.TruncateInterval <= 0 {
		c.Ingest.Processor.TruncateInterval = Duration(30 * time.Second)
	}
	if c.Ingest.Processor.RetryRPS <= 0 {
		c.Ingest.Processor.RetryRPS = 100
	}
	if c.Ingest.Processor.RetryBurst <= 0 {
		c.Ingest.Processor.RetryBurst = 20
	}
	if c.Ingest.Queue.Capacity <= 0 {
		c.Ingest.Queue.Capacity = 16 * 1024
	}
	if c.Ingest.Queue.WAL.MaxFileSize <= 0 {
		c.Ingest.Queue.WAL.MaxFileSize = SizeBytes(64 * 1024 * 1024)
	}
	if c.Retention.Cron == "" {
		c.Retention.Cron = "0 3 * * *"
	}
	if c.Retention.Period <= 0 {
		c.Retention.Period = Duration(90 * 24 * time.Hour)
	}
	if c.Limits.MaxBatchEntries <= 0 {
		c.Limits.MaxBatchEntries = 100000
	}
	if c.Limits.MaxPrefixGroups <= 0 {
		c.Limits.MaxPrefixGroups = 16384
	}
}

// Validate rejects configs a server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("tls cert_file and key_file must be set together")
	}
	if c.Server.FastHTTP.Enabled && c.Server.FastHTTP.Address == "" {
		return fmt.Errorf("fasthttp listener enabled without an address")
	}
	return nil
}

// ParseCommandFlags defines and parses command-line flags and returns their
// values along with a map indicating which flags were explicitly set.
func ParseCommandFlags() (addr string, dbPath string, cfgPath string, setFlags map[string]bool) {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dbPtr := flag.String("db", "./.database", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *addrPtr, *dbPtr, *cfgPtr, setFlags
}

// LoadEnvOverrides applies environment overrides onto the provided cfg and
// reports whether any env vars were used.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false

	if v := os.Getenv("PREVALDB_ADDR"); v != "" {
		envUsed = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	} else {
		if host := os.Getenv("PREVALDB_ADDRESS"); host != "" {
			envUsed = true
			cfg.Server.Address = host
		}
		if port := os.Getenv("PREVALDB_PORT"); port != "" {
			envUsed = true
			if pi, err := strconv.Atoi(port); err == nil {
				cfg.Server.Port = pi
			}
		}
	}

	if v := os.Getenv("PREVALDB_DB_PATH"); v != "" {
		envUsed = true
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("PREVALDB_LOG_LEVEL"); v != "" {
		envUsed = true
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PREVALDB_INGEST_WORKERS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Ingest.Processor.Workers = n
		}
	}
	if v := os.Getenv("PREVALDB_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Ingest.Queue.Capacity = n
		}
	}
	if v := os.Getenv("PREVALDB_WAL_ENABLED"); v != "" {
		envUsed = true
		vl := strings.ToLower(strings.TrimSpace(v))
		cfg.Ingest.Queue.WAL.Enabled = vl == "1" || vl == "true" || vl == "yes"
	}
	if v := os.Getenv("PREVALDB_WAL_DIR"); v != "" {
		envUsed = true
		cfg.Ingest.Queue.WAL.Dir = v
	}
	if v := os.Getenv("PREVALDB_RETENTION_ENABLED"); v != "" {
		envUsed = true
		vl := strings.ToLower(strings.TrimSpace(v))
		cfg.Retention.Enabled = vl == "1" || vl == "true" || vl == "yes"
	}
	if v := os.Getenv("PREVALDB_RETENTION_CRON"); v != "" {
		envUsed = true
		cfg.Retention.Cron = v
	}
	if v := os.Getenv("PREVALDB_RETENTION_PERIOD"); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Retention.Period = Duration(d)
		}
	}
	if c := os.Getenv("PREVALDB_TLS_CERT"); c != "" {
		envUsed = true
		cfg.Server.TLS.CertFile = c
	}
	if k := os.Getenv("PREVALDB_TLS_KEY"); k != "" {
		envUsed = true
		cfg.Server.TLS.KeyFile = k
	}

	return envUsed
}

// LoadEffective loads config from the given path and applies environment
// overrides and defaults. A missing file is not an error; env and defaults
// still apply.
func LoadEffective(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
	}
	envUsed := LoadEnvOverrides(cfg)
	cfg.ApplyDefaults()
	return cfg, envUsed, nil
}

// ResolveConfigPath decides the config file path using the flag-provided value
// and the environment variable `PREVALDB_CONFIG` when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("PREVALDB_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
