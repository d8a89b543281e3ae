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

// Defaults applied when neither file, env nor flags provide a value. The
// numeric bounds are tunables, not contracts.
const (
	DefaultMaxQueueDepth   = 16
	DefaultDispatchTimeout = 30 * time.Second
	DefaultRetryLimit      = 3
	DefaultRetentionTTL    = 720 * time.Hour
	DefaultIngestCapacity  = 4096
	DefaultIngestWorkers   = 8
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

// Load reads a YAML config file from path.
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

// ApplyDefaults fills zero-valued tunables with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Sequencer.MaxQueueDepth <= 0 {
		cfg.Sequencer.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if cfg.Dispatch.Timeout.Duration() <= 0 {
		cfg.Dispatch.Timeout = Duration(DefaultDispatchTimeout)
	}
	if cfg.Dispatch.RetryLimit <= 0 {
		cfg.Dispatch.RetryLimit = DefaultRetryLimit
	}
	if cfg.Retention.TTL.Duration() <= 0 {
		cfg.Retention.TTL = Duration(DefaultRetentionTTL)
	}
	if cfg.Ingest.Capacity <= 0 {
		cfg.Ingest.Capacity = DefaultIngestCapacity
	}
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = DefaultIngestWorkers
	}
	if cfg.Slack.APIBase == "" {
		cfg.Slack.APIBase = "https://slack.com/api"
	}
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

// ResolveConfigPath decides the config file path using the flag-provided value
// and the environment variable `THREADRELAY_CONFIG` when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("THREADRELAY_CONFIG"); p != "" {
		return p
	}
	return flagPath
}

// LoadEnvOverrides applies environment overrides onto the provided cfg and
// reports whether any env vars were used.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false

	if v := os.Getenv("THREADRELAY_ADDR"); v != "" {
		envUsed = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	}
	if v := os.Getenv("THREADRELAY_DB_PATH"); v != "" {
		envUsed = true
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("THREADRELAY_BOT_TOKEN"); v != "" {
		envUsed = true
		cfg.Slack.BotToken = v
	}
	if v := os.Getenv("THREADRELAY_SIGNING_SECRET"); v != "" {
		envUsed = true
		cfg.Slack.SigningSecret = v
	}
	if v := os.Getenv("THREADRELAY_AGENT_URL"); v != "" {
		envUsed = true
		cfg.Agent.URL = v
	}
	if v := os.Getenv("THREADRELAY_MAX_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Sequencer.MaxQueueDepth = n
		}
	}
	if v := os.Getenv("THREADRELAY_DISPATCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Dispatch.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("THREADRELAY_RETRY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Dispatch.RetryLimit = n
		}
	}
	if v := os.Getenv("THREADRELAY_RETENTION_TTL"); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Retention.TTL = Duration(d)
		}
	}
	if v := os.Getenv("THREADRELAY_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envUsed = true
			cfg.Security.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("THREADRELAY_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Security.RateLimit.Burst = n
		}
	}
	return envUsed
}

// LoadEffective loads config from the given path (file) and applies env
// overrides and defaults. A missing file is not fatal; env and defaults
// still apply.
func LoadEffective(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
	}
	envUsed := LoadEnvOverrides(cfg)
	ApplyDefaults(cfg)
	return cfg, envUsed, nil
}
