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
	Slack     SlackConfig     `yaml:"slack"`
	Agent     AgentConfig     `yaml:"agent"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Sequencer SequencerConfig `yaml:"sequencer"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Retention RetentionConfig `yaml:"retention"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	// FastEventsAddr, when set, starts an extra fasthttp listener that
	// serves only the events endpoint for the lowest-latency ack path.
	FastEventsAddr string `yaml:"fast_events_addr"`
}

// StorageConfig holds the thread store location.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// SlackConfig holds platform credentials and the outbound API base.
type SlackConfig struct {
	BotToken      string `yaml:"bot_token"`
	SigningSecret string `yaml:"signing_secret"`
	APIBase       string `yaml:"api_base"`
}

// AgentConfig points at the response-generation collaborator.
type AgentConfig struct {
	URL string `yaml:"url"`
	// Mode selects the agent backend: "http" (default when url set) or
	// "echo" for local runs without a collaborator.
	Mode string `yaml:"mode"`
}

// IngestConfig controls the intake queue between the events endpoint and
// the pipeline workers.
type IngestConfig struct {
	Capacity       int       `yaml:"capacity"`
	Workers        int       `yaml:"workers"`
	MaxPayloadSize SizeBytes `yaml:"max_payload_size"`
}

// SequencerConfig bounds per-thread queuing.
type SequencerConfig struct {
	MaxQueueDepth int `yaml:"max_queue_depth"`
}

// DispatchConfig bounds the agent call.
type DispatchConfig struct {
	Timeout    Duration `yaml:"timeout"`
	RetryLimit int      `yaml:"retry_limit"`
}

// RetentionConfig holds configuration for the thread eviction runner.
type RetentionConfig struct {
	Enabled bool     `yaml:"enabled"`
	Cron    string   `yaml:"cron"`
	TTL     Duration `yaml:"ttl"`
	DryRun  bool     `yaml:"dry_run"`
}

// SecurityConfig holds inbound request protection settings.
type SecurityConfig struct {
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
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
