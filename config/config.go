// Package config loads the dispatcher's yaml configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/guardrail-sh/dispatch/types"
)

// Config is the full dispatcher configuration.
type Config struct {
	Version string `yaml:"version"`
	Region  string `yaml:"region"`

	Session  Session  `yaml:"session"`
	Mapping  Mapping  `yaml:"mapping"`
	Policies Policies `yaml:"policies"`
	Queues   Queues   `yaml:"queues"`
	Dispatch Dispatch `yaml:"dispatch"`
	Storage  Storage  `yaml:"storage"`
	OTEL     OTEL     `yaml:"otel,omitempty"`
}

// Session configures the cross-account broker.
type Session struct {
	RoleName         string        `yaml:"role_name"`
	ExternalIDPrefix string        `yaml:"external_id_prefix"`
	Duration         time.Duration `yaml:"duration,omitempty"`
	MaxAttempts      int           `yaml:"max_attempts,omitempty"`
}

// Mapping locates the policy mapping document.
type Mapping struct {
	Path            string        `yaml:"path"`
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty"`
}

// Policies locates the policy definitions.
type Policies struct {
	Dir string `yaml:"dir"`
}

// Queues names the notification and inbound queues.
type Queues struct {
	RealtimeURL string `yaml:"realtime_url"`
	PeriodicURL string `yaml:"periodic_url"`
	// InboundURL is only required by the listen daemon.
	InboundURL string `yaml:"inbound_url,omitempty"`
}

// Dispatch tunes per-dispatch behavior.
type Dispatch struct {
	Deadline          time.Duration `yaml:"deadline,omitempty"`
	RouteReserve      time.Duration `yaml:"route_reserve,omitempty"`
	PublishAttempts   int           `yaml:"publish_attempts,omitempty"`
	WorkerConcurrency int           `yaml:"worker_concurrency,omitempty"`
}

// Storage locates the local durable stores.
type Storage struct {
	DeadLetterDir string `yaml:"dead_letter_dir"`
	JournalDir    string `yaml:"journal_dir,omitempty"`
}

// OTEL configures trace and metric export.
type OTEL struct {
	Endpoint    string `yaml:"endpoint,omitempty"`
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Session.Duration <= 0 {
		c.Session.Duration = 15 * time.Minute
	}
	if c.Session.MaxAttempts <= 0 {
		c.Session.MaxAttempts = 3
	}
	if c.Mapping.RefreshInterval <= 0 {
		c.Mapping.RefreshInterval = time.Minute
	}
	if c.Dispatch.Deadline <= 0 {
		c.Dispatch.Deadline = 2 * time.Minute
	}
	if c.Dispatch.RouteReserve <= 0 {
		c.Dispatch.RouteReserve = 5 * time.Second
	}
	if c.Dispatch.PublishAttempts <= 0 {
		c.Dispatch.PublishAttempts = 4
	}
	if c.Dispatch.WorkerConcurrency <= 0 {
		c.Dispatch.WorkerConcurrency = 4
	}
	if c.OTEL.MetricsAddr == "" {
		c.OTEL.MetricsAddr = ":9090"
	}
}

// Validate ensures the config can actually drive a dispatch.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.Session.RoleName == "" {
		return fmt.Errorf("session.role_name is required")
	}
	if c.Session.ExternalIDPrefix == "" {
		return fmt.Errorf("session.external_id_prefix is required")
	}
	if c.Mapping.Path == "" {
		return fmt.Errorf("mapping.path is required")
	}
	if c.Policies.Dir == "" {
		return fmt.Errorf("policies.dir is required")
	}
	if c.Queues.RealtimeURL == "" || c.Queues.PeriodicURL == "" {
		return fmt.Errorf("queues.realtime_url and queues.periodic_url are required")
	}
	if c.Storage.DeadLetterDir == "" {
		return fmt.Errorf("storage.dead_letter_dir is required")
	}
	if c.Dispatch.RouteReserve >= c.Dispatch.Deadline {
		return fmt.Errorf("dispatch.route_reserve must be smaller than dispatch.deadline")
	}
	return nil
}

// ExternalID returns the external id the trust contract requires for
// accountID.
func (c *Config) ExternalID(accountID string) string {
	return fmt.Sprintf("%s-%s", c.Session.ExternalIDPrefix, accountID)
}

// ChannelQueueURL maps a channel onto its queue URL.
func (c *Config) ChannelQueueURL(channel types.Channel) (string, error) {
	switch channel {
	case types.ChannelRealtime:
		return c.Queues.RealtimeURL, nil
	case types.ChannelPeriodic:
		return c.Queues.PeriodicURL, nil
	default:
		return "", fmt.Errorf("unknown channel %q", channel)
	}
}
