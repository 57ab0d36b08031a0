package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`

	// Storage controls the optional persistence layer. If omitted, tasks,
	// snapshots and devices live in memory only.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Queue controls the dispatch task queue. All durations are Go duration
	// strings (e.g. "500ms", "10s", "2m").
	Queue *QueueConfig `json:"queue,omitempty"`

	Dispatcher DispatcherConfig `json:"dispatcher"`
	Policy     PolicyConfig     `json:"policy,omitempty"`

	// Accounts are the provider credentials messages are sent with. Device
	// registrations reference accounts by id.
	Accounts []AccountConfig `json:"accounts"`

	Ingest IngestConfig `json:"ingest"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./transitpush.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// QueueConfig controls the task queue.
//
// Defaults (when fields are omitted/zero):
//   - queue_size: 250
//   - poll_interval: "1s"
//   - max_retries: 10
//   - retry_step: "2m"
//   - history_size: 300
type QueueConfig struct {
	QueueSize    int    `json:"queue_size,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	MaxRetries   int    `json:"max_retries,omitempty"`
	RetryStep    string `json:"retry_step,omitempty"`
	HistorySize  int    `json:"history_size,omitempty"`
}

// DispatcherConfig controls the provider HTTP client.
type DispatcherConfig struct {
	// Endpoint overrides the provider send URL. Mainly for tests and
	// staging proxies.
	Endpoint   string `json:"endpoint,omitempty"`
	BlockSize  int    `json:"block_size,omitempty"`
	Timeout    string `json:"timeout,omitempty"` // Go duration string
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// PolicyConfig controls message building behavior.
//
// EscalateWeather is a pointer so an omitted field defaults to true while an
// explicit false is honored.
type PolicyConfig struct {
	EscalateWeather *bool `json:"escalate_weather,omitempty"`
	DryRun          bool  `json:"dry_run,omitempty"`
	DelayWhileIdle  bool  `json:"delay_while_idle,omitempty"`
}

type AccountConfig struct {
	ID        string `json:"id"`
	ServerKey string `json:"server_key"`
}

// IngestConfig controls feed polling.
type IngestConfig struct {
	// FetchTimeout bounds a single feed download. Go duration string.
	FetchTimeout string `json:"fetch_timeout,omitempty"`

	// PollOnStart runs every feed once right after startup.
	PollOnStart bool `json:"poll_on_start,omitempty"`

	Feeds []FeedConfig `json:"feeds"`
}

type FeedConfig struct {
	AgencyID string `json:"agency_id"`
	URL      string `json:"url"`
	// Schedule is a cron expression, HH:MM or Go duration (see ingest).
	Schedule string `json:"schedule"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0
	// (disabled) so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Validate runs the cheap structural checks that don't need any wiring:
// required fields, parseable durations, known storage drivers. Schedule
// expressions are validated by the poller at start.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	seen := map[string]bool{}
	for i, a := range c.Accounts {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("accounts[%d]: id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("accounts[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
		if strings.TrimSpace(a.ServerKey) == "" {
			return fmt.Errorf("accounts[%d]: server_key is required", i)
		}
	}

	for i, f := range c.Ingest.Feeds {
		if strings.TrimSpace(f.AgencyID) == "" {
			return fmt.Errorf("ingest.feeds[%d]: agency_id is required", i)
		}
		if strings.TrimSpace(f.URL) == "" {
			return fmt.Errorf("ingest.feeds[%d]: url is required", i)
		}
		if strings.TrimSpace(f.Schedule) == "" {
			return fmt.Errorf("ingest.feeds[%d]: schedule is required", i)
		}
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}

	if q := c.Queue; q != nil {
		if _, err := ParseDurationField("queue.poll_interval", q.PollInterval); err != nil {
			return err
		}
		if _, err := ParseDurationField("queue.retry_step", q.RetryStep); err != nil {
			return err
		}
	}
	if _, err := ParseDurationField("dispatcher.timeout", c.Dispatcher.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("ingest.fetch_timeout", c.Ingest.FetchTimeout); err != nil {
		return err
	}
	return nil
}

// EscalateWeatherEnabled returns the effective weather escalation flag
// (default true when omitted).
func (p PolicyConfig) EscalateWeatherEnabled() bool {
	if p.EscalateWeather == nil {
		return true
	}
	return *p.EscalateWeather
}
