package app

import (
	"fmt"
	"strings"
	"time"

	"transitpush/internal/config"
	"transitpush/internal/ingest"
	"transitpush/internal/observability/pprof"
	"transitpush/internal/push"
	"transitpush/internal/push/fcm"
	"transitpush/internal/push/queue"
	"transitpush/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	var out queue.Config
	if cfg == nil || cfg.Queue == nil {
		return out, nil
	}
	q := cfg.Queue
	out.QueueSize = q.QueueSize
	out.MaxRetries = q.MaxRetries
	out.HistorySize = q.HistorySize

	var err error
	if out.PollInterval, err = config.ParseDurationField("queue.poll_interval", q.PollInterval); err != nil {
		return out, err
	}
	if out.RetryStep, err = config.ParseDurationField("queue.retry_step", q.RetryStep); err != nil {
		return out, err
	}
	return out, nil
}

func mapDispatcherConfig(cfg *config.Config) (fcm.Config, error) {
	var out fcm.Config
	if cfg == nil {
		return out, nil
	}
	d := cfg.Dispatcher
	out.Endpoint = strings.TrimSpace(d.Endpoint)
	out.BlockSize = d.BlockSize
	out.RatePerSec = d.RatePerSec

	var err error
	if out.Timeout, err = config.ParseDurationField("dispatcher.timeout", d.Timeout); err != nil {
		return out, err
	}
	return out, nil
}

func mapPolicy(cfg *config.Config) push.Policy {
	if cfg == nil {
		return push.Policy{EscalateWeather: true}
	}
	return push.Policy{
		EscalateWeather: cfg.Policy.EscalateWeatherEnabled(),
		DryRun:          cfg.Policy.DryRun,
		DelayWhileIdle:  cfg.Policy.DelayWhileIdle,
	}
}

func mapIngestConfig(cfg *config.Config) (ingest.Config, error) {
	var out ingest.Config
	if cfg == nil {
		return out, nil
	}
	out.PollOnStart = cfg.Ingest.PollOnStart
	for _, f := range cfg.Ingest.Feeds {
		out.Feeds = append(out.Feeds, ingest.Feed{
			AgencyID: strings.TrimSpace(f.AgencyID),
			URL:      strings.TrimSpace(f.URL),
			Schedule: f.Schedule,
		})
	}
	for _, a := range cfg.Accounts {
		out.Accounts = append(out.Accounts, push.Account{
			ID:        strings.TrimSpace(a.ID),
			ServerKey: a.ServerKey,
		})
	}

	var err error
	if out.FetchTimeout, err = config.ParseDurationField("ingest.fetch_timeout", cfg.Ingest.FetchTimeout); err != nil {
		return out, err
	}
	return out, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	var out pprof.Config
	if cfg == nil {
		return out, nil
	}
	p := cfg.Pprof
	out.Enabled = p.Enabled
	out.Addr = strings.TrimSpace(p.Addr)
	out.Prefix = strings.TrimSpace(p.Prefix)
	out.Token = p.Token
	out.AllowInsecure = p.AllowInsecure

	var err error
	if out.ReadTimeout, err = config.ParseDurationField("pprof.read_timeout", p.ReadTimeout); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("pprof.write_timeout", p.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("pprof.idle_timeout", p.IdleTimeout); err != nil {
		return out, err
	}
	return out, nil
}
