package config

import (
	"reflect"
	"strings"

	logx "transitpush/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (server keys, pprof token) are never
// included, only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs,
				logx.String("storage.driver", newCfg.Storage.Driver),
				logx.String("storage.path", newCfg.Storage.Path),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		if q := newCfg.Queue; q != nil {
			attrs = append(attrs,
				logx.Int("queue.size", q.QueueSize),
				logx.Int("queue.max_retries", q.MaxRetries),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Int("dispatcher.block_size", newCfg.Dispatcher.BlockSize),
			logx.Int("dispatcher.rate_per_sec", newCfg.Dispatcher.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Policy, newCfg.Policy) {
		changed = append(changed, "policy")
		attrs = append(attrs,
			logx.Bool("policy.escalate_weather", newCfg.Policy.EscalateWeatherEnabled()),
			logx.Bool("policy.dry_run", newCfg.Policy.DryRun),
		)
	}

	if accountsChanged(oldCfg.Accounts, newCfg.Accounts) {
		changed = append(changed, "accounts")
		attrs = append(attrs, logx.Int("accounts.count", len(newCfg.Accounts)))
	}

	if !reflect.DeepEqual(oldCfg.Ingest, newCfg.Ingest) {
		changed = append(changed, "ingest")
		attrs = append(attrs,
			logx.Int("ingest.feeds", len(newCfg.Ingest.Feeds)),
			logx.Bool("ingest.poll_on_start", newCfg.Ingest.PollOnStart),
		)
	}

	return changed, attrs
}

// accountsChanged compares account lists without depending on order, and
// detects key rotation without comparing the keys themselves beyond equality.
func accountsChanged(oldA, newA []AccountConfig) bool {
	if len(oldA) != len(newA) {
		return true
	}
	oldM := map[string]string{}
	for _, a := range oldA {
		oldM[a.ID] = a.ServerKey
	}
	for _, a := range newA {
		key, ok := oldM[a.ID]
		if !ok || key != a.ServerKey {
			return true
		}
	}
	return false
}
