// SPDX-License-Identifier: AGPL-3.0-only
// Provenance-includes-location: https://github.com/grafana/mimir/blob/main/pkg/compactor/compactor.go

package compactor

import (
	"flag"
	"time"
)

// CoordinatorConfig is the Coordinator's ambient configuration: round
// cadence, retry policy, dispatch concurrency, and the domain knobs needed
// to build a Config (generation.go) (row limit, level-two duration, index
// columns). Mirrors the teacher's compactor.Config: flag-registered with
// yaml tags, validated before use.
type CoordinatorConfig struct {
	RoundInterval       time.Duration `yaml:"round_interval"`
	RoundTimeout        time.Duration `yaml:"round_timeout"`
	CompactionRetries   int           `yaml:"compaction_retries"`
	RetryMinBackoff     time.Duration `yaml:"retry_min_backoff"`
	RetryMaxBackoff     time.Duration `yaml:"retry_max_backoff"`
	DispatchConcurrency int           `yaml:"dispatch_concurrency"`

	RowLimit         int64         `yaml:"row_limit"`
	LevelTwoDuration time.Duration `yaml:"level_two_duration"`
	IndexColumns     []string      `yaml:"index_columns"`

	Namespace string `yaml:"namespace"`

	PrefetchIdleTimeout time.Duration `yaml:"prefetch_idle_timeout"`
}

// RegisterFlags registers the Coordinator's flags.
func (cfg *CoordinatorConfig) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&cfg.RoundInterval, "compactor.round-interval", time.Minute, "How frequently the coordinator collects host snapshots and evaluates whether to compact.")
	f.DurationVar(&cfg.RoundTimeout, "compactor.round-timeout", 10*time.Minute, "Max time a single compaction round may run before it is aborted.")
	f.IntVar(&cfg.CompactionRetries, "compactor.compaction-retries", 3, "Maximum number of dispatch-and-commit attempts for a round, the first one included, before giving up on it. 0 keeps retrying until the round timeout.")
	f.DurationVar(&cfg.RetryMinBackoff, "compactor.retry-min-backoff", time.Second, "Minimum backoff between round retries.")
	f.DurationVar(&cfg.RetryMaxBackoff, "compactor.retry-max-backoff", 30*time.Second, "Maximum backoff between round retries.")
	f.IntVar(&cfg.DispatchConcurrency, "compactor.dispatch-concurrency", 4, "Max number of file-compactor jobs to run concurrently within a round.")
	f.Int64Var(&cfg.RowLimit, "compactor.row-limit", 1_000_000, "Soft per-output-file row cap.")
	f.DurationVar(&cfg.LevelTwoDuration, "compactor.level-two-duration", 20*time.Minute, "Block-alignment duration for level-two generations.")
	f.DurationVar(&cfg.PrefetchIdleTimeout, "compactor.prefetch-idle-timeout", 5*time.Minute, "How long an unused cached input chunk is kept before eviction. 0 disables idle eviction; cached chunks are then kept indefinitely.")
	f.StringVar(&cfg.Namespace, "compactor.namespace", "compactor", "Prefix under which summaries and output files are written in the object store.")
}

// Validate checks the CoordinatorConfig for internally inconsistent values.
func (cfg *CoordinatorConfig) Validate() error {
	if cfg.RoundInterval <= 0 {
		return newConfigError("round interval must be positive, got %s", cfg.RoundInterval)
	}
	if cfg.CompactionRetries < 0 {
		return newConfigError("compaction retries must not be negative, got %d", cfg.CompactionRetries)
	}
	if cfg.RetryMinBackoff > cfg.RetryMaxBackoff {
		return newConfigError("retry-min-backoff (%s) must not exceed retry-max-backoff (%s)", cfg.RetryMinBackoff, cfg.RetryMaxBackoff)
	}
	if cfg.DispatchConcurrency <= 0 {
		return newConfigError("dispatch concurrency must be positive, got %d", cfg.DispatchConcurrency)
	}
	if cfg.RowLimit <= 0 {
		return newConfigError("row limit must be positive, got %d", cfg.RowLimit)
	}
	if cfg.Namespace == "" {
		return newConfigError("namespace must not be empty")
	}
	return nil
}

// GenerationConfig projects the domain knobs out of CoordinatorConfig into
// the Config shape planGen1Compaction and CreateGen1Plan expect.
func (cfg CoordinatorConfig) GenerationConfig() Config {
	return Config{
		Durations:    map[Level]time.Duration{LevelTwo: cfg.LevelTwoDuration},
		RowLimit:     cfg.RowLimit,
		IndexColumns: cfg.IndexColumns,
	}
}
