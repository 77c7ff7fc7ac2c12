// Package config implements the supervisor's layered configuration: built-in
// defaults, then a config file in the data directory, then environment
// variables, then explicit caller overrides — each layer recorded in
// Metadata so /status can report where every field actually came from.
package config

import "time"

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

// Config is the supervisor's full runtime configuration.
type Config struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
	RepoDir string `json:"repo_dir" yaml:"repo_dir"`

	TickInterval   time.Duration `json:"tick_interval" yaml:"tick_interval"`
	WorkerCount    int           `json:"worker_count" yaml:"worker_count"`
	EventQueueSize int           `json:"event_queue_size" yaml:"event_queue_size"`

	DeadlineSoft time.Duration `json:"deadline_soft" yaml:"deadline_soft"`
	DeadlineHard time.Duration `json:"deadline_hard" yaml:"deadline_hard"`
	GracefulStop time.Duration `json:"graceful_stop" yaml:"graceful_stop"`
	StaleAfter   time.Duration `json:"stale_after" yaml:"stale_after"`

	BudgetLimitUSD     float64 `json:"budget_limit_usd" yaml:"budget_limit_usd"`
	BudgetDigestEvery  int     `json:"budget_digest_every" yaml:"budget_digest_every"`
	BudgetDigestCron   string  `json:"budget_digest_cron" yaml:"budget_digest_cron"`
	ChatLogRotateBytes int64   `json:"chat_log_rotate_bytes" yaml:"chat_log_rotate_bytes"`

	SafetyPolicyPath    string `json:"safety_policy_path" yaml:"safety_policy_path"`
	SafetyFastModel     string `json:"safety_fast_model" yaml:"safety_fast_model"`
	SafetyDeepModel     string `json:"safety_deep_model" yaml:"safety_deep_model"`
	SafetyVerdictCache  int    `json:"safety_verdict_cache_size" yaml:"safety_verdict_cache_size"`

	APIKey     string `json:"api_key" yaml:"api_key"`
	APIBaseURL string `json:"api_base_url" yaml:"api_base_url"`
	ModelMain  string `json:"model_main" yaml:"model_main"`

	ChatTransport  string `json:"chat_transport" yaml:"chat_transport"`
	TelegramToken  string `json:"telegram_token" yaml:"telegram_token"`
	DashboardAddr  string `json:"dashboard_addr" yaml:"dashboard_addr"`
	MetricsAddr    string `json:"metrics_addr" yaml:"metrics_addr"`

	Environment string `json:"environment" yaml:"environment"`
}

// Metadata records, per field name, which layer last set it.
type Metadata struct {
	sources  map[string]ValueSource
	loadedAt time.Time
}

// Sources returns a defensive copy of the per-field provenance map.
func (m Metadata) Sources() map[string]ValueSource {
	if m.sources == nil {
		return map[string]ValueSource{}
	}
	out := make(map[string]ValueSource, len(m.sources))
	for k, v := range m.sources {
		out[k] = v
	}
	return out
}

// Source returns the provenance of field, defaulting to SourceDefault when
// the field was never explicitly set.
func (m Metadata) Source(field string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if s, ok := m.sources[field]; ok {
		return s
	}
	return SourceDefault
}

// LoadedAt reports when this configuration was assembled.
func (m Metadata) LoadedAt() time.Time { return m.loadedAt }
