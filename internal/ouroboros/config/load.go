package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultTickInterval       = 500 * time.Millisecond
	DefaultWorkerCount        = 3
	DefaultEventQueueSize     = 1024
	DefaultDeadlineSoft       = 10 * time.Minute
	DefaultDeadlineHard       = 30 * time.Minute
	DefaultGracefulStop       = 5 * time.Second
	DefaultStaleAfter         = 30 * time.Second
	DefaultBudgetDigestEvery  = 10
	DefaultBudgetDigestCron   = "0 0 * * * *" // hourly, on the hour, seconds field included
	DefaultChatLogRotateBytes = 5 * 1024 * 1024
	DefaultSafetyVerdictCache = 512
)

// Load assembles a Config from defaults, an optional config file, the
// environment, then explicit overrides — in that precedence order, lowest
// to highest.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{envLookup: DefaultEnvLookup}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}

	cfg := Config{
		DataDir:            "~/.ouroboros",
		RepoDir:            "~/.ouroboros/repo",
		TickInterval:       DefaultTickInterval,
		WorkerCount:        DefaultWorkerCount,
		EventQueueSize:     DefaultEventQueueSize,
		DeadlineSoft:       DefaultDeadlineSoft,
		DeadlineHard:       DefaultDeadlineHard,
		GracefulStop:       DefaultGracefulStop,
		StaleAfter:         DefaultStaleAfter,
		BudgetLimitUSD:     20.0,
		BudgetDigestEvery:  DefaultBudgetDigestEvery,
		BudgetDigestCron:   DefaultBudgetDigestCron,
		ChatLogRotateBytes: DefaultChatLogRotateBytes,
		SafetyPolicyPath:   "~/.ouroboros/safety_policy.yaml",
		SafetyFastModel:    "fast",
		SafetyDeepModel:    "deep",
		SafetyVerdictCache: DefaultSafetyVerdictCache,
		ModelMain:          "main",
		ChatTransport:      "local",
		DashboardAddr:      "127.0.0.1:8780",
		MetricsAddr:        "127.0.0.1:8781",
		Environment:        "development",
	}

	if err := applyFile(&cfg, &meta, options); err != nil {
		return Config{}, Metadata{}, err
	}
	applyEnv(&cfg, &meta, options.envLookup)
	applyOverrides(&cfg, &meta, options.overrides)
	normalize(&cfg)

	return cfg, meta, nil
}

func applyFile(cfg *Config, meta *Metadata, options loadOptions) error {
	v := viper.New()
	if options.configPath != "" {
		v.SetConfigFile(options.configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(ResolveDataDir(cfg.DataDir))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading file: %w", err)
	}

	setIfPresent := func(key string, apply func()) {
		if v.IsSet(key) {
			apply()
			meta.sources[key] = SourceFile
		}
	}

	setIfPresent("data_dir", func() { cfg.DataDir = v.GetString("data_dir") })
	setIfPresent("repo_dir", func() { cfg.RepoDir = v.GetString("repo_dir") })
	setIfPresent("tick_interval", func() { cfg.TickInterval = v.GetDuration("tick_interval") })
	setIfPresent("worker_count", func() { cfg.WorkerCount = v.GetInt("worker_count") })
	setIfPresent("event_queue_size", func() { cfg.EventQueueSize = v.GetInt("event_queue_size") })
	setIfPresent("deadline_soft", func() { cfg.DeadlineSoft = v.GetDuration("deadline_soft") })
	setIfPresent("deadline_hard", func() { cfg.DeadlineHard = v.GetDuration("deadline_hard") })
	setIfPresent("graceful_stop", func() { cfg.GracefulStop = v.GetDuration("graceful_stop") })
	setIfPresent("stale_after", func() { cfg.StaleAfter = v.GetDuration("stale_after") })
	setIfPresent("budget_limit_usd", func() { cfg.BudgetLimitUSD = v.GetFloat64("budget_limit_usd") })
	setIfPresent("budget_digest_every", func() { cfg.BudgetDigestEvery = v.GetInt("budget_digest_every") })
	setIfPresent("budget_digest_cron", func() { cfg.BudgetDigestCron = v.GetString("budget_digest_cron") })
	setIfPresent("chat_log_rotate_bytes", func() { cfg.ChatLogRotateBytes = v.GetInt64("chat_log_rotate_bytes") })
	setIfPresent("safety_policy_path", func() { cfg.SafetyPolicyPath = v.GetString("safety_policy_path") })
	setIfPresent("safety_fast_model", func() { cfg.SafetyFastModel = v.GetString("safety_fast_model") })
	setIfPresent("safety_deep_model", func() { cfg.SafetyDeepModel = v.GetString("safety_deep_model") })
	setIfPresent("safety_verdict_cache_size", func() { cfg.SafetyVerdictCache = v.GetInt("safety_verdict_cache_size") })
	setIfPresent("api_key", func() { cfg.APIKey = v.GetString("api_key") })
	setIfPresent("api_base_url", func() { cfg.APIBaseURL = v.GetString("api_base_url") })
	setIfPresent("model_main", func() { cfg.ModelMain = v.GetString("model_main") })
	setIfPresent("chat_transport", func() { cfg.ChatTransport = v.GetString("chat_transport") })
	setIfPresent("telegram_token", func() { cfg.TelegramToken = v.GetString("telegram_token") })
	setIfPresent("dashboard_addr", func() { cfg.DashboardAddr = v.GetString("dashboard_addr") })
	setIfPresent("metrics_addr", func() { cfg.MetricsAddr = v.GetString("metrics_addr") })
	setIfPresent("environment", func() { cfg.Environment = v.GetString("environment") })

	return nil
}

func applyEnv(cfg *Config, meta *Metadata, lookup EnvLookup) {
	str := func(key, field string, dst *string) {
		if val, ok := lookup(key); ok && val != "" {
			*dst = val
			meta.sources[field] = SourceEnv
		}
	}
	dur := func(key, field string, dst *time.Duration) {
		if val, ok := lookup(key); ok && val != "" {
			if parsed, err := time.ParseDuration(val); err == nil {
				*dst = parsed
				meta.sources[field] = SourceEnv
			}
		}
	}
	integer := func(key, field string, dst *int) {
		if val, ok := lookup(key); ok && val != "" {
			if parsed, err := strconv.Atoi(val); err == nil {
				*dst = parsed
				meta.sources[field] = SourceEnv
			}
		}
	}
	float := func(key, field string, dst *float64) {
		if val, ok := lookup(key); ok && val != "" {
			if parsed, err := strconv.ParseFloat(val, 64); err == nil {
				*dst = parsed
				meta.sources[field] = SourceEnv
			}
		}
	}

	str("OUROBOROS_DATA_DIR", "data_dir", &cfg.DataDir)
	str("OUROBOROS_REPO_DIR", "repo_dir", &cfg.RepoDir)
	dur("OUROBOROS_TICK_INTERVAL", "tick_interval", &cfg.TickInterval)
	integer("OUROBOROS_WORKER_COUNT", "worker_count", &cfg.WorkerCount)
	integer("OUROBOROS_EVENT_QUEUE_SIZE", "event_queue_size", &cfg.EventQueueSize)
	dur("OUROBOROS_DEADLINE_SOFT", "deadline_soft", &cfg.DeadlineSoft)
	dur("OUROBOROS_DEADLINE_HARD", "deadline_hard", &cfg.DeadlineHard)
	dur("OUROBOROS_GRACEFUL_STOP", "graceful_stop", &cfg.GracefulStop)
	dur("OUROBOROS_STALE_AFTER", "stale_after", &cfg.StaleAfter)
	float("OUROBOROS_BUDGET_LIMIT_USD", "budget_limit_usd", &cfg.BudgetLimitUSD)
	str("OUROBOROS_SAFETY_POLICY_PATH", "safety_policy_path", &cfg.SafetyPolicyPath)
	str("OUROBOROS_API_KEY", "api_key", &cfg.APIKey)
	str("OPENROUTER_API_KEY", "api_key", &cfg.APIKey)
	str("OUROBOROS_API_BASE_URL", "api_base_url", &cfg.APIBaseURL)
	str("OUROBOROS_MODEL", "model_main", &cfg.ModelMain)
	str("OUROBOROS_MODEL_LIGHT", "safety_fast_model", &cfg.SafetyFastModel)
	str("OUROBOROS_MODEL_CODE", "safety_deep_model", &cfg.SafetyDeepModel)
	str("OUROBOROS_CHAT_TRANSPORT", "chat_transport", &cfg.ChatTransport)
	str("OUROBOROS_TELEGRAM_TOKEN", "telegram_token", &cfg.TelegramToken)
	str("OUROBOROS_DASHBOARD_ADDR", "dashboard_addr", &cfg.DashboardAddr)
	str("OUROBOROS_METRICS_ADDR", "metrics_addr", &cfg.MetricsAddr)
	str("OUROBOROS_ENVIRONMENT", "environment", &cfg.Environment)
}

func applyOverrides(cfg *Config, meta *Metadata, overrides Overrides) {
	if overrides.DataDir != "" {
		cfg.DataDir = overrides.DataDir
		meta.sources["data_dir"] = SourceOverride
	}
	if overrides.WorkerCount != 0 {
		cfg.WorkerCount = overrides.WorkerCount
		meta.sources["worker_count"] = SourceOverride
	}
	for field := range overrides.Set {
		meta.sources[field] = SourceOverride
	}
}

func normalize(cfg *Config) {
	cfg.DataDir = ResolveDataDir(cfg.DataDir)
	cfg.RepoDir = strings.TrimSpace(cfg.RepoDir)
	cfg.SafetyPolicyPath = strings.TrimSpace(cfg.SafetyPolicyPath)
	cfg.ChatTransport = strings.ToLower(strings.TrimSpace(cfg.ChatTransport))
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultWorkerCount
	}
	if cfg.WorkerCount > 10 {
		cfg.WorkerCount = 10
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = DefaultEventQueueSize
	}
}

// ResolveDataDir expands a leading ~ in dir to the user's home directory.
func ResolveDataDir(dir string) string {
	if dir == "" || dir[0] != '~' {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dir
	}
	if len(dir) == 1 {
		return home
	}
	if dir[1] == '/' {
		return home + dir[1:]
	}
	return home + "/" + dir[1:]
}
