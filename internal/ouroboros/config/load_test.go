package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, meta, err := Load(WithEnv(func(string) (string, bool) { return "", false }))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerCount != DefaultWorkerCount {
		t.Errorf("WorkerCount = %d, want default %d", cfg.WorkerCount, DefaultWorkerCount)
	}
	if meta.Source("worker_count") != SourceDefault {
		t.Errorf("Source(worker_count) = %s, want default", meta.Source("worker_count"))
	}
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	env := map[string]string{"OUROBOROS_WORKER_COUNT": "7"}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg, meta, err := Load(WithEnv(lookup))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerCount != 7 {
		t.Errorf("WorkerCount = %d, want 7", cfg.WorkerCount)
	}
	if meta.Source("worker_count") != SourceEnv {
		t.Errorf("Source(worker_count) = %s, want environment", meta.Source("worker_count"))
	}
}

func TestOverridesWinOverEnv(t *testing.T) {
	env := map[string]string{"OUROBOROS_WORKER_COUNT": "7"}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg, meta, err := Load(
		WithEnv(lookup),
		WithOverrides(Overrides{WorkerCount: 9}),
	)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerCount != 9 {
		t.Errorf("WorkerCount = %d, want 9 (override)", cfg.WorkerCount)
	}
	if meta.Source("worker_count") != SourceOverride {
		t.Errorf("Source(worker_count) = %s, want override", meta.Source("worker_count"))
	}
}

func TestNormalizeClampsNonPositiveWorkerCountToDefault(t *testing.T) {
	env := map[string]string{"OUROBOROS_WORKER_COUNT": "-3"}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg, _, err := Load(WithEnv(lookup))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerCount != DefaultWorkerCount {
		t.Fatalf("WorkerCount = %d, want normalized back to default %d", cfg.WorkerCount, DefaultWorkerCount)
	}
}
