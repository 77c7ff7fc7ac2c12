package config

import "os"

// EnvLookup abstracts environment variable lookup for testability.
type EnvLookup func(key string) (string, bool)

// Option customizes Load's behavior.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	configPath string
	overrides  Overrides
}

// Overrides holds caller-supplied values that always win, regardless of
// file or environment contents. Only non-zero DataDir and WorkerCount are
// applied. Keys in Set are recorded as override-sourced in Metadata; Set
// does not change any field's value.
type Overrides struct {
	DataDir     string
	WorkerCount int
	Set         map[string]any
}

// WithEnv supplies a custom environment lookup, used in tests.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithConfigPath forces the loader to read a specific file instead of the
// default <data-dir>/config.yaml.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) { o.configPath = path }
}

// WithOverrides applies caller overrides with the highest precedence.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) { o.overrides = overrides }
}

// DefaultEnvLookup delegates to os.LookupEnv.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}
