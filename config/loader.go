package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full agentmesh configuration.
type Config struct {
	// Engine configures the scheduler.
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Compaction configures working-memory compaction.
	Compaction CompactionConfig `yaml:"compaction" env:"COMPACTION"`

	// Store configures run persistence.
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Log configures logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// EngineConfig configures the scheduler.
type EngineConfig struct {
	// ConcurrencyLimit bounds simultaneously running steps.
	ConcurrencyLimit int `yaml:"concurrency_limit" env:"CONCURRENCY_LIMIT"`

	// ContinueOnError keeps independent branches running after a step fails.
	ContinueOnError bool `yaml:"continue_on_error" env:"CONTINUE_ON_ERROR"`

	// DefaultStepTimeout applies to steps that declare none; the adapter's
	// own timeout still wins when this is zero.
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout" env:"DEFAULT_STEP_TIMEOUT"`

	// AwaitTimeout bounds cmd's wait for a run to finish.
	AwaitTimeout time.Duration `yaml:"await_timeout" env:"AWAIT_TIMEOUT"`
}

// CompactionConfig configures working-memory compaction.
type CompactionConfig struct {
	// Budget is the context budget in context units.
	Budget int `yaml:"budget" env:"BUDGET"`

	// ApproachingRatio of budget marks a context as approaching its limit.
	ApproachingRatio float64 `yaml:"approaching_ratio" env:"APPROACHING_RATIO"`

	// ForcedRatio of budget forces a compaction pass.
	ForcedRatio float64 `yaml:"forced_ratio" env:"FORCED_RATIO"`

	// TargetRatio of budget is the size compaction aims for.
	TargetRatio float64 `yaml:"target_ratio" env:"TARGET_RATIO"`

	// SimilarityThreshold for the semantic tier, in [0,1].
	SimilarityThreshold float64 `yaml:"similarity_threshold" env:"SIMILARITY_THRESHOLD"`

	// RecentKeep is how many newest entries the aggressive tier spares.
	RecentKeep int `yaml:"recent_keep" env:"RECENT_KEEP"`

	// Sizer selects the context-unit sizer: estimate, tiktoken.
	Sizer string `yaml:"sizer" env:"SIZER"`
}

// StoreConfig configures run persistence.
type StoreConfig struct {
	// Type selects the backend: memory, sqlite, redis.
	Type string `yaml:"type" env:"TYPE"`

	// Redis backend settings.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// SQLite backend settings.
	SQLite SQLiteConfig `yaml:"sqlite" env:"SQLITE"`

	// Retention settings for terminal runs.
	Retention RetentionConfig `yaml:"retention" env:"RETENTION"`
}

// RedisConfig configures the Redis store backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	// KeyPrefix namespaces all keys.
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	PoolSize  int    `yaml:"pool_size" env:"POOL_SIZE"`
}

// SQLiteConfig configures the SQLite store backend.
type SQLiteConfig struct {
	// Path is the database file; ":memory:" gives an in-memory database.
	Path string `yaml:"path" env:"PATH"`
}

// RetentionConfig configures automatic cleanup of terminal runs.
type RetentionConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// MaxAge is how long terminal runs are kept.
	MaxAge time.Duration `yaml:"max_age" env:"MAX_AGE"`
	// Interval between cleanup sweeps.
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths passed through to zap.
	OutputPaths  []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Addr the /metrics server listens on.
	Addr string `yaml:"addr" env:"ADDR"`
	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// Loader loads configuration with precedence defaults, then YAML file,
// then environment variables.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTMESH",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path. A missing file is not an error;
// defaults plus env apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment-variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// setFieldsFromEnv walks the struct and overrides fields from variables
// named <prefix>_<ENV_TAG>[_<NESTED_TAG>...].
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string slices only.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads configuration from a file, panicking on error.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("load config: %v", err))
	}
	return cfg
}

// Validate checks configuration bounds.
func (c *Config) Validate() error {
	var errs []string

	if c.Engine.ConcurrencyLimit <= 0 {
		errs = append(errs, "engine.concurrency_limit must be positive")
	}
	if c.Compaction.Budget <= 0 {
		errs = append(errs, "compaction.budget must be positive")
	}
	for _, r := range []struct {
		name  string
		value float64
	}{
		{"compaction.approaching_ratio", c.Compaction.ApproachingRatio},
		{"compaction.forced_ratio", c.Compaction.ForcedRatio},
		{"compaction.target_ratio", c.Compaction.TargetRatio},
	} {
		if r.value <= 0 || r.value > 1 {
			errs = append(errs, fmt.Sprintf("%s must be in (0,1]", r.name))
		}
	}
	if c.Compaction.ApproachingRatio > c.Compaction.ForcedRatio {
		errs = append(errs, "compaction.approaching_ratio must not exceed forced_ratio")
	}
	if c.Compaction.SimilarityThreshold < 0 || c.Compaction.SimilarityThreshold > 1 {
		errs = append(errs, "compaction.similarity_threshold must be in [0,1]")
	}
	switch c.Store.Type {
	case "memory", "sqlite", "redis", "":
	default:
		errs = append(errs, fmt.Sprintf("unknown store.type %q", c.Store.Type))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error", "":
	default:
		errs = append(errs, fmt.Sprintf("unknown log.level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console", "":
	default:
		errs = append(errs, fmt.Sprintf("unknown log.format %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
