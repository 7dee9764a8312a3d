package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine:     DefaultEngineConfig(),
		Compaction: DefaultCompactionConfig(),
		Store:      DefaultStoreConfig(),
		Log:        DefaultLogConfig(),
		Metrics:    DefaultMetricsConfig(),
	}
}

// DefaultEngineConfig returns the default scheduler configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ConcurrencyLimit:   4,
		ContinueOnError:    false,
		DefaultStepTimeout: 0,
		AwaitTimeout:       10 * time.Minute,
	}
}

// DefaultCompactionConfig returns the default compaction configuration.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		Budget:              1000,
		ApproachingRatio:    0.70,
		ForcedRatio:         0.90,
		TargetRatio:         0.80,
		SimilarityThreshold: 0.8,
		RecentKeep:          5,
		Sizer:               "estimate",
	}
}

// DefaultStoreConfig returns the default persistence configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type: "memory",
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			DB:        0,
			KeyPrefix: "agentmesh:",
			PoolSize:  10,
		},
		SQLite: SQLiteConfig{
			Path: "agentmesh.db",
		},
		Retention: RetentionConfig{
			Enabled:  false,
			MaxAge:   7 * 24 * time.Hour,
			Interval: time.Hour,
		},
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   false,
		Addr:      ":9091",
		Namespace: "agentmesh",
	}
}
