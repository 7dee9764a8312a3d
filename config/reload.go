package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadCallback is invoked after a new configuration has been applied.
// Returning an error rolls the configuration back to the previous one.
type ReloadCallback func(oldConfig, newConfig *Config) error

// Reloader watches a configuration file and applies validated changes at
// runtime. Consumers read the current configuration through Current and
// react to changes through OnReload callbacks.
type Reloader struct {
	mu sync.RWMutex

	config     *Config
	configPath string

	watcher   *FileWatcher
	callbacks []ReloadCallback

	logger  *zap.Logger
	running bool
	cancel  context.CancelFunc
}

// NewReloader creates a reloader seeded with the given configuration.
func NewReloader(cfg *Config, configPath string, logger *zap.Logger) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reloader{
		config:     cfg,
		configPath: configPath,
		logger:     logger.With(zap.String("component", "config_reloader")),
	}
}

// OnReload registers a callback run after each applied change.
func (r *Reloader) OnReload(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Current returns a detached copy of the active configuration.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return deepCopyConfig(r.config)
}

// Start begins watching the configuration file.
func (r *Reloader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("reloader already running")
	}

	wctx, cancel := context.WithCancel(ctx)
	watcher, err := NewFileWatcher(
		[]string{r.configPath},
		WithWatcherLogger(r.logger),
		WithDebounceDelay(500*time.Millisecond),
	)
	if err != nil {
		cancel()
		return fmt.Errorf("create file watcher: %w", err)
	}
	watcher.OnChange(r.handleFileChange)
	if err := watcher.Start(wctx); err != nil {
		cancel()
		return fmt.Errorf("start file watcher: %w", err)
	}

	r.watcher = watcher
	r.cancel = cancel
	r.running = true
	r.logger.Info("config reloader started", zap.String("path", r.configPath))
	return nil
}

// Stop stops watching.
func (r *Reloader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.cancel()
	_ = r.watcher.Stop()
	r.running = false
}

func (r *Reloader) handleFileChange(event FileEvent) {
	if event.Op != FileOpWrite && event.Op != FileOpCreate {
		return
	}
	if err := r.Reload(); err != nil {
		r.logger.Error("config reload failed, keeping current config", zap.Error(err))
	}
}

// Reload re-reads the file and applies the result. An invalid file or a
// rejecting callback leaves the current configuration in place.
func (r *Reloader) Reload() error {
	newConfig, err := NewLoader().WithConfigPath(r.configPath).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return r.Apply(newConfig)
}

// Apply swaps in a new configuration and notifies callbacks. A callback
// error restores the previous configuration before returning.
func (r *Reloader) Apply(newConfig *Config) error {
	r.mu.Lock()
	oldConfig := r.config
	r.config = newConfig
	callbacks := append([]ReloadCallback(nil), r.callbacks...)
	r.mu.Unlock()

	if err := runCallbacks(callbacks, oldConfig, newConfig); err != nil {
		r.mu.Lock()
		if r.config == newConfig {
			r.config = oldConfig
		}
		r.mu.Unlock()
		r.logger.Warn("config change rejected by callback, rolled back", zap.Error(err))
		return fmt.Errorf("config applied but callback failed: %w", err)
	}

	r.logger.Info("configuration reloaded")
	return nil
}

func runCallbacks(callbacks []ReloadCallback, oldConfig, newConfig *Config) (retErr error) {
	defer func() {
		if p := recover(); p != nil {
			retErr = fmt.Errorf("reload callback panicked: %v", p)
		}
	}()
	for _, cb := range callbacks {
		if err := cb(oldConfig, newConfig); err != nil {
			return err
		}
	}
	return nil
}

// deepCopyConfig copies a Config through JSON. Config is plain data, so
// this is loss-free.
func deepCopyConfig(config *Config) *Config {
	data, err := json.Marshal(config)
	if err != nil {
		return config
	}
	var copied Config
	if err := json.Unmarshal(data, &copied); err != nil {
		return config
	}
	return &copied
}
