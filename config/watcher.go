package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileWatcher watches configuration files for changes. It polls mod
// times rather than using platform notification APIs, which keeps it
// dependency-free and behaves identically everywhere.
type FileWatcher struct {
	mu sync.RWMutex

	paths         []string
	debounceDelay time.Duration

	running   bool
	stopChan  chan struct{}
	eventChan chan FileEvent

	callbacks []func(event FileEvent)

	logger *zap.Logger

	lastModTimes map[string]time.Time
}

// FileEvent represents one file change.
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// FileOp is the kind of change observed.
type FileOp int

const (
	FileOpCreate FileOp = iota
	FileOpWrite
	FileOpRemove
)

// String returns the operation name.
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// WatcherOption configures a FileWatcher.
type WatcherOption func(*FileWatcher)

// WithDebounceDelay sets how long rapid successive events are coalesced.
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) { w.debounceDelay = d }
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) { w.logger = logger }
}

// NewFileWatcher creates a watcher over the given paths. Watching a path
// that does not exist yet is allowed; its creation is reported.
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		paths:         paths,
		debounceDelay: 100 * time.Millisecond,
		stopChan:      make(chan struct{}),
		eventChan:     make(chan FileEvent, 100),
		lastModTimes:  make(map[string]time.Time),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				w.logger.Warn("config file does not exist yet, watching for creation",
					zap.String("path", path))
			} else {
				return nil, fmt.Errorf("stat %s: %w", path, err)
			}
		}
	}

	return w, nil
}

// OnChange registers a callback for change events.
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	for _, path := range w.paths {
		if info, err := os.Stat(path); err == nil {
			w.lastModTimes[path] = info.ModTime()
		}
	}
	w.mu.Unlock()

	go w.pollLoop(ctx)
	go w.dispatchLoop(ctx)

	w.logger.Info("file watcher started",
		zap.Strings("paths", w.paths),
		zap.Duration("debounce_delay", w.debounceDelay))
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	close(w.stopChan)
	w.running = false
	return nil
}

// IsRunning reports whether the watcher is active.
func (w *FileWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *FileWatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.checkFiles()
		}
	}
}

func (w *FileWatcher) checkFiles() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				if _, existed := w.lastModTimes[path]; existed {
					delete(w.lastModTimes, path)
					w.emit(FileEvent{Path: path, Op: FileOpRemove, Timestamp: time.Now()})
				}
			}
			continue
		}

		lastMod, existed := w.lastModTimes[path]
		switch {
		case !existed:
			w.lastModTimes[path] = info.ModTime()
			w.emit(FileEvent{Path: path, Op: FileOpCreate, Timestamp: time.Now()})
		case info.ModTime().After(lastMod):
			w.lastModTimes[path] = info.ModTime()
			w.emit(FileEvent{Path: path, Op: FileOpWrite, Timestamp: time.Now()})
		}
	}
}

// emit drops the event when the channel is full; the next poll sweep
// picks the change up again.
func (w *FileWatcher) emit(event FileEvent) {
	select {
	case w.eventChan <- event:
	default:
	}
}

func (w *FileWatcher) dispatchLoop(ctx context.Context) {
	var (
		mu            sync.Mutex
		pendingEvents = make(map[string]FileEvent)
		debounceTimer *time.Timer
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event := <-w.eventChan:
			mu.Lock()
			// A newer event for the same path supersedes the pending one.
			pendingEvents[event.Path] = event
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounceDelay, func() {
				w.mu.RLock()
				callbacks := make([]func(FileEvent), len(w.callbacks))
				copy(callbacks, w.callbacks)
				w.mu.RUnlock()

				mu.Lock()
				events := pendingEvents
				pendingEvents = make(map[string]FileEvent)
				mu.Unlock()

				for path, evt := range events {
					w.logger.Debug("dispatching file event",
						zap.String("path", path),
						zap.String("op", evt.Op.String()))
					for _, cb := range callbacks {
						cb(evt)
					}
				}
			})
			mu.Unlock()
		}
	}
}
