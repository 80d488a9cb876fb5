package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReconnectPolicy is the subset of Options that is safe to hot-reload:
// heartbeat and backoff tunables. It deliberately excludes URL, Origin
// and Version — changing those mid-session would mean resuming a
// session against a different server, which this library does not do
// (spec.md §5, §9 leaves reconnect/resume unimplemented).
type ReconnectPolicy struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout"`
	BackoffInitial    time.Duration `json:"backoff_initial"`
	BackoffMax        time.Duration `json:"backoff_max"`
}

func (p ReconnectPolicy) validate() error {
	if p.HeartbeatTimeout > 0 && p.HeartbeatTimeout <= p.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout must be greater than heartbeat interval")
	}
	if p.BackoffMax > 0 && p.BackoffMax < p.BackoffInitial {
		return fmt.Errorf("backoff max must be greater than or equal to backoff initial")
	}
	return nil
}

func loadReconnectPolicy(path string) (ReconnectPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ReconnectPolicy{}, err
	}
	var p ReconnectPolicy
	if err := json.Unmarshal(data, &p); err != nil {
		return ReconnectPolicy{}, fmt.Errorf("parse reconnect policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return ReconnectPolicy{}, err
	}
	return p, nil
}

// ReconnectPolicyWatcher hot-reloads a single JSON policy file, debouncing
// writes the same way the teacher's ConfigWatcher does, but scoped to a
// single file rather than an entire config directory.
type ReconnectPolicyWatcher struct {
	path      string
	policy    ReconnectPolicy
	callbacks []func(ReconnectPolicy)
	mu        sync.RWMutex
	logger    *zap.Logger
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
}

// NewReconnectPolicyWatcher watches path for changes and notifies
// registered callbacks whenever a reload produces a policy that differs
// from the current one. Pass nil logger to use a no-op logger.
func NewReconnectPolicyWatcher(path string, initial ReconnectPolicy, logger *zap.Logger) (*ReconnectPolicyWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &ReconnectPolicyWatcher{
		path:    path,
		policy:  initial,
		logger:  logger,
		watcher: fsWatcher,
		stopCh:  make(chan struct{}),
	}
	go w.watchLoop()
	logger.Info("reconnect policy watcher started", zap.String("path", path))
	return w, nil
}

func (w *ReconnectPolicyWatcher) watchLoop() {
	defer w.watcher.Close()

	var debounceTimer *time.Timer
	const debounceDelay = 500 * time.Millisecond
	target := filepath.Clean(w.path)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.logger.Debug("reconnect policy file changed", zap.String("op", event.Op.String()))
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("reconnect policy watcher error", zap.Error(err))
		case <-w.stopCh:
			return
		}
	}
}

func (w *ReconnectPolicyWatcher) reload() {
	next, err := loadReconnectPolicy(w.path)
	if err != nil {
		w.logger.Error("reconnect policy reload failed", zap.Error(err))
		return
	}

	w.mu.Lock()
	if next == w.policy {
		w.mu.Unlock()
		w.logger.Debug("reconnect policy unchanged after reload")
		return
	}
	w.policy = next
	callbacks := make([]func(ReconnectPolicy), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("reconnect policy reloaded",
		zap.Duration("heartbeat_interval", next.HeartbeatInterval),
		zap.Duration("heartbeat_timeout", next.HeartbeatTimeout))

	for _, cb := range callbacks {
		go func(cb func(ReconnectPolicy)) {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("reconnect policy callback panicked", zap.Any("panic", r))
				}
			}()
			cb(next)
		}(cb)
	}
}

// OnChange registers a callback invoked with the new policy whenever a
// reload changes it.
func (w *ReconnectPolicyWatcher) OnChange(fn func(ReconnectPolicy)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, fn)
	w.mu.Unlock()
}

// Policy returns the current reconnect policy.
func (w *ReconnectPolicyWatcher) Policy() ReconnectPolicy {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.policy
}

// Stop tears down the underlying file watcher.
func (w *ReconnectPolicyWatcher) Stop() {
	close(w.stopCh)
}
