package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadableConfig watches the config file and swaps in a new validated
// Config whenever it is written.
type ReloadableConfig struct {
	path      string
	current   atomic.Pointer[Config]
	mu        sync.RWMutex
	watchers  []func(old, new *Config)
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	closeOnce sync.Once
	reloadMu  sync.Mutex
}

func NewReloadable(path string) (*ReloadableConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}

	r := &ReloadableConfig{
		path:   path,
		stopCh: make(chan struct{}),
	}
	r.current.Store(cfg)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are seen too.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	r.watcher = watcher
	go r.watchLoop()
	return r, nil
}

func (r *ReloadableConfig) Get() *Config {
	return r.current.Load()
}

// Watch registers fn to run after every successful reload.
func (r *ReloadableConfig) Watch(fn func(old, new *Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// Reload forces a config reload from disk. Concurrent calls run one at a
// time.
func (r *ReloadableConfig) Reload() error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	newCfg, err := Load(r.path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	oldCfg := r.Get()
	if newCfg.deviceGenerated {
		newCfg.DeviceID = oldCfg.DeviceID
		newCfg.deviceGenerated = oldCfg.deviceGenerated
	}
	if err := validateTransition(oldCfg, newCfg); err != nil {
		return fmt.Errorf("validate transition: %w", err)
	}
	r.current.Store(newCfg)

	r.mu.RLock()
	watchers := make([]func(old, new *Config), len(r.watchers))
	copy(watchers, r.watchers)
	r.mu.RUnlock()
	for _, fn := range watchers {
		go fn(oldCfg, newCfg)
	}
	return nil
}

// validateTransition rejects changes that cannot be applied by restarting
// the tunnel inside the running process.
func validateTransition(old, new *Config) error {
	if old.DeviceID != new.DeviceID {
		return fmt.Errorf("device_id change requires restart")
	}
	if old.Metrics.Listen != new.Metrics.Listen {
		return fmt.Errorf("metrics.listen change requires restart")
	}
	return nil
}

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 150 * time.Millisecond

func (r *ReloadableConfig) watchLoop() {
	target := filepath.Clean(r.path)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(reloadDebounce)
			}
		case <-timer.C:
			if err := r.Reload(); err != nil {
				log.Printf("config: reload of %s failed, keeping previous: %v", r.path, err)
			} else {
				log.Printf("config: reloaded %s", r.path)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config: watcher error: %v", err)
		case <-r.stopCh:
			return
		}
	}
}

// Close stops the file watcher.
func (r *ReloadableConfig) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopCh)
		err = r.watcher.Close()
	})
	return err
}
