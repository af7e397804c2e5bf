package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/autobuild/internal/logfields"
)

// configWatcher monitors the configuration file and triggers debounced
// reloads. The directory is watched rather than the file, so editors that
// replace the file (rename-over) keep triggering events.
type configWatcher struct {
	configPath   string
	daemon       *Daemon
	watcher      *fsnotify.Watcher
	mu           sync.Mutex
	stopChan     chan struct{}
	reloadChan   chan struct{}
	debounceTime time.Duration
}

func newConfigWatcher(configPath string, daemon *Daemon) (*configWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("resolving config path: %w", err)
	}

	return &configWatcher{
		configPath:   absPath,
		daemon:       daemon,
		watcher:      watcher,
		stopChan:     make(chan struct{}),
		reloadChan:   make(chan struct{}, 1),
		debounceTime: 2 * time.Second,
	}, nil
}

func (cw *configWatcher) Start(ctx context.Context) error {
	if err := cw.watcher.Add(filepath.Dir(cw.configPath)); err != nil {
		return fmt.Errorf("watching config directory: %w", err)
	}

	cw.daemon.logger.Info("Watching configuration", logfields.Path(cw.configPath))
	go cw.watchLoop(ctx)
	go cw.reloadLoop(ctx)
	return nil
}

func (cw *configWatcher) Stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	close(cw.stopChan)
	if err := cw.watcher.Close(); err != nil {
		cw.daemon.logger.Error("Closing file watcher failed", logfields.Error(err))
	}
}

func (cw *configWatcher) watchLoop(ctx context.Context) {
	configFile := filepath.Base(cw.configPath)

	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stopChan:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != configFile {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Write), event.Op.Has(fsnotify.Create), event.Op.Has(fsnotify.Rename):
				cw.triggerReload()
			case event.Op.Has(fsnotify.Remove):
				cw.daemon.logger.Warn("Configuration file removed", logfields.Path(event.Name))
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.daemon.logger.Error("Config watcher error", logfields.Error(err))
		}
	}
}

// reloadLoop collapses bursts of file events into a single reload.
func (cw *configWatcher) reloadLoop(ctx context.Context) {
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case <-cw.stopChan:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case <-cw.reloadChan:
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(cw.debounceTime, func() {
				if err := cw.daemon.reload(ctx); err != nil {
					cw.daemon.logger.Error("Configuration reload failed; keeping previous configuration",
						logfields.Error(err))
				}
			})
		}
	}
}

func (cw *configWatcher) triggerReload() {
	select {
	case cw.reloadChan <- struct{}{}:
	default: // reload already pending
	}
}
