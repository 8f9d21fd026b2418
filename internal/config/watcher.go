package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watch starts an fsnotify watch on path's directory and calls
// manager.Reload(path) whenever the file is written or recreated (editors
// commonly replace files via rename). It debounces bursts of events coming
// from a single save. The returned stop function closes the watcher.
func Watch(path string, manager *Manager) (stop func(), err error) {
	if path == "" {
		return func() {}, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		var debounce *time.Timer
		reload := func() {
			if err := manager.Reload(path); err != nil {
				log.WithError(err).Warn("config: reload after file change failed")
				return
			}
			log.Info("config: reloaded from disk")
		}
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, reload)
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(werr).Warn("config: watcher error")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
