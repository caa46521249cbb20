package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// WatchDir watches dir for write/create/remove/rename events and invokes
// onChange for each one. Used to hot-reload the OPA policy directory so a
// policy edit takes effect without restarting the Orchestrator. The returned
// watcher must be closed by the caller on shutdown.
func WatchDir(dir string, onChange func(event fsnotify.Event)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					onChange(event)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("policy watch error", "dir", dir, "error", err)
			}
		}
	}()

	return watcher, nil
}
