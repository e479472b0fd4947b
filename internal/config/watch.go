package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the mutable subset of Config (default limits, idle TTL)
// whenever path changes on disk, without a process restart. A file-change
// event stands in for the usual SIGHUP convention, since operators edit the
// config file far more often than they remember the signal.
//
// onReload is invoked with the freshly loaded Config after each write or
// create event; it is the caller's responsibility to apply the mutable fields
// (IdleTTL, DefaultLimits) to live state — Watch never mutates anything
// itself.
func Watch(path string, logger *slog.Logger, onReload func(*Config)) (stop func() error, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("config: reload failed", "path", path, "error", err)
					continue
				}
				logger.Info("config: reloaded", "path", path)
				onReload(cfg)
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config: watch error", "error", werr)
			case <-done:
				return
			}
		}
	}()

	stop = func() error {
		close(done)
		return watcher.Close()
	}
	return stop, nil
}
