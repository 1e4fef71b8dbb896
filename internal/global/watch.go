package global

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"nexus/cli/internal/logging"
)

const watchDebounce = 200 * time.Millisecond

// Watch calls onChange with the reloaded config whenever config.toml changes, until ctx is
// done. The directory is watched because saves replace the file by rename.
func (s *ConfigStore) Watch(ctx context.Context, logger *slog.Logger, onChange func(GlobalConfig)) error {
	if logger == nil {
		logger = logging.Discard()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return err
	}

	target := filepath.Clean(s.Path())
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watch error", "err", err)
		case <-timer.C:
			cfg, err := s.LoadOrInit()
			if err != nil {
				logger.Warn("config reload failed", "path", target, "err", err)
				continue
			}
			logger.Info("config reloaded", "path", target)
			onChange(cfg)
		}
	}
}
