package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watch reloads the settings file whenever it changes on disk and calls
// onChange with the fresh config. Editors and the atomic save path both
// produce rename events, so the watch is on the directory, not the file.
// Events are debounced briefly because a single save can emit several.
func Watch(ctx context.Context, dataPath string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(dataPath); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		target := filepath.Base(SettingsPath(dataPath))

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(250*time.Millisecond, func() {
					cfg, err := Load()
					if err != nil {
						log.Error().Err(err).Msg("Settings changed on disk but reload failed")
						return
					}
					log.Info().Int("endpoints", len(cfg.Endpoints)).Msg("Settings reloaded from disk")
					onChange(cfg)
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Settings watcher error")
			}
		}
	}()

	return nil
}
