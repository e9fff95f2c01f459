// Package watcher notifies about changes of a single file.
package watcher

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type Options struct {
	Path   string
	Logger *zap.Logger
	// Debounce collapses bursts of events, e.g. editors that write a file in several steps.
	Debounce time.Duration
	Callback func()
}

// Watch calls Callback after the file at Path was written, created or replaced. The parent
// directory is watched so files that are swapped by rename are still seen. Watch blocks until ctx
// is done.
func Watch(ctx context.Context, options Options) error {
	if options.Path == "" {
		return errors.New("path must be provided")
	}
	if options.Callback == nil {
		return errors.New("callback must be provided")
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.Debounce <= 0 {
		options.Debounce = 100 * time.Millisecond
	}

	target, err := filepath.Abs(options.Path)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(target)); err != nil {
		return err
	}

	ll := options.Logger.With(
		zap.String("component", "file_watcher"),
		zap.String("path", target),
	)
	ll.Debug("Watching file for changes")

	timer := time.NewTimer(options.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			ll.Debug("notify event", zap.String("op", event.Op.String()))
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(options.Debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			ll.Error("error", zap.Error(err))
		case <-timer.C:
			options.Callback()
		}
	}
}
