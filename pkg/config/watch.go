package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const watchDebounce = 250 * time.Millisecond

// Watch calls onChange after the file at path was written, created or
// replaced. Bursts of events are coalesced. It blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to resolve %s", path)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create file watcher")
	}
	defer w.Close()

	// Editors often replace the file instead of writing it, so watch the
	// directory.
	dir := filepath.Dir(abs)
	if err := w.Add(dir); err != nil {
		return pkgerrors.Wrapf(err, "failed to watch %s", dir)
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, onChange)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				logrus.WithField("op", ev.Op.String()).Debugf("config file %s changed", abs)
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logrus.WithError(err).Warn("config watcher error")
		}
	}
}
