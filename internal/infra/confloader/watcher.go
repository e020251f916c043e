package confloader

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports changes of a configuration file.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	logger  *slog.Logger
}

// NewWatcher watches the file at path. The directory is watched rather than
// the file so that editors replacing the file by rename are noticed.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}
	logger.Debug("watching configuration file", "path", abs)
	return &Watcher{watcher: w, path: abs, logger: logger}, nil
}

// Run calls onChange after every write to or creation of the file. It
// blocks until ctx is cancelled and closes the watcher on return.
func (w *Watcher) Run(ctx context.Context, onChange func(path string)) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.logger.Debug("configuration file changed", "path", w.path, "op", event.Op.String())
				onChange(w.path)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("configuration watcher error", "error", err)
		}
	}
}
