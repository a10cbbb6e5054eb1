package artimport

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const DefaultDebounce = 2 * time.Second

// Watcher re-runs an incremental import whenever artefacts under a root
// change. Bursts of events are collapsed into one run once the tree has
// been quiet for the debounce window.
type Watcher struct {
	importer *Importer
	watcher  *fsnotify.Watcher
	root     string
	debounce time.Duration
	logger   *zap.Logger
}

// NewWatcher watches every directory below root.
func NewWatcher(im *Importer, root string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("Can't resolve %s: %w", root, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		importer: im,
		watcher:  fw,
		root:     root,
		debounce: debounce,
		logger:   im.logger.Named("watch"),
	}

	if err := w.addTree(resolved); err != nil {
		fw.Close()
		return nil, err
	}

	return w, nil
}

// addTree adds dir and its subdirectories. Only a failure on dir itself is returned.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}

			w.logger.Warn("Can't watch directory", zap.String("path", path), zap.Error(err))
			return fs.SkipDir
		}

		if !d.IsDir() {
			return nil
		}

		if err := w.watcher.Add(path); err != nil {
			if path == dir {
				return err
			}

			w.logger.Warn("Can't watch directory", zap.String("path", path), zap.Error(err))
		}

		return nil
	})
}

// Run blocks until ctx is done, calling onRun after every import it triggers.
func (w *Watcher) Run(ctx context.Context, onRun func(*RunReport, error)) error {
	w.logger.Info("Watching for artefact changes",
		zap.String("root", w.root),
		zap.Duration("debounce", w.debounce))

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Watch stopped")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}

			if !w.relevant(event) {
				continue
			}

			w.logger.Debug("Artefact event", zap.String("path", event.Name), zap.String("op", event.Op.String()))

			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("Watcher error", zap.Error(err))

		case <-timer.C:
			report, err := w.importer.ImportDirectory(ctx, w.root, true)
			if onRun != nil {
				onRun(report, err)
			}
		}
	}
}

// relevant reports whether event may change the import. New directories
// are added to the watch and count as a change.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("Can't watch new directory", zap.String("path", event.Name), zap.Error(err))
			}

			return true
		}
	}

	_, ok := KindForName(filepath.Base(event.Name))
	return ok
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
