package watcher

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/andi/cogstac/backend/database"
	"github.com/andi/cogstac/backend/scanner"
	"github.com/andi/cogstac/backend/workflow"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a file has to stay quiet before its tile is queued
const DefaultDebounce = 500 * time.Millisecond

// Queue receives tiles whose sources appeared or changed
type Queue interface {
	Enqueue(tileID string, force bool)
}

// Watcher monitors the source tree and queues tiles for conversion
type Watcher struct {
	root     string
	fileGlob string
	debounce time.Duration
	queue    Queue
	sources  *database.SourceFileRepo
	logger   *slog.Logger

	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	stopped  bool
	watched  map[string]bool

	// Debounce map to avoid processing same file multiple times
	debounceMap map[string]*time.Timer
	debounceMu  sync.Mutex
}

// New creates a watcher for the tile directories under sourceRoot. db may be nil,
// in which case every matching event queues its tile.
func New(sourceRoot, fileGlob string, debounce time.Duration, db *database.DB, queue Queue, logger *slog.Logger) (*Watcher, error) {
	absRoot, err := filepath.Abs(sourceRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source %s: %w", sourceRoot, err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w := &Watcher{
		root:        absRoot,
		fileGlob:    fileGlob,
		debounce:    debounce,
		queue:       queue,
		logger:      logger,
		watcher:     fsWatcher,
		stopChan:    make(chan struct{}),
		watched:     make(map[string]bool),
		debounceMap: make(map[string]*time.Timer),
	}
	if db != nil {
		w.sources = database.NewSourceFileRepo(db)
	}
	return w, nil
}

// Start adds the watches and starts processing events
func (w *Watcher) Start() error {
	if err := w.addTree(w.root); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.processEvents()

	w.logger.Info("file watcher started", "root", w.root, "directories", w.WatchedCount())
	return nil
}

// Stop stops the file watcher. Pending debounced files are dropped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	w.logger.Info("stopping file watcher")
	close(w.stopChan)
	w.watcher.Close()
	w.wg.Wait()

	w.debounceMu.Lock()
	for key, timer := range w.debounceMap {
		timer.Stop()
		delete(w.debounceMap, key)
	}
	w.debounceMu.Unlock()
	w.logger.Info("file watcher stopped")
}

// WatchedCount returns the number of watched directories
func (w *Watcher) WatchedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

// addTree watches dir and its non-hidden subdirectories
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.addWatch(path)
	})
}

func (w *Watcher) addWatch(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watched[dir] {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.watched[dir] = true
	w.logger.Debug("watching directory", "path", dir)
	return nil
}

// processEvents processes file system events
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.mu.Lock()
		delete(w.watched, event.Name)
		w.mu.Unlock()
		return
	}

	// Only handle Create and Write events
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}

	if info.IsDir() {
		if !event.Has(fsnotify.Create) || strings.HasPrefix(info.Name(), ".") {
			return
		}
		if err := w.addTree(event.Name); err != nil {
			w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
			return
		}
		// Files may land before the watch is in place
		filepath.WalkDir(event.Name, func(path string, d fs.DirEntry, err error) error {
			if err == nil && !d.IsDir() {
				w.handleFileEvent(path)
			}
			return nil
		})
		return
	}

	w.handleFileEvent(event.Name)
}

// handleFileEvent debounces events of one file
func (w *Watcher) handleFileEvent(path string) {
	if _, ok := w.tileOf(path); !ok {
		return
	}
	if !workflow.MatchesFileGlob(path, w.fileGlob) {
		return
	}

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceMap[path]; exists {
		timer.Stop()
	}
	w.debounceMap[path] = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		delete(w.debounceMap, path)
		w.debounceMu.Unlock()
		w.processFile(path)
	})
}

// tileOf returns the tile directory a path belongs to. Files directly under the
// root and hidden directories belong to no tile.
func (w *Watcher) tileOf(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return "", false
	}
	for _, part := range parts[:len(parts)-1] {
		if strings.HasPrefix(part, ".") {
			return "", false
		}
	}
	return parts[0], true
}

// processFile queues the tile of a settled file unless its content is already indexed
func (w *Watcher) processFile(path string) {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}

	tileID, ok := w.tileOf(path)
	if !ok {
		return
	}

	if w.sources != nil {
		indexed, err := w.sources.GetByPath(path)
		if err != nil {
			w.logger.Warn("failed to check source index", "path", path, "error", err)
		} else if indexed != nil {
			md5Hash, _, err := scanner.CalculateMD5(path)
			if err != nil {
				w.logger.Warn("failed to checksum source", "path", path, "error", err)
				return
			}
			if md5Hash == indexed.FileMD5 {
				w.logger.Debug("source unchanged, skipping", "path", path)
				return
			}
		}
	}

	w.logger.Info("source changed, queueing tile", "tile", tileID, "path", path)
	w.queue.Enqueue(tileID, false)
}
