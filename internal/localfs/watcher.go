package localfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// RawKind is the kind of an OS-level watcher event, before coalescing.
type RawKind int

const (
	RawCreated RawKind = iota
	RawChanged
	RawDeleted
	RawRenamed
)

// String returns a short name for logging.
func (k RawKind) String() string {
	switch k {
	case RawCreated:
		return "created"
	case RawChanged:
		return "changed"
	case RawDeleted:
		return "deleted"
	case RawRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// RawEvent is one OS watcher notification with absolute paths. The watcher
// itself emits only RawCreated, RawChanged and RawDeleted (a rename arrives as
// a delete of the old name and a create of the new one); RawRenamed, with
// OldPath set, is produced only by the coalescer's move re-synthesis.
type RawEvent struct {
	Kind    RawKind
	Path    string
	OldPath string
}

// watcher wraps fsnotify with recursive directory registration. fsnotify
// watches single directories, so every subdirectory is added explicitly,
// including directories created while watching.
type watcher struct {
	fs     *fsnotify.Watcher
	events chan RawEvent
	log    *zap.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

func newWatcher(root string, log *zap.Logger) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &watcher{
		fs:     fsw,
		events: make(chan RawEvent, 256),
		log:    log,
		done:   make(chan struct{}),
	}

	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.run()
	return w, nil
}

// addRecursive registers watches on dir and every directory beneath it.
func (w *watcher) addRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			w.log.Warn("cannot watch path", zap.String("path", path), zap.Error(err))
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if isHiddenTemp(path) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			w.log.Warn("failed to add watch", zap.String("path", path), zap.Error(err))
		}
		return nil
	})
}

func (w *watcher) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *watcher) handle(ev fsnotify.Event) {
	if isHiddenTemp(ev.Name) {
		return
	}

	switch {
	case ev.Op&fsnotify.Create != 0:
		// New directories must be registered before events inside them
		// can be observed.
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.addRecursive(ev.Name)
		}
		w.emit(RawEvent{Kind: RawCreated, Path: ev.Name})
	case ev.Op&fsnotify.Write != 0:
		w.emit(RawEvent{Kind: RawChanged, Path: ev.Name})
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// A rename surfaces as an event on the old name plus a Create on
		// the new one; the coalescer re-synthesizes the pair into a move.
		w.emit(RawEvent{Kind: RawDeleted, Path: ev.Name})
	}
}

func (w *watcher) emit(ev RawEvent) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

func (w *watcher) stop() {
	close(w.done)
	w.fs.Close()
	w.wg.Wait()
	close(w.events)
}

// isHiddenTemp filters the engine's own staging artifacts.
func isHiddenTemp(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".driveberry-") && strings.HasSuffix(base, ".tmp")
}
