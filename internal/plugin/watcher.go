package plugin

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period before a manifest change is reported.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reports manifest.yaml changes under the plugin roots. Editors
// produce bursts of events per save, so changes are debounced per path.
type Watcher struct {
	roots    []string
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher watches every directory under roots.
func NewWatcher(roots []string, debounce time.Duration) (*Watcher, error) {
	absRoots, err := resolveRoots(roots)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		roots:    absRoots,
		debounce: debounce,
		watcher:  fw,
		pending:  make(map[string]*time.Timer),
	}
	for _, root := range absRoots {
		if err := w.addRecursive(root); err != nil {
			fw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return w.watcher.Add(path)
	})
}

// Run delivers the path of each changed manifest to onChange until ctx is
// cancelled. onChange runs on a timer goroutine and must not block for long.
func (w *Watcher) Run(ctx context.Context, onChange func(manifestPath string)) error {
	defer w.close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ev, onChange)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				return fmt.Errorf("plugin watcher: %w", err)
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event, onChange func(string)) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.addRecursive(ev.Name)
			// A new plugin directory may already contain its manifest.
			manifest := filepath.Join(ev.Name, ManifestFilename)
			if _, err := os.Stat(manifest); err == nil {
				w.schedule(manifest, onChange)
			}
			return
		}
	}
	if filepath.Base(ev.Name) != ManifestFilename {
		return
	}
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return
	}
	w.schedule(ev.Name, onChange)
}

func (w *Watcher) schedule(path string, onChange func(string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		onChange(path)
	})
}

func (w *Watcher) close() {
	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	_ = w.watcher.Close()
}
