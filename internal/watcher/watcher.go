// Package watcher picks up export payload files dropped into a directory and
// hands each one to a restoration handler. Processed files are renamed in
// place so a restart never restores the same payload twice.
package watcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Handler restores one dropped payload file. A non-nil error marks the file
// as failed; it stays in the directory under a .failed suffix for inspection.
type Handler func(ctx context.Context, path string) error

type Options struct {
	Dir     string
	Handler Handler
	// Debounce is how long a file must stay quiet before it is processed,
	// so half-written drops are not picked up mid-copy.
	Debounce time.Duration
	Logf     func(format string, args ...any)
}

type Watcher struct {
	dir      string
	handler  Handler
	debounce time.Duration
	logf     func(format string, args ...any)

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func New(opts Options) (*Watcher, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, fmt.Errorf("watch directory is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Watcher{
		dir:      dir,
		handler:  opts.Handler,
		debounce: debounce,
		logf:     logf,
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Run processes payloads already present in the directory, then watches for
// new ones until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.processExisting(ctx); err != nil {
		return err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsWatcher.Close()
	if err := fsWatcher.Add(w.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.schedule(ctx, event.Name)
			}
		case watchErr, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logf("watch error: %v", watchErr)
		}
	}
}

func (w *Watcher) processExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if !isPayloadFile(path) {
			continue
		}
		w.process(ctx, path)
	}
	return nil
}

// schedule arms (or re-arms) the debounce timer for one file. Repeated write
// events while the file is still being copied keep pushing the timer back.
func (w *Watcher) schedule(ctx context.Context, path string) {
	if !isPayloadFile(path) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.process(ctx, path)
	})
}

func (w *Watcher) process(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	w.logf("restoring payload file=%s", path)
	if err := w.handler(ctx, path); err != nil {
		w.logf("payload failed file=%s error=%v", path, err)
		w.markDone(path, ".failed")
		return
	}
	w.markDone(path, ".done")
}

func (w *Watcher) markDone(path, suffix string) {
	target := path + suffix
	if err := os.Rename(path, target); err != nil {
		w.logf("could not rename processed payload file=%s error=%v", path, err)
	}
}

func isPayloadFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}
