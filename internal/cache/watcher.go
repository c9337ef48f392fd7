package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates tagged cache entries when watched files change.
// Memoized run output is keyed to the script that produced it; editing the
// script makes that output stale, so its tags are invalidated on write.
type Watcher struct {
	fsw *fsnotify.Watcher
	c   *Cache
	log Logger

	mu   sync.Mutex
	tags map[string][]string // watched path -> tags to invalidate

	done chan struct{}
}

// NewWatcher creates a watcher bound to the given cache. Close releases it.
func NewWatcher(c *Cache, log Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("cache watcher: %w", err)
	}
	if log == nil {
		log = nopLogger{}
	}

	w := &Watcher{
		fsw:  fsw,
		c:    c,
		log:  log,
		tags: make(map[string][]string),
		done: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Watch registers a path; when it is written, created, renamed, or removed,
// entries carrying any of the given tags are invalidated.
func (w *Watcher) Watch(path string, tags ...string) error {
	if err := w.fsw.Add(path); err != nil {
		return fmt.Errorf("cache watcher: watch %s: %w", path, err)
	}

	w.mu.Lock()
	w.tags[path] = tags
	w.mu.Unlock()
	return nil
}

// run dispatches filesystem events until the watcher closes.
func (w *Watcher) run() {
	defer close(w.done)

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.mu.Lock()
			tags := w.tags[ev.Name]
			w.mu.Unlock()
			if len(tags) == 0 {
				continue
			}
			if n := w.c.InvalidateByTags(tags...); n > 0 {
				w.log.Warnf("cache: invalidated %d entries after change to %s", n, ev.Name)
			}
			// fsnotify drops the watch when the file is removed or renamed
			// away; re-arm it so a recreated file keeps triggering.
			if ev.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				go w.rearm(ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warnf("cache watcher: %v", err)
		}
	}
}

// rearm re-adds a watch after the watched file was removed or renamed.
// Editors commonly replace a file by renaming a temp copy over it, so the
// path usually reappears shortly; retry briefly before giving up.
func (w *Watcher) rearm(path string) {
	w.mu.Lock()
	_, watched := w.tags[path]
	w.mu.Unlock()
	if !watched {
		return
	}

	for i := 0; i < 50; i++ {
		if err := w.fsw.Add(path); err == nil {
			return
		}
		select {
		case <-w.done:
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
	w.log.Warnf("cache watcher: could not re-watch %s", path)
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}
