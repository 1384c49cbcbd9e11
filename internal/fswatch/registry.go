// Package fswatch is the refcounted filesystem-watch registry backing the
// fs.watchStart/fs.watchStop RPC methods (SPEC_FULL.md §4.12, spec.md §5
// "shared resources: file-watcher registry refcounted per path"). Multiple
// sessions watching the same path share one fsnotify watcher; the
// underlying OS watch is removed only when the last subscriber stops.
package fswatch

import (
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent is delivered to every subscriber of a watched path.
type ChangeEvent struct {
	Path string
	Op   string
}

type watch struct {
	refCount    int
	subscribers map[string]chan<- ChangeEvent // subscriberID -> delivery channel
}

// Registry holds one fsnotify.Watcher and fans its events out to every
// subscribed path's subscribers.
type Registry struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	watches map[string]*watch

	closeOnce sync.Once
	done      chan struct{}
}

func NewRegistry() (*Registry, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	r := &Registry{
		watcher: w,
		watches: make(map[string]*watch),
		done:    make(chan struct{}),
	}
	go r.pump()
	return r, nil
}

func (r *Registry) pump() {
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.dispatch(ev)
		case <-r.watcher.Errors:
			// fsnotify surfaces errors per-watcher, not per-path; dropped
			// here since a broken watcher still serves other paths until
			// Close is called.
		case <-r.done:
			return
		}
	}
}

func (r *Registry) dispatch(ev fsnotify.Event) {
	r.mu.Lock()
	w, ok := r.watches[ev.Name]
	var targets []chan<- ChangeEvent
	if ok {
		targets = make([]chan<- ChangeEvent, 0, len(w.subscribers))
		for _, ch := range w.subscribers {
			targets = append(targets, ch)
		}
	}
	r.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- ChangeEvent{Path: ev.Name, Op: ev.Op.String()}:
		default:
			// subscriber too slow; drop rather than block the watcher pump
		}
	}
}

// Start subscribes subscriberID to changes on path, adding an OS-level
// watch only if path has no existing subscribers (spec.md §5 refcounting).
func (r *Registry) Start(path, subscriberID string, delivery chan<- ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.watches[path]
	if !ok {
		if err := r.watcher.Add(path); err != nil {
			return err
		}
		w = &watch{subscribers: make(map[string]chan<- ChangeEvent)}
		r.watches[path] = w
	}
	if _, already := w.subscribers[subscriberID]; !already {
		w.refCount++
	}
	w.subscribers[subscriberID] = delivery
	return nil
}

// Stop unsubscribes subscriberID from path, removing the OS-level watch
// once the refcount drops to zero.
func (r *Registry) Stop(path, subscriberID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.watches[path]
	if !ok {
		return nil
	}
	if _, present := w.subscribers[subscriberID]; !present {
		return nil
	}
	delete(w.subscribers, subscriberID)
	w.refCount--
	if w.refCount <= 0 {
		delete(r.watches, path)
		return r.watcher.Remove(path)
	}
	return nil
}

// StopAll removes every subscription owned by subscriberID, across all
// watched paths — used on client disconnect.
func (r *Registry) StopAll(subscriberID string) {
	r.mu.Lock()
	paths := make([]string, 0)
	for path, w := range r.watches {
		if _, ok := w.subscribers[subscriberID]; ok {
			paths = append(paths, path)
		}
	}
	r.mu.Unlock()

	for _, path := range paths {
		_ = r.Stop(path, subscriberID)
	}
}

func (r *Registry) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return r.watcher.Close()
}
