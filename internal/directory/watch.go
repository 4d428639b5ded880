package directory

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Watcher delivers changes to one callback on its own goroutine, in push order, without ever blocking the
// pusher. Backends create one per subscription.
type Watcher struct {
	fn   func(Change)
	path string

	mu     sync.Mutex
	queue  []Change
	closed bool
	wake   chan struct{}
	done   chan struct{}

	onClose func()
}

// NewWatcher starts the delivery goroutine. onClose, if set, runs once on Unsubscribe.
func NewWatcher(path string, fn func(Change), onClose func()) *Watcher {
	w := &Watcher{
		fn:      fn,
		path:    path,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go w.run()
	return w
}

func (w *Watcher) Path() string { return w.path }

// Push enqueues changes. It is a no-op after Unsubscribe.
func (w *Watcher) Push(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, changes...)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Watcher) Unsubscribe() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.queue = nil
	close(w.done)
	w.mu.Unlock()
	if w.onClose != nil {
		w.onClose()
	}
}

// Closed reports whether Unsubscribe was called.
func (w *Watcher) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}
		for {
			w.mu.Lock()
			if w.closed || len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			next := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()
			w.deliver(next)
		}
	}
}

func (w *Watcher) deliver(c Change) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "directory.watch").Str("path", w.path).Interface("panic", r).Msg("watch callback panicked")
		}
	}()
	w.fn(c)
}
