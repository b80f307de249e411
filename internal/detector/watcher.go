package detector

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/openmined/watchback/internal/utils"
	"github.com/rjeczalik/notify"
)

const (
	DefaultDebounce = 200 * time.Millisecond
	rawBufferSize   = 1024
	eventBufferSize = 4096
)

// Watcher turns filesystem notifications under the ground folder into
// debounced ChangeEvents. Only the last event of a burst on a path is kept.
// When the consumer falls behind, events are dropped and Overflow fires so
// that a full reconciliation can pick up what was lost.
type Watcher struct {
	root     string
	ignore   *IgnoreList
	debounce time.Duration

	raw      chan notify.EventInfo
	events   chan ChangeEvent
	overflow chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	pending map[string]EventKind
	timers  map[string]*time.Timer
	stopped bool
}

func NewWatcher(root string, ignore *IgnoreList, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		root:     root,
		ignore:   ignore,
		debounce: debounce,
		events:   make(chan ChangeEvent, eventBufferSize),
		overflow: make(chan struct{}, 1),
		done:     make(chan struct{}),
		pending:  make(map[string]EventKind),
		timers:   make(map[string]*time.Timer),
	}
}

func (w *Watcher) Start(ctx context.Context) error {
	slog.Info("watcher start", "dir", w.root, "debounce", w.debounce)

	w.raw = make(chan notify.EventInfo, rawBufferSize)
	if err := notify.Watch(filepath.Join(w.root, "..."), w.raw, notify.All); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop ends the subscription. Pending debounced events are discarded; the
// caller reconciles on its next start.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
	w.mu.Unlock()

	close(w.done)
	if w.raw != nil {
		notify.Stop(w.raw)
	}
	w.wg.Wait()
	slog.Info("watcher stopped", "dir", w.root)
}

func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

// Overflow fires when at least one event was dropped.
func (w *Watcher) Overflow() <-chan struct{} {
	return w.overflow
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ei, ok := <-w.raw:
			if !ok {
				return
			}
			w.handle(ei)
		}
	}
}

func (w *Watcher) handle(ei notify.EventInfo) {
	abs := ei.Path()
	rel, err := utils.RelPath(w.root, abs)
	if err != nil || rel == "" {
		// notify may report the resolved root (for example /private/var on darwin)
		if resolved, rerr := filepath.EvalSymlinks(w.root); rerr == nil {
			rel, err = utils.RelPath(resolved, abs)
		}
		if err != nil || rel == "" {
			return
		}
	}
	if w.ignore != nil && w.ignore.ShouldIgnore(rel) {
		return
	}
	w.schedule(rel, translate(ei.Event()))
}

func translate(e notify.Event) EventKind {
	switch {
	case e&notify.Remove != 0:
		return Deleted
	case e&notify.Rename != 0:
		return Renamed
	case e&notify.Create != 0:
		return Created
	default:
		return Modified
	}
}

func (w *Watcher) schedule(rel string, kind EventKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	if t, ok := w.timers[rel]; ok {
		t.Stop()
	}
	w.pending[rel] = kind
	w.timers[rel] = time.AfterFunc(w.debounce, func() { w.flush(rel) })
}

func (w *Watcher) flush(rel string) {
	w.mu.Lock()
	kind, ok := w.pending[rel]
	if !ok || w.stopped {
		w.mu.Unlock()
		return
	}
	delete(w.pending, rel)
	delete(w.timers, rel)
	w.mu.Unlock()

	w.emit(ChangeEvent{Path: rel, Kind: kind})
}

func (w *Watcher) emit(ev ChangeEvent) {
	select {
	case w.events <- ev:
		slog.Debug("watcher event", "path", ev.Path, "kind", ev.Kind)
	default:
		slog.Warn("watcher dropped", "reason", "channel full", "path", ev.Path)
		select {
		case w.overflow <- struct{}{}:
		default:
		}
	}
}
