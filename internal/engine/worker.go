package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openmined/watchback/internal/detector"
	"github.com/openmined/watchback/internal/events"
	"github.com/openmined/watchback/internal/journal"
	"github.com/openmined/watchback/internal/mirror"
	"github.com/openmined/watchback/internal/queue"
	"github.com/openmined/watchback/internal/snapshot"
	"github.com/shirou/gopsutil/v4/disk"
)

var alwaysReady = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type call struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// mirrorWorker applies ground changes to one mirror. Everything below the
// "owned" marker is only touched by the run goroutine.
type mirrorWorker struct {
	engine  *Engine
	root    string
	backlog *queue.Backlog[string, detector.EventKind]
	calls   chan *call
	quit    chan struct{}
	exited  chan struct{}

	available atomic.Bool

	mu     sync.Mutex
	status MirrorStatus
	failed map[string]string

	// owned
	mirror       *mirror.Mirror
	table        *knownTable
	sets         map[string]*journal.FileRecord
	deletes      map[string]struct{}
	waiters      []chan struct{}
	lastSnapshot time.Time
	catchUp      *time.Timer
}

func newMirrorWorker(e *Engine, root string) *mirrorWorker {
	return &mirrorWorker{
		engine:  e,
		root:    root,
		backlog: queue.NewBacklog[string, detector.EventKind](),
		calls:   make(chan *call),
		quit:    make(chan struct{}),
		exited:  make(chan struct{}),
		status:  MirrorStatus{Path: root, State: MirrorStopped},
		failed:  make(map[string]string),
		sets:    make(map[string]*journal.FileRecord),
		deletes: make(map[string]struct{}),
	}
}

func (w *mirrorWorker) run(ctx context.Context) {
	defer close(w.exited)
	defer w.shutdown()

	retry := time.NewTicker(w.engine.opts.RetryInterval)
	defer retry.Stop()

	var snapTick <-chan time.Time
	if every := w.engine.profile.Snapshot.TickEvery(); every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		snapTick = t.C
	}

	more := false
	for {
		ready := w.backlog.Ready()
		if more {
			ready = alwaysReady
		}
		var catchUp <-chan time.Time
		if w.catchUp != nil {
			catchUp = w.catchUp.C
		}

		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			w.drain(ctx)
			return
		case c := <-w.calls:
			w.serve(ctx, c)
		case <-ready:
			more = w.processBatch(ctx)
		case <-retry.C:
			w.checkMirror(ctx)
		case now := <-snapTick:
			if w.mirror != nil && w.engine.profile.Snapshot.OnTick(w.lastSnapshot, now) {
				w.snapshot(ctx, now)
			}
		case now := <-catchUp:
			w.catchUp = nil
			w.catchUpSnapshot(ctx, now)
		}
	}
}

// do runs fn on the worker goroutine. Once the worker has taken the call, do
// returns only after fn has, so fn may set variables of the caller. ctx
// cancels the context fn receives.
func (w *mirrorWorker) do(ctx context.Context, fn func(ctx context.Context) error) error {
	c := &call{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case w.calls <- c:
	case <-w.exited:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-c.done
}

// serve runs a call with a context that ends with the caller's or the worker's.
func (w *mirrorWorker) serve(ctx context.Context, c *call) {
	callCtx, cancel := context.WithCancel(c.ctx)
	stop := context.AfterFunc(ctx, cancel)
	c.done <- c.fn(callCtx)
	stop()
	cancel()
}

// settle waits until the backlog queued so far has been applied.
func (w *mirrorWorker) settle(ctx context.Context) error {
	ch := make(chan struct{})
	err := w.do(ctx, func(context.Context) error {
		if w.mirror == nil || w.backlog.Len() == 0 {
			close(ch)
			return nil
		}
		w.waiters = append(w.waiters, ch)
		return nil
	})
	if err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-w.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *mirrorWorker) releaseWaiters() {
	for _, ch := range w.waiters {
		close(ch)
	}
	w.waiters = nil
}

// open takes the mirror lock and loads its table. It runs before the worker
// goroutine starts, or on it.
func (w *mirrorWorker) open(ctx context.Context) error {
	j := w.engine.journal
	prevID, known, err := j.KnownMirror(w.root)
	if err != nil {
		return err
	}
	m, err := mirror.Open(w.root, mirror.OpenOptions{Known: known, Lock: true})
	if err != nil {
		return err
	}
	if known && prevID != m.ID {
		slog.Warn("mirror identity changed", "mirror", w.root, "old", prevID, "new", m.ID)
	}
	if err := j.TouchMirror(w.root, m.ID); err != nil {
		m.Close()
		return err
	}
	table, err := loadTable(ctx, m, j)
	if err != nil {
		m.Close()
		return err
	}

	var latest *snapshot.Pointer
	if ptr, err := m.Snapshots.Latest(); err == nil {
		latest = ptr
		w.lastSnapshot = ptr.Time
	} else if !errors.Is(err, snapshot.ErrSnapshotNotFound) {
		slog.Warn("mirror latest snapshot", "mirror", w.root, "error", err)
	}

	w.mirror, w.table = m, table
	w.available.Store(true)
	w.mu.Lock()
	w.status.ID = m.ID
	w.status.State = MirrorSyncing
	w.status.LastError = ""
	w.status.Files = len(table.files)
	w.status.LastSnapshot = latest
	w.mu.Unlock()
	return nil
}

func (w *mirrorWorker) markUnavailable(err error) {
	if w.mirror != nil {
		w.flushJournal()
		if cerr := w.mirror.Close(); cerr != nil {
			slog.Warn("mirror close", "mirror", w.root, "error", cerr)
		}
	}
	w.mirror, w.table = nil, nil
	w.available.Store(false)
	w.backlog.Drain()
	w.releaseWaiters()

	w.mu.Lock()
	w.status.State = MirrorUnavailable
	w.status.LastError = err.Error()
	w.mu.Unlock()

	slog.Warn("mirror unavailable", "profile", w.engine.profile.Name, "mirror", w.root, "error", err)
	w.engine.publish(&events.Event{Type: events.TypeState, Mirror: w.root, State: string(MirrorUnavailable), Error: err.Error()})
	w.engine.updateState()
}

// checkMirror runs on the retry timer. It notices an unplugged mirror and
// brings back one that was unavailable.
func (w *mirrorWorker) checkMirror(ctx context.Context) {
	if w.mirror != nil {
		if !w.mirror.Available() {
			w.markUnavailable(fmt.Errorf("%w: marker missing", mirror.ErrMirrorUnavailable))
		}
		return
	}

	if err := w.open(ctx); err != nil {
		w.mu.Lock()
		w.status.LastError = err.Error()
		w.mu.Unlock()
		slog.Debug("mirror still unavailable", "mirror", w.root, "error", err)
		return
	}
	slog.Info("mirror recovered", "profile", w.engine.profile.Name, "mirror", w.root)
	w.engine.publish(&events.Event{Type: events.TypeState, Mirror: w.root, State: string(MirrorSyncing)})
	w.engine.updateState()

	ground, err := w.engine.scanner.Scan(ctx)
	if err != nil {
		slog.Error("reconcile after recovery", "mirror", w.root, "error", err)
		return
	}
	w.enqueueDiff(ground)
}

// enqueueDiff queues every path where ground and the table disagree.
func (w *mirrorWorker) enqueueDiff(ground detector.GroundState) (int, error) {
	if w.mirror == nil {
		return 0, fmt.Errorf("%w: %s", mirror.ErrMirrorUnavailable, w.root)
	}
	changes := detector.Diff(ground, w.table.known(), "", w.engine.skipPath)
	for _, ev := range changes {
		w.backlog.Push(ev.Path, ev.Kind)
	}
	if len(changes) > 0 {
		slog.Debug("reconcile queued", "mirror", w.root, "changes", len(changes))
	}
	return len(changes), nil
}

// processBatch applies up to BatchSize paths. It reports whether more work is
// waiting.
func (w *mirrorWorker) processBatch(ctx context.Context) bool {
	if w.mirror == nil {
		return false
	}

	n := 0
	for n < w.engine.opts.BatchSize {
		rel, kind, ok := w.backlog.Pop()
		if !ok {
			break
		}
		if n == 0 {
			w.setState(MirrorSyncing)
		}
		if err := w.applyPath(ctx, rel); err != nil {
			if ctx.Err() != nil {
				w.backlog.PushFront(rel, kind)
				return false
			}
			w.markUnavailable(err)
			return false
		}
		n++
	}
	w.endBatch(ctx, n)
	return w.mirror != nil && w.backlog.Len() > 0
}

func (w *mirrorWorker) endBatch(ctx context.Context, n int) {
	w.flushJournal()
	if w.mirror == nil {
		return
	}

	now := time.Now()
	if n > 0 {
		if w.engine.profile.Snapshot.AfterBatch(w.lastSnapshot, now) {
			w.snapshot(ctx, now)
		} else {
			w.armCatchUp(now)
		}
	}

	pending := w.backlog.Len()
	w.mu.Lock()
	w.status.Files = len(w.table.files)
	if pending == 0 {
		w.status.LastSyncTime = now
		if len(w.failed) > 0 {
			w.status.State = MirrorError
		} else {
			w.status.State = MirrorSynced
		}
	}
	w.mu.Unlock()

	if pending == 0 {
		w.releaseWaiters()
	}
	if n > 0 {
		w.engine.publish(&events.Event{Type: events.TypeBatch, Mirror: w.root, Applied: n, Pending: pending})
	}
}

// armCatchUp schedules the batch snapshot that MinInterval held back.
func (w *mirrorWorker) armCatchUp(now time.Time) {
	at := w.engine.profile.Snapshot.CatchUpAt(w.lastSnapshot)
	if at.IsZero() || w.catchUp != nil {
		return
	}
	w.catchUp = time.NewTimer(at.Sub(now))
}

// catchUpSnapshot runs when a held back batch snapshot is due. With work
// queued the next batch end takes care of it.
func (w *mirrorWorker) catchUpSnapshot(ctx context.Context, now time.Time) {
	if w.mirror == nil || w.backlog.Len() > 0 {
		return
	}
	if !w.engine.profile.Snapshot.AfterBatch(w.lastSnapshot, now) {
		w.armCatchUp(now)
		return
	}
	w.snapshot(ctx, now)
}

// drain finishes the backlog after a stop request. ctx bounds it.
func (w *mirrorWorker) drain(ctx context.Context) {
	for w.mirror != nil && ctx.Err() == nil && w.backlog.Len() > 0 {
		w.processBatch(ctx)
	}
}

func (w *mirrorWorker) shutdown() {
	w.releaseWaiters()
	if w.catchUp != nil {
		w.catchUp.Stop()
		w.catchUp = nil
	}
	if w.mirror != nil {
		w.flushJournal()
		if err := w.mirror.Close(); err != nil {
			slog.Warn("mirror close", "mirror", w.root, "error", err)
		}
	}
	w.mirror, w.table = nil, nil
	w.available.Store(false)
	w.setState(MirrorStopped)
}

func (w *mirrorWorker) snapshot(ctx context.Context, now time.Time) (*snapshot.Pointer, bool, error) {
	w.lastSnapshot = now
	ptr, created, err := w.mirror.Snapshots.MaybeSnapshot(ctx, w.table.lookup, now)
	if err != nil {
		slog.Error("snapshot", "mirror", w.root, "error", err)
		w.mu.Lock()
		w.status.LastError = err.Error()
		w.mu.Unlock()
		return nil, false, err
	}
	if !created {
		return ptr, false, nil
	}

	w.lastSnapshot = ptr.Time
	w.mu.Lock()
	w.status.LastSnapshot = ptr
	w.mu.Unlock()
	w.engine.publish(&events.Event{Type: events.TypeSnapshot, Mirror: w.root, Path: ptr.Manifest.String()})

	if hook := w.engine.opts.Retention; hook != nil {
		if err := hook.AfterSnapshot(ctx, w.mirror, ptr); err != nil {
			slog.Warn("retention hook", "mirror", w.root, "error", err)
		}
	}
	return ptr, true, nil
}

func (w *mirrorWorker) flushJournal() {
	if w.mirror == nil || (len(w.sets) == 0 && len(w.deletes) == 0) {
		return
	}
	sets := slices.Collect(maps.Values(w.sets))
	deletes := slices.Collect(maps.Keys(w.deletes))
	if err := w.engine.journal.Apply(w.mirror.ID, sets, deletes); err != nil {
		// kept for the next flush; a restart rehashes from current/ anyway
		slog.Error("journal flush", "mirror", w.root, "error", err)
		return
	}
	clear(w.sets)
	clear(w.deletes)
}

func (w *mirrorWorker) journalSet(rec *journal.FileRecord) {
	delete(w.deletes, rec.Path)
	w.sets[rec.Path] = rec
}

func (w *mirrorWorker) journalDelete(rel string) {
	delete(w.sets, rel)
	w.deletes[rel] = struct{}{}
}

func (w *mirrorWorker) setState(s MirrorState) {
	w.mu.Lock()
	w.status.State = s
	w.mu.Unlock()
}

func (w *mirrorWorker) recordFailure(rel string, err error) {
	w.mu.Lock()
	w.failed[rel] = err.Error()
	w.mu.Unlock()
	slog.Warn("apply failed", "mirror", w.root, "path", rel, "kind", Classify(err), "error", err)
	w.engine.publish(&events.Event{Type: events.TypeFailed, Mirror: w.root, Path: rel, Error: err.Error()})
}

func (w *mirrorWorker) clearFailure(rel string) {
	w.mu.Lock()
	delete(w.failed, rel)
	w.mu.Unlock()
}

func (w *mirrorWorker) applied(rel string, kind detector.EventKind) {
	w.mu.Lock()
	w.status.Applied++
	w.mu.Unlock()
	slog.Debug("applied", "mirror", w.root, "path", rel, "kind", kind)
	w.engine.publish(&events.Event{Type: events.TypeApplied, Mirror: w.root, Path: rel, State: string(kind)})
}

// statusCopy is safe to call from any goroutine.
func (w *mirrorWorker) statusCopy() *MirrorStatus {
	w.mu.Lock()
	st := w.status
	st.FailedPaths = slices.Sorted(maps.Keys(w.failed))
	w.mu.Unlock()

	st.Pending = w.backlog.Len()
	if usage, err := disk.Usage(w.root); err == nil {
		st.DiskFree = usage.Free
	}
	return &st
}
