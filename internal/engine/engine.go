package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openmined/watchback/internal/config"
	"github.com/openmined/watchback/internal/detector"
	"github.com/openmined/watchback/internal/events"
	"github.com/openmined/watchback/internal/journal"
	"github.com/openmined/watchback/internal/utils"
	"golang.org/x/sync/errgroup"
)

// Engine keeps the mirrors of one profile in line with its ground folder.
type Engine struct {
	profile *config.Profile
	opts    Options

	journal *journal.Journal
	ignore  *detector.IgnoreList
	scanner *detector.Scanner
	watcher *detector.Watcher
	workers []*mirrorWorker

	mu    sync.RWMutex
	state State

	reconcileMu sync.Mutex
	reconcileCh chan struct{}

	intakeCancel context.CancelFunc
	workCancel   context.CancelFunc
	intakeWg     sync.WaitGroup
	workerWg     sync.WaitGroup
}

func New(profile *config.Profile, opts Options) *Engine {
	return &Engine{
		profile: profile,
		opts:    opts.withDefaults(),
		state:   StateStopped,
	}
}

func (e *Engine) Profile() *config.Profile {
	return e.profile
}

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Start validates the profile, opens its mirrors and runs a first
// reconciliation before it returns. Mirrors that cannot be opened leave the
// engine degraded; they are retried in the background.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateStopped {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.state = StateStarting
	e.mu.Unlock()
	e.publish(&events.Event{Type: events.TypeState, State: string(StateStarting)})

	if err := e.start(ctx); err != nil {
		e.abortStart()
		return err
	}

	e.deriveState(true)
	slog.Info("engine started", "profile", e.profile.Name, "state", e.State(), "mirrors", len(e.workers))
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	if err := e.profile.Validate(); err != nil {
		return err
	}
	if e.opts.JournalPath == "" {
		return fmt.Errorf("%w: no journal path", config.ErrConfigInvalid)
	}
	if err := utils.EnsureParent(e.opts.JournalPath); err != nil {
		return fmt.Errorf("journal dir: %w", err)
	}
	j, err := journal.Open(e.opts.JournalPath)
	if err != nil {
		return err
	}
	e.journal = j

	e.ignore = detector.NewIgnoreList(e.profile.Ground)
	e.ignore.Load()
	e.scanner = detector.NewScanner(e.profile.Ground, e.ignore)
	e.reconcileCh = make(chan struct{}, 1)

	workers := make([]*mirrorWorker, len(e.profile.Mirrors))
	var g errgroup.Group
	for i, root := range e.profile.Mirrors {
		w := newMirrorWorker(e, root)
		workers[i] = w
		g.Go(func() error {
			if err := w.open(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.available.Store(false)
				w.mu.Lock()
				w.status.State = MirrorUnavailable
				w.status.LastError = err.Error()
				w.mu.Unlock()
				slog.Warn("mirror unavailable", "profile", e.profile.Name, "mirror", root, "error", err)
			}
			return nil
		})
	}
	e.mu.Lock()
	e.workers = workers
	e.mu.Unlock()
	if err := g.Wait(); err != nil {
		return err
	}

	workCtx, workCancel := context.WithCancel(context.WithoutCancel(ctx))
	e.workCancel = workCancel
	for _, w := range e.workers {
		e.workerWg.Add(1)
		go func() {
			defer e.workerWg.Done()
			w.run(workCtx)
		}()
	}

	intakeCtx, intakeCancel := context.WithCancel(context.WithoutCancel(ctx))
	e.intakeCancel = intakeCancel
	if !e.opts.DisableWatcher {
		e.watcher = detector.NewWatcher(e.profile.Ground, e.ignore, e.opts.Debounce)
		if err := e.watcher.Start(intakeCtx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		e.intakeWg.Add(1)
		go func() {
			defer e.intakeWg.Done()
			e.intake(intakeCtx)
		}()
	}

	if err := e.reconcile(ctx, true, false); err != nil {
		return fmt.Errorf("initial reconcile: %w", err)
	}

	e.intakeWg.Add(1)
	go func() {
		defer e.intakeWg.Done()
		e.reconcileLoop(intakeCtx)
	}()
	return nil
}

// abortStart releases whatever start managed to set up.
func (e *Engine) abortStart() {
	if e.watcher != nil {
		e.watcher.Stop()
	}
	if e.intakeCancel != nil {
		e.intakeCancel()
	}
	e.intakeWg.Wait()
	if e.workCancel != nil {
		e.workCancel()
	}
	e.workerWg.Wait()
	for _, w := range e.workers {
		if w.mirror != nil {
			w.shutdown()
		}
	}
	if e.journal != nil {
		e.journal.Close()
	}
	e.reset()
	e.setState(StateStopped)
}

func (e *Engine) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.journal, e.watcher, e.workers = nil, nil, nil
	e.intakeCancel, e.workCancel = nil, nil
}

func (e *Engine) mirrorWorkers() []*mirrorWorker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.workers
}

// Stop stops intake, lets each mirror finish its backlog for up to
// DrainTimeout and then cancels what is left. Unfinished work is picked up
// by the next start's reconciliation.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateStopped || e.state == StateStopping || e.state == StateStarting {
		st := e.state
		e.mu.Unlock()
		if st == StateStopped {
			return nil
		}
		return fmt.Errorf("engine is %s", st)
	}
	e.state = StateStopping
	e.mu.Unlock()
	e.publish(&events.Event{Type: events.TypeState, State: string(StateStopping)})
	slog.Info("engine stopping", "profile", e.profile.Name)

	if e.watcher != nil {
		e.watcher.Stop()
	}
	e.intakeCancel()
	e.intakeWg.Wait()

	for _, w := range e.workers {
		close(w.quit)
	}
	drained := make(chan struct{})
	go func() {
		e.workerWg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(e.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		slog.Warn("engine drain timeout", "profile", e.profile.Name, "timeout", e.opts.DrainTimeout)
		e.workCancel()
		<-drained
	case <-ctx.Done():
		e.workCancel()
		<-drained
	}
	e.workCancel()

	var err error
	if e.journal != nil {
		err = e.journal.Close()
	}
	e.reset()
	e.setState(StateStopped)
	slog.Info("engine stopped", "profile", e.profile.Name)
	return err
}

// SyncNow runs a full reconciliation that rehashes every ground file and
// waits until every available mirror has applied it.
func (e *Engine) SyncNow(ctx context.Context) error {
	if !e.active() {
		return ErrNotRunning
	}
	return e.reconcile(ctx, true, true)
}

// SnapshotNow snapshots every available mirror regardless of policy. An
// unchanged tree still yields no new snapshot.
func (e *Engine) SnapshotNow(ctx context.Context) ([]*MirrorSnapshot, error) {
	if !e.active() {
		return nil, ErrNotRunning
	}

	workers := e.mirrorWorkers()
	out := make([]*MirrorSnapshot, len(workers))
	var errs []error
	for i, w := range workers {
		res := &MirrorSnapshot{Mirror: w.root}
		out[i] = res
		err := w.do(ctx, func(ctx context.Context) error {
			if w.mirror == nil {
				return fmt.Errorf("%s: mirror unavailable", w.root)
			}
			ptr, created, err := w.snapshot(ctx, time.Now())
			res.Pointer, res.Created = ptr, created
			return err
		})
		if err != nil {
			res.Error = err.Error()
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// Known returns a copy of a mirror's known-hash table.
func (e *Engine) Known(ctx context.Context, mirrorRoot string) (detector.KnownState, error) {
	w := e.worker(mirrorRoot)
	if w == nil {
		return detector.KnownState{}, fmt.Errorf("%w: %s", ErrUnknownMirror, mirrorRoot)
	}
	var known detector.KnownState
	err := w.do(ctx, func(context.Context) error {
		if w.table == nil {
			return fmt.Errorf("%s: mirror unavailable", mirrorRoot)
		}
		known = w.table.known()
		return nil
	})
	return known, err
}

func (e *Engine) Status() *Status {
	e.mu.RLock()
	st := &Status{Profile: e.profile.Name, State: e.state, Mirrors: []*MirrorStatus{}}
	workers := e.workers
	e.mu.RUnlock()

	if len(workers) == 0 {
		for _, root := range e.profile.Mirrors {
			st.Mirrors = append(st.Mirrors, &MirrorStatus{Path: root, State: MirrorStopped})
		}
		return st
	}
	for _, w := range workers {
		ms := w.statusCopy()
		if ms.LastSyncTime.After(st.LastSyncTime) {
			st.LastSyncTime = ms.LastSyncTime
		}
		st.Mirrors = append(st.Mirrors, ms)
	}
	return st
}

func (e *Engine) worker(root string) *mirrorWorker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, w := range e.workers {
		if w.root == root {
			return w
		}
	}
	return nil
}

func (e *Engine) active() bool {
	st := e.State()
	return st == StateRunning || st == StateDegraded
}

// reconcile scans the ground once and hands the result to every mirror.
// Without rehash the scan trusts cached hashes of files whose size and mtime
// did not change.
func (e *Engine) reconcile(ctx context.Context, wait, rehash bool) error {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	start := time.Now()
	e.publish(&events.Event{Type: events.TypeReconcile, State: "started"})

	var ground detector.GroundState
	var err error
	if rehash {
		ground, err = e.scanner.Rescan(ctx, "")
	} else {
		ground, err = e.scanner.Scan(ctx)
	}
	if err != nil {
		e.publish(&events.Event{Type: events.TypeReconcile, State: "failed", Error: err.Error()})
		return err
	}

	workers := e.mirrorWorkers()
	queued := 0
	for _, w := range workers {
		counted := make(chan int, 1)
		err := w.do(ctx, func(context.Context) error {
			n, err := w.enqueueDiff(ground)
			counted <- n
			return err
		})
		select {
		case n := <-counted:
			queued += n
		default:
		}
		if err != nil && Classify(err) != KindMirrorUnavailable {
			return err
		}
	}

	if wait {
		var g errgroup.Group
		for _, w := range workers {
			g.Go(func() error { return w.settle(ctx) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	slog.Info("reconcile", "profile", e.profile.Name, "ground", len(ground), "queued", queued, "took", time.Since(start))
	e.publish(&events.Event{Type: events.TypeReconcile, State: "finished", Pending: queued})
	return nil
}

func (e *Engine) requestReconcile() {
	select {
	case e.reconcileCh <- struct{}{}:
	default:
	}
}

func (e *Engine) reconcileLoop(ctx context.Context) {
	// a timer and not a ticker, so a slow scan does not queue up ticks
	timer := time.NewTimer(e.opts.ReconcileInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-e.reconcileCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		if err := e.reconcile(ctx, false, false); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("reconcile", "profile", e.profile.Name, "error", err)
		}
		timer.Reset(e.opts.ReconcileInterval)
	}
}

// intake forwards watcher events to every available mirror.
func (e *Engine) intake(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.watcher.Overflow():
			slog.Warn("watcher overflow, reconciling", "profile", e.profile.Name)
			e.requestReconcile()
		case ev := <-e.watcher.Events():
			if ev.Path == detector.IgnoreFile {
				e.ignore.Load()
				slog.Info("ignore rules reloaded", "profile", e.profile.Name, "rules", e.ignore.Rules())
				e.requestReconcile()
			}
			for _, w := range e.workers {
				if w.available.Load() {
					w.backlog.Push(ev.Path, ev.Kind)
				}
			}
		}
	}
}

func (e *Engine) skipPath(p string) bool {
	return e.ignore.ShouldIgnore(p)
}

func (e *Engine) publish(ev *events.Event) {
	ev.Profile = e.profile.Name
	e.opts.Bus.Publish(ev)
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	changed := e.state != s
	e.state = s
	e.mu.Unlock()
	if changed {
		e.publish(&events.Event{Type: events.TypeState, State: string(s)})
	}
}

// updateState derives running or degraded from mirror availability.
func (e *Engine) updateState() {
	e.deriveState(false)
}

// deriveState leaves starting only when called at the end of Start.
func (e *Engine) deriveState(started bool) {
	e.mu.Lock()
	switch {
	case e.state == StateRunning, e.state == StateDegraded:
	case e.state == StateStarting && started:
	default:
		e.mu.Unlock()
		return
	}
	next := StateRunning
	for _, w := range e.workers {
		if !w.available.Load() {
			next = StateDegraded
			break
		}
	}
	changed := next != e.state
	e.state = next
	e.mu.Unlock()

	if changed {
		slog.Info("engine state", "profile", e.profile.Name, "state", next)
		e.publish(&events.Event{Type: events.TypeState, State: string(next)})
	}
}
