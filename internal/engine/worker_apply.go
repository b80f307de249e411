package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/openmined/watchback/internal/detector"
	"github.com/openmined/watchback/internal/journal"
	"github.com/openmined/watchback/internal/ledger"
	"github.com/openmined/watchback/internal/mirror"
	"github.com/openmined/watchback/internal/objects"
	"github.com/openmined/watchback/internal/utils"
)

// applyPath brings current/<rel> in line with the ground as it is now. For a
// directory the whole subtree is compared. Per-path failures are recorded
// and skipped; only cancellation and an unavailable mirror are returned.
// The path is always rehashed, since an event may report an edit that kept
// size and mtime.
func (w *mirrorWorker) applyPath(ctx context.Context, rel string) error {
	e := w.engine
	ground, err := e.scanner.Rescan(ctx, rel)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if !utils.DirExists(e.profile.Ground) {
			w.recordFailure(rel, fmt.Errorf("%w: ground folder %s is missing", ErrTransientIO, e.profile.Ground))
			return nil
		}
		ground = detector.GroundState{}
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.recordFailure(rel, transient(rel, err))
		return nil
	}

	clean := true
	for _, ev := range detector.Diff(ground, w.table.known(), rel, e.skipPath) {
		err := w.applyEvent(ctx, ev, ground[ev.Path])
		if err == nil {
			w.clearFailure(ev.Path)
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if Classify(err) == KindMirrorUnavailable || !w.mirror.Available() {
			return fmt.Errorf("%w: %v", mirror.ErrMirrorUnavailable, err)
		}
		w.recordFailure(ev.Path, err)
		clean = false
	}

	if g := ground[rel]; g != nil && g.Unreadable {
		w.recordFailure(rel, fmt.Errorf("%w: %s is unreadable", ErrTransientIO, rel))
	} else if clean {
		w.clearFailure(rel)
	}
	return nil
}

func (w *mirrorWorker) applyEvent(ctx context.Context, ev detector.ChangeEvent, entry *detector.GroundEntry) error {
	switch {
	case entry == nil:
		return w.removePath(ctx, ev.Path)
	case entry.Kind == detector.EntryDir:
		return w.ensureDir(ctx, ev.Path, entry.Mode)
	default:
		return w.writeFile(ctx, entry)
	}
}

// writeFile stores the ground file, versions the copy it replaces and
// materializes the new content into current/.
func (w *mirrorWorker) writeFile(ctx context.Context, entry *detector.GroundEntry) error {
	rel := entry.Path
	m := w.mirror

	if _, isDir := w.table.dirs[rel]; isDir {
		if err := w.removePath(ctx, rel); err != nil {
			return err
		}
	}
	if err := w.ensureParents(ctx, rel); err != nil {
		return err
	}

	h, size, err := m.Store.PutFile(ctx, utils.JoinRel(w.engine.profile.Ground, rel))
	if err != nil {
		return transient(rel, err)
	}

	now := time.Now()
	old, exists := w.table.files[rel]
	if exists && old.Hash == h {
		return nil
	}

	if exists {
		prev, err := w.ensureStored(ctx, old)
		if err != nil {
			return err
		}
		rec := &ledger.VersionRecord{Path: rel, Time: now, Kind: ledger.KindOverwrite, Hash: prev, Size: old.Size, ReplacedBy: h}
		if _, err := m.Ledger.Record(rec); err != nil {
			return transient(rel, err)
		}
	} else if err := w.recordCreate(rel, h, now); err != nil {
		return err
	}

	dst := m.CurrentPath(rel)
	if err := m.Store.Materialize(ctx, h, dst, entry.Mode, entry.ModTime); err != nil {
		return transient(rel, err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		return transient(rel, err)
	}

	rec := &journal.FileRecord{Path: rel, Hash: h, Size: size, ModTime: info.ModTime()}
	w.table.files[rel] = rec
	w.journalSet(rec)
	if exists {
		w.applied(rel, detector.Modified)
	} else {
		w.applied(rel, detector.Created)
	}
	return nil
}

// recordCreate notes that rel exists again after its history ended in a delete.
func (w *mirrorWorker) recordCreate(rel string, h objects.Hash, now time.Time) error {
	latest, err := w.mirror.Ledger.Latest(rel)
	if errors.Is(err, ledger.ErrNoHistory) {
		return nil
	}
	if err != nil {
		slog.Warn("history unreadable", "mirror", w.root, "path", rel, "error", err)
		return nil
	}
	if latest.Kind != ledger.KindDelete {
		return nil
	}
	rec := &ledger.VersionRecord{Path: rel, Time: now, Kind: ledger.KindCreate, ReplacedBy: h}
	if _, err := w.mirror.Ledger.Record(rec); err != nil {
		return transient(rel, err)
	}
	return nil
}

// ensureStored makes sure the content of a current/ file is in the store
// before a record references it.
func (w *mirrorWorker) ensureStored(ctx context.Context, rec *journal.FileRecord) (objects.Hash, error) {
	store := w.mirror.Store
	if store.Exists(rec.Hash) {
		return rec.Hash, nil
	}
	h, _, err := store.PutFile(ctx, w.mirror.CurrentPath(rec.Path))
	if err != nil {
		return "", transient(rec.Path, err)
	}
	if h != rec.Hash {
		slog.Warn("current copy differs from table", "mirror", w.root, "path", rec.Path, "table", rec.Hash.Short(), "disk", h.Short())
	}
	return h, nil
}

// removePath versions and removes a file, or every file below a directory.
func (w *mirrorWorker) removePath(ctx context.Context, rel string) error {
	if rec, ok := w.table.files[rel]; ok {
		return w.removeFile(ctx, rec)
	}
	if _, ok := w.table.dirs[rel]; !ok {
		return nil
	}

	for _, p := range w.table.filesUnder(rel) {
		if err := w.removeFile(ctx, w.table.files[p]); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(w.mirror.CurrentPath(rel)); err != nil {
		return transient(rel, err)
	}
	w.table.removeDirs(rel)
	w.applied(rel, detector.Deleted)
	return nil
}

func (w *mirrorWorker) removeFile(ctx context.Context, rec *journal.FileRecord) error {
	prev, err := w.ensureStored(ctx, rec)
	if err != nil {
		return err
	}
	del := &ledger.VersionRecord{Path: rec.Path, Time: time.Now(), Kind: ledger.KindDelete, Hash: prev, Size: rec.Size}
	if _, err := w.mirror.Ledger.Record(del); err != nil {
		return transient(rec.Path, err)
	}
	if err := os.Remove(w.mirror.CurrentPath(rec.Path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return transient(rec.Path, err)
	}
	delete(w.table.files, rec.Path)
	w.journalDelete(rec.Path)
	w.applied(rec.Path, detector.Deleted)
	return nil
}

// ensureDir creates current/<rel>, replacing a file that occupies the path.
func (w *mirrorWorker) ensureDir(ctx context.Context, rel string, mode fs.FileMode) error {
	if _, ok := w.table.dirs[rel]; ok {
		return nil
	}
	if err := w.ensureParents(ctx, rel); err != nil {
		return err
	}
	if rec, ok := w.table.files[rel]; ok {
		if err := w.removeFile(ctx, rec); err != nil {
			return err
		}
	}
	if mode == 0 {
		mode = 0o755
	}
	if err := os.MkdirAll(w.mirror.CurrentPath(rel), mode|0o700); err != nil {
		return transient(rel, err)
	}
	w.table.dirs[rel] = struct{}{}
	return nil
}

func (w *mirrorWorker) ensureParents(ctx context.Context, rel string) error {
	parts := strings.Split(rel, "/")
	for i := 1; i < len(parts); i++ {
		if err := w.ensureDir(ctx, strings.Join(parts[:i], "/"), 0); err != nil {
			return err
		}
	}
	return nil
}
