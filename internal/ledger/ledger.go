package ledger

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/openmined/watchback/internal/codec"
	"github.com/openmined/watchback/internal/objects"
)

var ErrNoHistory = errors.New("no history for path")

const recordExt = ".json"

// Ledger is the append-only version history of a mirror. Records for a path
// live under <root>/<k[0:2]>/<k>/ where k is the hash of the path.
type Ledger struct {
	root  string
	store *objects.Store
	mu    sync.Mutex
}

// Open uses store for atomic writes of record files.
func Open(root string, store *objects.Store) (*Ledger, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create versions dir: %w", err)
	}
	return &Ledger{root: root, store: store}, nil
}

// Attach reads an existing history without creating anything. A mirror that
// never recorded a version simply has no history.
func Attach(root string, store *objects.Store) *Ledger {
	return &Ledger{root: root, store: store}
}

func (l *Ledger) Root() string {
	return l.root
}

func (l *Ledger) pathDir(path string) string {
	k := objects.HashBytes([]byte(path)).String()
	return filepath.Join(l.root, k[:2], k)
}

// Record appends rec to the history of rec.Path. The timestamp is bumped when
// needed so that timestamps of one path are strictly increasing. A record that
// repeats the latest transition of the path is not written and false is returned.
func (l *Ledger) Record(rec *VersionRecord) (bool, error) {
	if err := rec.validate(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	dir := l.pathDir(rec.Path)
	latest, err := l.latestLocked(dir)
	if err != nil && !errors.Is(err, ErrNoHistory) {
		return false, err
	}

	rec.Time = rec.Time.UTC()
	if latest != nil {
		if latest.sameTransition(rec) {
			return false, nil
		}
		if !rec.Time.After(latest.Time) {
			rec.Time = latest.Time.Add(time.Nanosecond)
		}
	}

	data, err := codec.MarshalIndent(rec)
	if err != nil {
		return false, fmt.Errorf("encode version record: %w", err)
	}
	dst := filepath.Join(dir, FormatTime(rec.Time)+recordExt)
	if err := l.store.WriteAtomic(dst, data); err != nil {
		return false, fmt.Errorf("write version record: %w", err)
	}
	return true, nil
}

// Versions lists the history of path in time order. Unreadable records are
// yielded as errors and iteration may continue past them.
func (l *Ledger) Versions(path string) iter.Seq2[*VersionRecord, error] {
	return func(yield func(*VersionRecord, error) bool) {
		names, err := recordNames(l.pathDir(path))
		if err != nil {
			yield(nil, err)
			return
		}
		for _, name := range names {
			rec, err := readRecord(filepath.Join(l.pathDir(path), name))
			if !yield(rec, err) {
				return
			}
		}
	}
}

// Latest returns the newest readable record for path.
func (l *Ledger) Latest(path string) (*VersionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latestLocked(l.pathDir(path))
}

func (l *Ledger) latestLocked(dir string) (*VersionRecord, error) {
	names, err := recordNames(dir)
	if err != nil {
		return nil, err
	}
	for i := len(names) - 1; i >= 0; i-- {
		rec, err := readRecord(filepath.Join(dir, names[i]))
		if err != nil {
			slog.Warn("ledger skipping corrupt record", "file", names[i], "error", err)
			continue
		}
		return rec, nil
	}
	return nil, ErrNoHistory
}

// StateAt returns the content of path at time t according to its history.
// exists is false when the path did not exist at t. ErrNoHistory is returned
// when the history says nothing about t, in which case the current copy applies.
func (l *Ledger) StateAt(path string, t time.Time) (objects.Hash, bool, error) {
	var before *VersionRecord
	for rec, err := range l.Versions(path) {
		if errors.Is(err, ErrNoHistory) {
			return "", false, err
		}
		if err != nil {
			slog.Warn("ledger skipping corrupt record", "path", path, "error", err)
			continue
		}
		if rec.Time.Before(t) {
			before = rec
			continue
		}
		if before == nil {
			h := rec.Before()
			return h, h != "", nil
		}
		break
	}
	if before == nil {
		return "", false, ErrNoHistory
	}
	if before.Kind == KindDelete {
		return "", false, nil
	}
	if h := before.After(); h != "" {
		return h, true, nil
	}
	return "", false, ErrNoHistory
}

// Paths lists every path that has history, in no particular order.
func (l *Ledger) Paths() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		prefixes, err := os.ReadDir(l.root)
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		if err != nil {
			yield("", err)
			return
		}
		for _, prefix := range prefixes {
			if !prefix.IsDir() {
				continue
			}
			keys, err := os.ReadDir(filepath.Join(l.root, prefix.Name()))
			if err != nil {
				if !yield("", err) {
					return
				}
				continue
			}
			for _, key := range keys {
				if !key.IsDir() {
					continue
				}
				path, err := l.pathOf(filepath.Join(l.root, prefix.Name(), key.Name()))
				if err != nil {
					if !yield("", err) {
						return
					}
					continue
				}
				if !yield(path, nil) {
					return
				}
			}
		}
	}
}

// PathsUnder lists paths with history equal to or below prefix, sorted.
func (l *Ledger) PathsUnder(prefix string) ([]string, error) {
	var out []string
	for p, err := range l.Paths() {
		if err != nil {
			slog.Warn("ledger skipping unreadable history", "error", err)
			continue
		}
		if prefix == "" || p == prefix || strings.HasPrefix(p, prefix+"/") {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (l *Ledger) pathOf(dir string) (string, error) {
	names, err := recordNames(dir)
	if err != nil {
		return "", err
	}
	var lastErr error
	for _, name := range names {
		rec, err := readRecord(filepath.Join(dir, name))
		if err == nil {
			return rec.Path, nil
		}
		lastErr = err
	}
	return "", lastErr
}

func recordNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return nil, ErrNoHistory
	}
	slices.Sort(names)
	return names, nil
}

func readRecord(file string) (*VersionRecord, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var rec VersionRecord
	if err := codec.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(file), err)
	}
	if err := rec.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(file), err)
	}
	return &rec, nil
}
