package engine

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/openmined/watchback/internal/detector"
	"github.com/openmined/watchback/internal/journal"
	"github.com/openmined/watchback/internal/mirror"
	"github.com/openmined/watchback/internal/objects"
	"github.com/openmined/watchback/internal/utils"
)

// knownTable is the last known content of a mirror's current/. It belongs to
// the mirror's worker goroutine.
type knownTable struct {
	files map[string]*journal.FileRecord
	dirs  map[string]struct{}
}

func newKnownTable() *knownTable {
	return &knownTable{
		files: make(map[string]*journal.FileRecord),
		dirs:  make(map[string]struct{}),
	}
}

// loadTable walks current/ and takes hashes from the journal for files whose
// size and mtime still match. Other files are hashed again.
func loadTable(ctx context.Context, m *mirror.Mirror, j *journal.Journal) (*knownTable, error) {
	saved, err := j.Load(m.ID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	table := newKnownTable()
	rehashed := 0
	root := m.CurrentDir()

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := utils.RelPath(root, p)
		if err != nil || rel == "" {
			return err
		}
		if d.IsDir() {
			table.dirs[rel] = struct{}{}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if rec, ok := saved[rel]; ok && rec.Size == info.Size() && rec.ModTime.Equal(info.ModTime()) {
			table.files[rel] = rec
			return nil
		}
		h, size, err := objects.HashFile(p)
		if err != nil {
			return err
		}
		rehashed++
		table.files[rel] = &journal.FileRecord{Path: rel, Hash: h, Size: size, ModTime: info.ModTime()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load current: %w", err)
	}

	if rehashed > 0 || len(saved) != len(table.files) {
		if err := j.Replace(m.ID, table.files); err != nil {
			return nil, err
		}
	}
	slog.Info("mirror table loaded", "mirror", m.Root, "files", len(table.files), "dirs", len(table.dirs), "rehashed", rehashed, "took", time.Since(start))
	return table, nil
}

// known returns the table in the form Diff compares against.
func (t *knownTable) known() detector.KnownState {
	files := make(map[string]objects.Hash, len(t.files))
	for p, rec := range t.files {
		files[p] = rec.Hash
	}
	dirs := make(map[string]struct{}, len(t.dirs))
	for p := range t.dirs {
		dirs[p] = struct{}{}
	}
	return detector.KnownState{Files: files, Dirs: dirs}
}

// lookup serves snapshot builds.
func (t *knownTable) lookup(path string, size int64, mtime time.Time) (objects.Hash, bool) {
	rec, ok := t.files[path]
	if !ok || rec.Size != size || !rec.ModTime.Equal(mtime) {
		return "", false
	}
	return rec.Hash, true
}

// filesUnder lists known files strictly below prefix, sorted.
func (t *knownTable) filesUnder(prefix string) []string {
	var out []string
	for p := range t.files {
		if p != prefix && utils.HasPathPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

func (t *knownTable) removeDirs(prefix string) {
	for p := range t.dirs {
		if utils.HasPathPrefix(p, prefix) {
			delete(t.dirs, p)
		}
	}
}
