package detector

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/openmined/watchback/internal/objects"
	"github.com/openmined/watchback/internal/utils"
)

// Scanner walks the ground folder. Hashes from the previous scan are reused
// for files whose size and modification time did not change.
type Scanner struct {
	root   string
	ignore *IgnoreList
	mu     sync.Mutex
	last   GroundState
}

func NewScanner(root string, ignore *IgnoreList) *Scanner {
	return &Scanner{root: root, ignore: ignore, last: GroundState{}}
}

// Scan walks the whole ground folder.
func (s *Scanner) Scan(ctx context.Context) (GroundState, error) {
	return s.ScanPrefix(ctx, "")
}

// ScanPrefix walks only the subtree at prefix. The hash cache keeps entries
// outside the subtree.
func (s *Scanner) ScanPrefix(ctx context.Context, prefix string) (GroundState, error) {
	return s.scan(ctx, prefix, true)
}

// Rescan is ScanPrefix without the hash cache. Every file is hashed again,
// so edits that kept both size and mtime are seen.
func (s *Scanner) Rescan(ctx context.Context, prefix string) (GroundState, error) {
	return s.scan(ctx, prefix, false)
}

func (s *Scanner) scan(ctx context.Context, prefix string, reuse bool) (GroundState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := GroundState{}
	start := utils.JoinRel(s.root, prefix)

	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := utils.RelPath(s.root, p)
		if err != nil {
			return err
		}
		if walkErr != nil {
			if p == start {
				return walkErr
			}
			slog.Warn("scan skipping unreadable path", "path", rel, "error", walkErr)
			state[rel] = &GroundEntry{Path: rel, Kind: EntryFile, Unreadable: true}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if rel == "" {
			return nil
		}
		if s.ignore != nil {
			if d.IsDir() && s.ignore.ShouldIgnoreDir(rel) {
				return fs.SkipDir
			}
			if !d.IsDir() && s.ignore.ShouldIgnore(rel) {
				return nil
			}
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			slog.Warn("scan stat", "path", rel, "error", err)
			state[rel] = &GroundEntry{Path: rel, Kind: EntryFile, Unreadable: true}
			return nil
		}
		if d.IsDir() {
			state[rel] = &GroundEntry{Path: rel, Kind: EntryDir, Mode: info.Mode().Perm(), ModTime: info.ModTime()}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		entry := &GroundEntry{
			Path:    rel,
			Kind:    EntryFile,
			Size:    info.Size(),
			Mode:    info.Mode().Perm(),
			ModTime: info.ModTime(),
		}
		if prev, ok := s.last[rel]; reuse && ok && !prev.Unreadable && prev.Kind == EntryFile &&
			prev.Size == entry.Size && prev.ModTime.Equal(entry.ModTime) {
			entry.Hash = prev.Hash
		} else {
			h, _, err := objects.HashFile(p)
			if err != nil {
				slog.Warn("scan hash", "path", rel, "error", err)
				entry.Unreadable = true
			}
			entry.Hash = h
		}
		state[rel] = entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ground scan: %w", err)
	}

	if prefix == "" {
		s.last = state
	} else {
		for rel := range s.last {
			if utils.HasPathPrefix(rel, prefix) {
				delete(s.last, rel)
			}
		}
		for rel, e := range state {
			s.last[rel] = e
		}
	}
	return state, nil
}
