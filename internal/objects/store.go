package objects

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrCorruption     = errors.New("object corrupted")
)

const tempDirName = "tmp"

// Store is a content addressed object store rooted at a directory.
// Objects live at <root>/<h[0:2]>/<h>. Temp files used while writing
// live in <root>/tmp, on the same filesystem as the rest of the mirror.
type Store struct {
	root string
	tmp  string
}

// Open prepares the store directory and removes temp files left behind by interrupted writes.
func Open(root string) (*Store, error) {
	s := &Store{
		root: root,
		tmp:  filepath.Join(root, tempDirName),
	}
	if err := os.MkdirAll(s.tmp, 0o755); err != nil {
		return nil, fmt.Errorf("create object store: %w", err)
	}
	if n, err := s.CleanTemp(); err != nil {
		return nil, err
	} else if n > 0 {
		slog.Info("object store removed stale temp files", "root", root, "count", n)
	}
	return s, nil
}

// Attach opens an existing store for reading without touching its temp
// directory, so it is safe while another process writes to the store.
func Attach(root string) (*Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("attach object store: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("attach object store: %s is not a directory", root)
	}
	return &Store{root: root, tmp: filepath.Join(root, tempDirName)}, nil
}

func (s *Store) Root() string {
	return s.root
}

// Path returns where the object for h is (or would be) stored.
func (s *Store) Path(h Hash) string {
	return filepath.Join(s.root, string(h[:2]), string(h))
}

func (s *Store) Exists(h Hash) bool {
	if !h.Valid() {
		return false
	}
	info, err := os.Stat(s.Path(h))
	return err == nil && info.Mode().IsRegular()
}

// Put streams r into the store and returns its hash and size.
// Storing content that already exists is a no-op.
func (s *Store) Put(ctx context.Context, r io.Reader) (Hash, int64, error) {
	tmp, err := createTemp(s.tmp)
	if err != nil {
		return "", 0, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := blake3.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), &ctxReader{ctx: ctx, r: r})
	if err != nil {
		tmp.Close()
		return "", n, fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", n, fmt.Errorf("sync object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", n, fmt.Errorf("close object: %w", err)
	}

	h := digest(hasher)
	if s.Exists(h) {
		return h, n, nil
	}

	dst := s.Path(h)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", n, fmt.Errorf("create object dir: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", n, fmt.Errorf("commit object: %w", err)
	}
	return h, n, nil
}

func (s *Store) PutBytes(ctx context.Context, data []byte) (Hash, error) {
	h := HashBytes(data)
	if s.Exists(h) {
		return h, nil
	}
	stored, _, err := s.Put(ctx, bytes.NewReader(data))
	return stored, err
}

// PutFile stores the content of a file on disk.
func (s *Store) PutFile(ctx context.Context, path string) (Hash, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return s.Put(ctx, f)
}

func (s *Store) Open(h Hash) (io.ReadCloser, error) {
	if !h.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHash, h)
	}
	f, err := os.Open(s.Path(h))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, h)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Store) Get(h Hash) ([]byte, error) {
	rc, err := s.Open(h)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	if HashBytes(data) != h {
		return nil, fmt.Errorf("%w: %s", ErrCorruption, h)
	}
	return data, nil
}

// Verify re-hashes the stored bytes of h.
func (s *Store) Verify(h Hash) error {
	rc, err := s.Open(h)
	if err != nil {
		return err
	}
	defer rc.Close()

	got, _, err := HashReader(rc)
	if err != nil {
		return err
	}
	if got != h {
		return fmt.Errorf("%w: %s hashes to %s", ErrCorruption, h, got)
	}
	return nil
}

// Materialize writes the object h to dst atomically with the given mode and
// modification time. The stored bytes are verified while they are copied.
// dst must be on the same filesystem as the store.
func (s *Store) Materialize(ctx context.Context, h Hash, dst string, mode fs.FileMode, mtime time.Time) error {
	return s.materialize(ctx, h, dst, mode, mtime, s.tmp)
}

// Export is Materialize for destinations outside the mirror. The temp file
// is created next to dst.
func (s *Store) Export(ctx context.Context, h Hash, dst string, mode fs.FileMode, mtime time.Time) error {
	return s.materialize(ctx, h, dst, mode, mtime, filepath.Dir(dst))
}

func (s *Store) materialize(ctx context.Context, h Hash, dst string, mode fs.FileMode, mtime time.Time, tmpDir string) error {
	src, err := s.Open(h)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create parent: %w", err)
	}

	tmp, err := createTemp(tmpDir)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := blake3.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), &ctxReader{ctx: ctx, r: src}); err != nil {
		tmp.Close()
		return fmt.Errorf("copy object: %w", err)
	}
	if got := digest(hasher); got != h {
		tmp.Close()
		return fmt.Errorf("%w: %s hashes to %s", ErrCorruption, h, got)
	}
	if mode == 0 {
		mode = 0o644
	}
	if err := tmp.Chmod(mode.Perm()); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(tmpPath, mtime, mtime); err != nil {
			return fmt.Errorf("chtimes: %w", err)
		}
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// WriteAtomic replaces dst with data through a temp file in the store.
func (s *Store) WriteAtomic(dst string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := createTemp(s.tmp)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, dst)
}

// CleanTemp deletes every file in the temp directory.
func (s *Store) CleanTemp() (int, error) {
	entries, err := os.ReadDir(s.tmp)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read temp dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.tmp, e.Name())); err != nil {
			slog.Warn("object store temp cleanup", "name", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func createTemp(dir string) (*os.File, error) {
	name := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return f, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
