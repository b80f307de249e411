package mirror

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/zip"
	"github.com/openmined/watchback/internal/ledger"
	"github.com/openmined/watchback/internal/snapshot"
	"github.com/openmined/watchback/internal/utils"
)

const SnapshotInfoFile = "snapshot_info.txt"

type ExportOptions struct {
	// Prefix limits the export to one file or folder of the snapshot.
	Prefix string
	// Pattern is a doublestar glob matched against paths relative to Prefix.
	Pattern string
	// RootName is the top level folder inside the archive. Defaults to the
	// last element of Prefix, or "snapshot".
	RootName string
}

type ExportResult struct {
	Zip      string    `json:"zip"`
	Files    int       `json:"files"`
	Bytes    int64     `json:"bytes"`
	Snapshot time.Time `json:"snapshot"`
}

// ExportSnapshot writes the selected files of a snapshot into a zip archive.
func (r *Reader) ExportSnapshot(ctx context.Context, root string, at time.Time, zipPath string, opts ExportOptions) (*ExportResult, error) {
	m, err := Attach(root)
	if err != nil {
		return nil, err
	}
	view, err := r.readSnapshot(m, at)
	if err != nil {
		return nil, err
	}

	prefix := utils.NormPath(opts.Prefix)
	if opts.Pattern != "" && !doublestar.ValidatePattern(opts.Pattern) {
		return nil, fmt.Errorf("invalid pattern %q", opts.Pattern)
	}

	rootName := opts.RootName
	if rootName == "" {
		rootName = "snapshot"
		if prefix != "" {
			rootName = path.Base(prefix)
		}
	}

	type target struct {
		entry snapshot.ManifestEntry
		inner string
	}
	var targets []target
	for _, e := range view.Tree.Under(prefix) {
		if e.Kind != snapshot.KindFile {
			continue
		}
		inner := e.Path
		if prefix != "" {
			if e.Path == prefix {
				inner = path.Base(e.Path)
			} else {
				inner = strings.TrimPrefix(e.Path, prefix+"/")
			}
		}
		if opts.Pattern != "" {
			if ok, _ := doublestar.Match(opts.Pattern, inner); !ok {
				continue
			}
		}
		targets = append(targets, target{entry: e, inner: inner})
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: nothing to export", ErrPathNotFound)
	}

	if err := utils.EnsureParent(zipPath); err != nil {
		return nil, err
	}
	tmp := zipPath + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	defer os.Remove(tmp)

	res := &ExportResult{Zip: zipPath, Snapshot: view.Time}
	zw := zip.NewWriter(f)
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			zw.Close()
			f.Close()
			return nil, err
		}
		if err := r.addToZip(zw, m, rootName+"/"+t.inner, t.entry); err != nil {
			zw.Close()
			f.Close()
			return nil, fmt.Errorf("export %s: %w", t.entry.Path, err)
		}
		res.Files++
		res.Bytes += t.entry.Size
	}

	info := fmt.Sprintf("Watchback Snapshot Export\n"+
		"-------------------------\n"+
		"Mirror:   %s\n"+
		"Snapshot: %s\n"+
		"Manifest: %s\n"+
		"Files:    %d\n"+
		"Exported: %s\n",
		m.Root, ledger.FormatTime(view.Time), view.Pointer.Manifest, res.Files, time.Now().UTC().Format(time.RFC3339))
	w, err := zw.Create(SnapshotInfoFile)
	if err == nil {
		_, err = io.WriteString(w, info)
	}
	if err != nil {
		zw.Close()
		f.Close()
		return nil, fmt.Errorf("write snapshot info: %w", err)
	}

	if err := zw.Close(); err != nil {
		f.Close()
		return nil, fmt.Errorf("finish archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, zipPath); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Reader) addToZip(zw *zip.Writer, m *Mirror, name string, e snapshot.ManifestEntry) error {
	src, err := m.Store.Open(e.Hash)
	if err != nil {
		return err
	}
	defer src.Close()

	hdr := &zip.FileHeader{
		Name:     filepath.ToSlash(name),
		Method:   zip.Deflate,
		Modified: e.ModTime,
	}
	if e.Mode != 0 {
		hdr.SetMode(e.Mode)
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
