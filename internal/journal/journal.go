package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/watchback/internal/db"
	"github.com/openmined/watchback/internal/objects"
)

const schema = `
CREATE TABLE IF NOT EXISTS mirrors (
    path TEXT PRIMARY KEY,
    mirror_id TEXT NOT NULL,
    last_seen INTEGER NOT NULL -- unix seconds
);

CREATE TABLE IF NOT EXISTS known_files (
    mirror_id TEXT NOT NULL,
    path TEXT NOT NULL,
    hash TEXT NOT NULL,
    size INTEGER NOT NULL,
    mtime INTEGER NOT NULL, -- unix nanoseconds of the current/ copy
    PRIMARY KEY (mirror_id, path)
);
`

// FileRecord is the last known state of one file in a mirror's current/.
type FileRecord struct {
	Path    string
	Hash    objects.Hash
	Size    int64
	ModTime time.Time
}

type dbFileRecord struct {
	Path  string `db:"path"`
	Hash  string `db:"hash"`
	Size  int64  `db:"size"`
	MTime int64  `db:"mtime"`
}

func (r *dbFileRecord) record() *FileRecord {
	return &FileRecord{
		Path:    r.Path,
		Hash:    objects.Hash(r.Hash),
		Size:    r.Size,
		ModTime: time.Unix(0, r.MTime).UTC(),
	}
}

// Journal persists the known-hash tables of every mirror of a profile, so a
// restart does not need to rehash each mirror's current/ tree.
type Journal struct {
	db     *sqlx.DB
	dbPath string
}

func Open(dbPath string) (*Journal, error) {
	conn, err := db.NewSqliteDB(db.WithPath(dbPath), db.WithMaxOpenConns(1), db.WithSchema(schema))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{db: conn, dbPath: dbPath}, nil
}

func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		slog.Error("journal close", "path", j.dbPath, "error", err)
		return err
	}
	slog.Debug("journal closed", "path", j.dbPath)
	return nil
}

// KnownMirror returns the id last seen for the mirror at path.
func (j *Journal) KnownMirror(path string) (string, bool, error) {
	var id string
	err := j.db.Get(&id, "SELECT mirror_id FROM mirrors WHERE path = ?", path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query mirror %s: %w", path, err)
	}
	return id, true, nil
}

// TouchMirror remembers that path holds the mirror id. A different id at a
// known path means the mirror was replaced, and its old table is dropped.
func (j *Journal) TouchMirror(path, id string) error {
	prev, known, err := j.KnownMirror(path)
	if err != nil {
		return err
	}

	tx, err := j.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if known && prev != id {
		slog.Warn("journal mirror identity changed", "path", path, "old", prev, "new", id)
		if _, err := tx.Exec("DELETE FROM known_files WHERE mirror_id = ?", prev); err != nil {
			return err
		}
	}
	_, err = tx.Exec(`INSERT INTO mirrors (path, mirror_id, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET mirror_id = excluded.mirror_id, last_seen = excluded.last_seen`,
		path, id, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("touch mirror %s: %w", path, err)
	}
	return tx.Commit()
}

// Load returns the whole table of a mirror.
func (j *Journal) Load(mirrorID string) (map[string]*FileRecord, error) {
	var rows []dbFileRecord
	err := j.db.Select(&rows, "SELECT path, hash, size, mtime FROM known_files WHERE mirror_id = ?", mirrorID)
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}

	out := make(map[string]*FileRecord, len(rows))
	for i := range rows {
		rec := rows[i].record()
		if !rec.Hash.Valid() {
			slog.Warn("journal skipping invalid hash", "path", rec.Path, "hash", rows[i].Hash)
			continue
		}
		out[rec.Path] = rec
	}
	return out, nil
}

func (j *Journal) Get(mirrorID, path string) (*FileRecord, error) {
	var row dbFileRecord
	err := j.db.Get(&row, "SELECT path, hash, size, mtime FROM known_files WHERE mirror_id = ? AND path = ?", mirrorID, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", path, err)
	}
	return row.record(), nil
}

// Apply stores sets and removes deletes in one transaction.
func (j *Journal) Apply(mirrorID string, sets []*FileRecord, deletes []string) error {
	if len(sets) == 0 && len(deletes) == 0 {
		return nil
	}

	tx, err := j.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, rec := range sets {
		_, err := tx.Exec(`INSERT OR REPLACE INTO known_files (mirror_id, path, hash, size, mtime) VALUES (?, ?, ?, ?, ?)`,
			mirrorID, rec.Path, rec.Hash.String(), rec.Size, rec.ModTime.UnixNano())
		if err != nil {
			return fmt.Errorf("set %s: %w", rec.Path, err)
		}
	}
	for _, p := range deletes {
		if _, err := tx.Exec("DELETE FROM known_files WHERE mirror_id = ? AND path = ?", mirrorID, p); err != nil {
			return fmt.Errorf("delete %s: %w", p, err)
		}
	}
	return tx.Commit()
}

func (j *Journal) Set(mirrorID string, rec *FileRecord) error {
	return j.Apply(mirrorID, []*FileRecord{rec}, nil)
}

func (j *Journal) Delete(mirrorID, path string) error {
	return j.Apply(mirrorID, nil, []string{path})
}

// Replace swaps the whole table of a mirror.
func (j *Journal) Replace(mirrorID string, table map[string]*FileRecord) error {
	tx, err := j.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM known_files WHERE mirror_id = ?", mirrorID); err != nil {
		return err
	}
	for _, rec := range table {
		_, err := tx.Exec(`INSERT INTO known_files (mirror_id, path, hash, size, mtime) VALUES (?, ?, ?, ?, ?)`,
			mirrorID, rec.Path, rec.Hash.String(), rec.Size, rec.ModTime.UnixNano())
		if err != nil {
			return fmt.Errorf("set %s: %w", rec.Path, err)
		}
	}
	return tx.Commit()
}

func (j *Journal) Count(mirrorID string) (int, error) {
	var n int
	if err := j.db.Get(&n, "SELECT COUNT(*) FROM known_files WHERE mirror_id = ?", mirrorID); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}
