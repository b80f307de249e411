package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/watchback/internal/objects"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, *objects.Store) {
	t.Helper()
	root := t.TempDir()
	store, err := objects.Open(filepath.Join(root, "objects"))
	require.NoError(t, err)
	l, err := Open(filepath.Join(root, "versions"), store)
	require.NoError(t, err)
	return l, store
}

func put(t *testing.T, s *objects.Store, content string) objects.Hash {
	t.Helper()
	h, err := s.PutBytes(context.Background(), []byte(content))
	require.NoError(t, err)
	return h
}

func collect(t *testing.T, l *Ledger, path string) []*VersionRecord {
	t.Helper()
	var out []*VersionRecord
	for rec, err := range l.Versions(path) {
		if errors.Is(err, ErrNoHistory) {
			return nil
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestLedger_RecordAndList(t *testing.T) {
	l, s := newTestLedger(t)
	h1, h2 := put(t, s, "v1"), put(t, s, "v2")
	t1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	ok, err := l.Record(&VersionRecord{Path: "docs/a.txt", Time: t1, Kind: KindOverwrite, Hash: h1, Size: 2, ReplacedBy: h2})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Record(&VersionRecord{Path: "docs/a.txt", Time: t1.Add(time.Hour), Kind: KindDelete, Hash: h2, Size: 2})
	require.NoError(t, err)
	assert.True(t, ok)

	recs := collect(t, l, "docs/a.txt")
	require.Len(t, recs, 2)
	assert.Equal(t, KindOverwrite, recs[0].Kind)
	assert.Equal(t, h1, recs[0].Hash)
	assert.Equal(t, KindDelete, recs[1].Kind)
	assert.True(t, recs[0].Time.Before(recs[1].Time))

	latest, err := l.Latest("docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, KindDelete, latest.Kind)

	assert.Empty(t, collect(t, l, "missing.txt"))
	_, err = l.Latest("missing.txt")
	assert.ErrorIs(t, err, ErrNoHistory)
}

func TestLedger_StrictlyIncreasingTimestamps(t *testing.T) {
	l, s := newTestLedger(t)
	h1, h2, h3 := put(t, s, "1"), put(t, s, "2"), put(t, s, "3")
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	_, err := l.Record(&VersionRecord{Path: "f", Time: at, Kind: KindOverwrite, Hash: h1, ReplacedBy: h2})
	require.NoError(t, err)
	_, err = l.Record(&VersionRecord{Path: "f", Time: at, Kind: KindOverwrite, Hash: h2, ReplacedBy: h3})
	require.NoError(t, err)

	recs := collect(t, l, "f")
	require.Len(t, recs, 2)
	assert.True(t, recs[1].Time.After(recs[0].Time))
}

func TestLedger_SkipsRepeatedTransition(t *testing.T) {
	l, s := newTestLedger(t)
	h1, h2 := put(t, s, "1"), put(t, s, "2")
	rec := func() *VersionRecord {
		return &VersionRecord{Path: "f", Time: time.Now(), Kind: KindOverwrite, Hash: h1, ReplacedBy: h2}
	}

	ok, err := l.Record(rec())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Record(rec())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, collect(t, l, "f"), 1)
}

func TestLedger_RejectsInvalid(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.Record(&VersionRecord{Path: "", Kind: KindDelete, Hash: objects.EmptyHash})
	assert.Error(t, err)
	_, err = l.Record(&VersionRecord{Path: "a", Kind: "rename", Hash: objects.EmptyHash})
	assert.Error(t, err)
	_, err = l.Record(&VersionRecord{Path: "a", Kind: KindDelete, Hash: "nope"})
	assert.ErrorIs(t, err, objects.ErrInvalidHash)
}

func TestLedger_StateAt(t *testing.T) {
	l, s := newTestLedger(t)
	h1, h2, h3 := put(t, s, "one"), put(t, s, "two"), put(t, s, "three")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// h1 until base+1h, h2 until base+2h, deleted, recreated as h3 at base+3h
	for _, rec := range []*VersionRecord{
		{Path: "p", Time: base.Add(1 * time.Hour), Kind: KindOverwrite, Hash: h1, ReplacedBy: h2},
		{Path: "p", Time: base.Add(2 * time.Hour), Kind: KindDelete, Hash: h2},
		{Path: "p", Time: base.Add(3 * time.Hour), Kind: KindCreate, ReplacedBy: h3},
	} {
		_, err := l.Record(rec)
		require.NoError(t, err)
	}

	tests := []struct {
		name   string
		at     time.Time
		hash   objects.Hash
		exists bool
		err    error
	}{
		{"before history", base, h1, true, nil},
		{"at first record", base.Add(time.Hour), h1, true, nil},
		{"between overwrite and delete", base.Add(90 * time.Minute), h2, true, nil},
		{"after delete", base.Add(150 * time.Minute), "", false, nil},
		{"after recreate", base.Add(4 * time.Hour), h3, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, exists, err := l.StateAt("p", tt.at)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.hash, h)
			assert.Equal(t, tt.exists, exists)
		})
	}

	_, _, err := l.StateAt("other", base)
	assert.ErrorIs(t, err, ErrNoHistory)
}

func TestLedger_CorruptRecordSkipped(t *testing.T) {
	l, s := newTestLedger(t)
	h1, h2 := put(t, s, "a"), put(t, s, "b")
	at := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	_, err := l.Record(&VersionRecord{Path: "c.txt", Time: at, Kind: KindOverwrite, Hash: h1, ReplacedBy: h2})
	require.NoError(t, err)

	bad := filepath.Join(l.pathDir("c.txt"), FormatTime(at.Add(time.Hour))+recordExt)
	require.NoError(t, os.WriteFile(bad, []byte("{garbage"), 0o644))

	var good, failed int
	for _, err := range l.Versions("c.txt") {
		if err != nil {
			failed++
			continue
		}
		good++
	}
	assert.Equal(t, 1, good)
	assert.Equal(t, 1, failed)

	latest, err := l.Latest("c.txt")
	require.NoError(t, err)
	assert.Equal(t, h1, latest.Hash)

	h, exists, err := l.StateAt("c.txt", at.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, h2, h)
}

func TestLedger_Paths(t *testing.T) {
	l, s := newTestLedger(t)
	h := put(t, s, "x")

	for _, p := range []string{"a.txt", "dir/b.txt", "dir/sub/c.txt", "dirx/d.txt"} {
		_, err := l.Record(&VersionRecord{Path: p, Time: time.Now(), Kind: KindDelete, Hash: h})
		require.NoError(t, err)
	}

	all, err := l.PathsUnder("")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "dir/b.txt", "dir/sub/c.txt", "dirx/d.txt"}, all)

	under, err := l.PathsUnder("dir")
	require.NoError(t, err)
	assert.Equal(t, []string{"dir/b.txt", "dir/sub/c.txt"}, under)
}

func TestTimeLayout_SortsLexically(t *testing.T) {
	a := FormatTime(time.Date(2026, 1, 1, 0, 0, 0, 5, time.UTC))
	b := FormatTime(time.Date(2026, 1, 1, 0, 0, 0, 40, time.UTC))
	assert.Less(t, a, b)

	parsed, err := ParseTime(a)
	require.NoError(t, err)
	assert.Equal(t, 5, parsed.Nanosecond())
}
