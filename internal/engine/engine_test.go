package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmined/watchback/internal/config"
	"github.com/openmined/watchback/internal/detector"
	"github.com/openmined/watchback/internal/events"
	"github.com/openmined/watchback/internal/ledger"
	"github.com/openmined/watchback/internal/mirror"
	"github.com/openmined/watchback/internal/objects"
	"github.com/openmined/watchback/internal/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ground  string
	mirrors []string
	dataDir string
	mtime   time.Time
}

func newFixture(t *testing.T, mirrors int) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		ground:  filepath.Join(root, "ground"),
		dataDir: filepath.Join(root, "data"),
		mtime:   time.Now().Add(-time.Hour).Truncate(time.Second),
	}
	require.NoError(t, os.MkdirAll(f.ground, 0o755))
	for i := range mirrors {
		m := filepath.Join(root, fmt.Sprintf("mirror%d", i))
		require.NoError(t, os.MkdirAll(m, 0o755))
		f.mirrors = append(f.mirrors, m)
	}
	return f
}

// write gives every write a distinct, stable mtime.
func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(f.ground, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	f.mtime = f.mtime.Add(time.Second)
	require.NoError(t, os.Chtimes(p, f.mtime, f.mtime))
}

func (f *fixture) remove(t *testing.T, rel string) {
	t.Helper()
	require.NoError(t, os.RemoveAll(filepath.Join(f.ground, filepath.FromSlash(rel))))
}

func (f *fixture) profile(t *testing.T, policy snapshot.Policy) *config.Profile {
	t.Helper()
	p := &config.Profile{Name: "test", Ground: f.ground, Mirrors: append([]string{}, f.mirrors...), Snapshot: policy}
	require.NoError(t, p.Normalize())
	return p
}

func (f *fixture) options(opts ...func(*Options)) Options {
	o := Options{
		EngineConfig: config.EngineConfig{
			ReconcileInterval: time.Hour,
			DrainTimeout:      5 * time.Second,
			RetryInterval:     50 * time.Millisecond,
			BatchSize:         16,
		},
		JournalPath:    filepath.Join(f.dataDir, "journal", "test.db"),
		DisableWatcher: true,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func (f *fixture) start(t *testing.T, policy snapshot.Policy, opts ...func(*Options)) *Engine {
	t.Helper()
	e := New(f.profile(t, policy), f.options(opts...))
	require.NoError(t, e.Start(t.Context()))
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return e
}

func readCurrent(t *testing.T, mirrorRoot, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(mirrorRoot, mirror.CurrentDir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func versions(t *testing.T, mirrorRoot, rel string) []*ledger.VersionRecord {
	t.Helper()
	recs, err := mirror.NewReader(0).ListVersions(mirrorRoot, rel)
	require.NoError(t, err)
	return recs
}

func intervalPolicy() snapshot.Policy {
	return snapshot.Policy{Mode: snapshot.ModeInterval, Interval: time.Hour}
}

func TestEngine_NotesScenario(t *testing.T) {
	f := newFixture(t, 1)
	m := f.mirrors[0]
	f.write(t, "notes.txt", "v1")

	e := f.start(t, intervalPolicy())
	assert.Equal(t, StateRunning, e.State())
	assert.Equal(t, "v1", readCurrent(t, m, "notes.txt"))
	assert.Empty(t, versions(t, m, "notes.txt"))

	f.write(t, "notes.txt", "v2")
	require.NoError(t, e.SyncNow(t.Context()))
	assert.Equal(t, "v2", readCurrent(t, m, "notes.txt"))

	recs := versions(t, m, "notes.txt")
	require.Len(t, recs, 1)
	assert.Equal(t, ledger.KindOverwrite, recs[0].Kind)
	assert.Equal(t, objects.HashBytes([]byte("v1")), recs[0].Hash)
	assert.Equal(t, objects.HashBytes([]byte("v2")), recs[0].ReplacedBy)

	beforeDelete := time.Now()
	f.remove(t, "notes.txt")
	require.NoError(t, e.SyncNow(t.Context()))
	assert.NoFileExists(t, filepath.Join(m, mirror.CurrentDir, "notes.txt"))

	recs = versions(t, m, "notes.txt")
	require.Len(t, recs, 2)
	assert.Equal(t, ledger.KindDelete, recs[1].Kind)
	assert.Equal(t, objects.HashBytes([]byte("v2")), recs[1].Hash)

	dest := filepath.Join(t.TempDir(), "restored.txt")
	_, err := mirror.NewReader(0).RestoreVersion(t.Context(), m, "notes.txt", beforeDelete, dest, mirror.RestoreOptions{})
	require.NoError(t, err)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestEngine_SyncIsIdempotent(t *testing.T) {
	f := newFixture(t, 1)
	f.write(t, "a.txt", "one")
	e := f.start(t, intervalPolicy())

	f.write(t, "a.txt", "two")
	require.NoError(t, e.SyncNow(t.Context()))
	require.NoError(t, e.SyncNow(t.Context()))
	require.NoError(t, e.SyncNow(t.Context()))

	assert.Len(t, versions(t, f.mirrors[0], "a.txt"), 1)
}

func TestEngine_AllMirrorsMatchGround(t *testing.T) {
	f := newFixture(t, 2)
	f.write(t, "top.txt", "top")
	f.write(t, "docs/a.md", "alpha")
	f.write(t, "docs/deep/b.md", "beta")
	require.NoError(t, os.MkdirAll(filepath.Join(f.ground, "empty"), 0o755))

	e := f.start(t, intervalPolicy())
	for _, m := range f.mirrors {
		assert.Equal(t, "top", readCurrent(t, m, "top.txt"))
		assert.Equal(t, "alpha", readCurrent(t, m, "docs/a.md"))
		assert.Equal(t, "beta", readCurrent(t, m, "docs/deep/b.md"))
		assert.DirExists(t, filepath.Join(m, mirror.CurrentDir, "empty"))
	}

	// removing a directory versions every file below it
	f.remove(t, "docs")
	require.NoError(t, e.SyncNow(t.Context()))
	for _, m := range f.mirrors {
		assert.NoDirExists(t, filepath.Join(m, mirror.CurrentDir, "docs"))
		for _, rel := range []string{"docs/a.md", "docs/deep/b.md"} {
			recs := versions(t, m, rel)
			require.Len(t, recs, 1, rel)
			assert.Equal(t, ledger.KindDelete, recs[0].Kind)
		}
	}

	st := e.Status()
	require.Len(t, st.Mirrors, 2)
	for _, ms := range st.Mirrors {
		assert.Equal(t, MirrorSynced, ms.State)
		assert.Equal(t, 1, ms.Files)
		assert.Zero(t, ms.Pending)
		assert.Empty(t, ms.FailedPaths)
		assert.NotZero(t, ms.DiskFree)
	}
	assert.False(t, st.LastSyncTime.IsZero())
}

func TestEngine_FileReplacedByDirectory(t *testing.T) {
	f := newFixture(t, 1)
	m := f.mirrors[0]
	f.write(t, "item", "plain file")
	e := f.start(t, intervalPolicy())

	f.remove(t, "item")
	f.write(t, "item/inner.txt", "inside")
	require.NoError(t, e.SyncNow(t.Context()))

	assert.Equal(t, "inside", readCurrent(t, m, "item/inner.txt"))
	recs := versions(t, m, "item")
	require.Len(t, recs, 1)
	assert.Equal(t, ledger.KindDelete, recs[0].Kind)
	assert.Equal(t, objects.HashBytes([]byte("plain file")), recs[0].Hash)

	known, err := e.Known(t.Context(), m)
	require.NoError(t, err)
	assert.Contains(t, known.Dirs, "item")
	assert.Equal(t, objects.HashBytes([]byte("inside")), known.Files["item/inner.txt"])
	assert.NotContains(t, known.Files, "item")
}

func TestEngine_RecreateAfterDelete(t *testing.T) {
	f := newFixture(t, 1)
	m := f.mirrors[0]
	f.write(t, "x.txt", "first")
	e := f.start(t, intervalPolicy())

	f.remove(t, "x.txt")
	require.NoError(t, e.SyncNow(t.Context()))
	gone := time.Now()

	f.write(t, "x.txt", "second")
	require.NoError(t, e.SyncNow(t.Context()))

	recs := versions(t, m, "x.txt")
	require.Len(t, recs, 2)
	assert.Equal(t, ledger.KindCreate, recs[1].Kind)

	attached, err := mirror.Attach(m)
	require.NoError(t, err)
	_, exists, err := attached.Ledger.StateAt("x.txt", gone)
	require.NoError(t, err)
	assert.False(t, exists)
	h, exists, err := attached.Ledger.StateAt("x.txt", time.Now())
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, objects.HashBytes([]byte("second")), h)
}

func TestEngine_OnlyIgnoreFileRulesApply(t *testing.T) {
	f := newFixture(t, 1)
	f.write(t, detector.IgnoreFile, "*.log\n")
	f.write(t, "keep.txt", "keep")
	f.write(t, "debug.log", "noise")
	for _, rel := range []string{"draft.swp", "report.tmp", "notes.txt~", "video.part", ".DS_Store"} {
		f.write(t, rel, rel)
	}

	f.start(t, intervalPolicy())
	m := f.mirrors[0]
	assert.Equal(t, "keep", readCurrent(t, m, "keep.txt"))
	assert.Equal(t, "*.log\n", readCurrent(t, m, detector.IgnoreFile))
	for _, rel := range []string{"draft.swp", "report.tmp", "notes.txt~", "video.part", ".DS_Store"} {
		assert.Equal(t, rel, readCurrent(t, m, rel))
	}
	assert.NoFileExists(t, filepath.Join(m, mirror.CurrentDir, "debug.log"))
}

func TestEngine_SameSizeEditWithPreservedMtime(t *testing.T) {
	f := newFixture(t, 1)
	m := f.mirrors[0]
	p := filepath.Join(f.ground, "a.txt")
	f.write(t, "a.txt", "v1")
	info, err := os.Stat(p)
	require.NoError(t, err)
	mtime := info.ModTime()

	e := f.start(t, intervalPolicy())
	assert.Equal(t, "v1", readCurrent(t, m, "a.txt"))

	// as cp -p or rsync -t would leave it
	require.NoError(t, os.WriteFile(p, []byte("v2"), 0o644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))

	require.NoError(t, e.SyncNow(t.Context()))
	assert.Equal(t, "v2", readCurrent(t, m, "a.txt"))

	// the same through the event path
	require.NoError(t, os.WriteFile(p, []byte("v3"), 0o644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
	w := e.mirrorWorkers()[0]
	w.backlog.Push("a.txt", detector.Modified)
	require.NoError(t, w.settle(t.Context()))
	assert.Equal(t, "v3", readCurrent(t, m, "a.txt"))

	assert.Len(t, versions(t, m, "a.txt"), 2)
}

func TestEngine_RestartDoesNotDuplicateHistory(t *testing.T) {
	f := newFixture(t, 1)
	m := f.mirrors[0]
	f.write(t, "a.txt", "one")

	e := New(f.profile(t, intervalPolicy()), f.options())
	require.NoError(t, e.Start(t.Context()))
	f.write(t, "a.txt", "two")
	require.NoError(t, e.SyncNow(t.Context()))
	require.NoError(t, e.Stop(t.Context()))
	assert.Equal(t, StateStopped, e.State())

	// changed while stopped
	f.write(t, "a.txt", "three")

	require.NoError(t, e.Start(t.Context()))
	assert.Equal(t, "three", readCurrent(t, m, "a.txt"))
	require.NoError(t, e.Stop(t.Context()))

	require.NoError(t, e.Start(t.Context()))
	defer e.Stop(context.Background())
	assert.Len(t, versions(t, m, "a.txt"), 2)
}

func TestEngine_UnavailableMirrorDegradesAndRecovers(t *testing.T) {
	f := newFixture(t, 2)
	missing := f.mirrors[1]
	require.NoError(t, os.RemoveAll(missing))
	f.write(t, "a.txt", "hello")

	e := f.start(t, intervalPolicy())
	assert.Equal(t, StateDegraded, e.State())
	assert.Equal(t, "hello", readCurrent(t, f.mirrors[0], "a.txt"))

	st := e.Status()
	assert.Equal(t, MirrorUnavailable, st.Mirrors[1].State)
	assert.NotEmpty(t, st.Mirrors[1].LastError)

	require.NoError(t, os.MkdirAll(missing, 0o755))
	require.Eventually(t, func() bool {
		return e.State() == StateRunning
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(missing, mirror.CurrentDir, "a.txt"))
		return err == nil && string(data) == "hello"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEngine_UnmountedMirrorIsNotReinitialized(t *testing.T) {
	f := newFixture(t, 1)
	m := f.mirrors[0]
	f.write(t, "a.txt", "hello")

	e := New(f.profile(t, intervalPolicy()), f.options())
	require.NoError(t, e.Start(t.Context()))
	require.NoError(t, e.Stop(t.Context()))

	// the mount point stays behind as an empty directory
	require.NoError(t, os.RemoveAll(m))
	require.NoError(t, os.MkdirAll(m, 0o755))

	require.NoError(t, e.Start(t.Context()))
	defer e.Stop(context.Background())
	assert.Equal(t, StateDegraded, e.State())
	assert.NoFileExists(t, filepath.Join(m, mirror.MarkerFile))
}

func TestEngine_ConfigInvalid(t *testing.T) {
	f := newFixture(t, 0)
	p := &config.Profile{Name: "bad", Ground: f.ground, Mirrors: []string{f.ground}}
	require.NoError(t, p.Normalize())

	e := New(p, f.options())
	err := e.Start(t.Context())
	assert.ErrorIs(t, err, config.ErrConfigInvalid)
	assert.Equal(t, KindConfigInvalid, Classify(err))
	assert.Equal(t, StateStopped, e.State())
}

func TestEngine_BatchSnapshots(t *testing.T) {
	f := newFixture(t, 1)
	f.write(t, "a.txt", "a")

	var hookCalls atomic.Int32
	hook := RetentionFunc(func(ctx context.Context, m *mirror.Mirror, ptr *snapshot.Pointer) error {
		hookCalls.Add(1)
		return nil
	})
	e := f.start(t, snapshot.Policy{Mode: snapshot.ModeBatch}, func(o *Options) { o.Retention = hook })

	snaps, err := mirror.NewReader(0).ListSnapshots(f.mirrors[0])
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 1, snaps[0].Files)
	assert.Equal(t, int32(1), hookCalls.Load())

	// nothing changed, so no new snapshot
	res, err := e.SnapshotNow(t.Context())
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.False(t, res[0].Created)
	assert.Equal(t, snaps[0].Manifest, res[0].Pointer.Manifest)

	f.write(t, "b.txt", "b")
	require.NoError(t, e.SyncNow(t.Context()))
	snaps, err = mirror.NewReader(0).ListSnapshots(f.mirrors[0])
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, int32(2), hookCalls.Load())
	assert.Equal(t, snaps[1].Manifest, e.Status().Mirrors[0].LastSnapshot.Manifest)
}

func TestEngine_BatchSnapshotCatchesUpWhenIdle(t *testing.T) {
	f := newFixture(t, 1)
	f.write(t, "a.txt", "a")
	e := f.start(t, snapshot.Policy{Mode: snapshot.ModeBatch, MinInterval: 300 * time.Millisecond})

	f.write(t, "b.txt", "b")
	require.NoError(t, e.SyncNow(t.Context()))

	require.Eventually(t, func() bool {
		ptr := e.Status().Mirrors[0].LastSnapshot
		return ptr != nil && ptr.Files == 2
	}, 5*time.Second, 20*time.Millisecond)

	snaps, err := mirror.NewReader(0).ListSnapshots(f.mirrors[0])
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, 2, snaps[1].Files)
}

func TestEngine_StopAfterDrainTimeout(t *testing.T) {
	f := newFixture(t, 1)
	m := f.mirrors[0]
	f.write(t, "seed.txt", "seed")

	e := New(f.profile(t, intervalPolicy()), f.options(func(o *Options) { o.DrainTimeout = time.Millisecond }))
	require.NoError(t, e.Start(t.Context()))

	const files = 300
	w := e.mirrorWorkers()[0]
	for i := range files {
		rel := fmt.Sprintf("bulk/f%03d.txt", i)
		f.write(t, rel, strings.Repeat(rel, 512))
		w.backlog.Push(rel, detector.Created)
	}
	require.NoError(t, e.Stop(t.Context()))
	assert.Equal(t, StateStopped, e.State())

	// leftovers may only be temp files; every stored object is whole
	objRoot := filepath.Join(m, mirror.ObjectsDir)
	store, err := objects.Attach(objRoot)
	require.NoError(t, err)
	err = filepath.WalkDir(objRoot, func(p string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(objRoot, p)
		require.NoError(t, err)
		if strings.HasPrefix(rel, "tmp"+string(filepath.Separator)) {
			return nil
		}
		h, err := objects.ParseHash(d.Name())
		require.NoError(t, err, rel)
		assert.NoError(t, store.Verify(h), rel)
		return nil
	})
	require.NoError(t, err)

	e2 := f.start(t, intervalPolicy())
	assert.Equal(t, StateRunning, e2.State())
	for i := range files {
		rel := fmt.Sprintf("bulk/f%03d.txt", i)
		assert.Equal(t, strings.Repeat(rel, 512), readCurrent(t, m, rel))
	}
}

func TestWorker_DoWaitsForCanceledCall(t *testing.T) {
	f := newFixture(t, 1)
	e := f.start(t, intervalPolicy())
	w := e.mirrorWorkers()[0]

	ctx, cancel := context.WithCancel(t.Context())
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()

	finished := false
	err := w.do(ctx, func(callCtx context.Context) error {
		close(started)
		<-callCtx.Done()
		finished = true
		return callCtx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, finished)

	// the worker keeps serving
	require.NoError(t, e.SyncNow(t.Context()))
}

func TestEngine_PublishesEvents(t *testing.T) {
	f := newFixture(t, 1)
	f.write(t, "a.txt", "a")

	bus := events.NewBus()
	sub := bus.Subscribe()
	f.start(t, intervalPolicy(), func(o *Options) { o.Bus = bus })

	seen := map[events.Type]bool{}
	timeout := time.After(2 * time.Second)
	for !(seen[events.TypeApplied] && seen[events.TypeReconcile] && seen[events.TypeState]) {
		select {
		case ev := <-sub:
			assert.Equal(t, "test", ev.Profile)
			seen[ev.Type] = true
		case <-timeout:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
}

func TestEngine_NotRunning(t *testing.T) {
	f := newFixture(t, 1)
	e := New(f.profile(t, intervalPolicy()), f.options())

	assert.ErrorIs(t, e.SyncNow(t.Context()), ErrNotRunning)
	_, err := e.SnapshotNow(t.Context())
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.NoError(t, e.Stop(t.Context()))

	st := e.Status()
	assert.Equal(t, StateStopped, st.State)
	require.Len(t, st.Mirrors, 1)
	assert.Equal(t, MirrorStopped, st.Mirrors[0].State)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{context.Canceled, KindCanceled},
		{fmt.Errorf("open: %w", mirror.ErrMirrorUnavailable), KindMirrorUnavailable},
		{mirror.ErrMirrorLocked, KindMirrorUnavailable},
		{fmt.Errorf("get: %w", objects.ErrObjectNotFound), KindCorruption},
		{objects.ErrCorruption, KindCorruption},
		{config.ErrConfigInvalid, KindConfigInvalid},
		{transient("a.txt", os.ErrPermission), KindTransientIO},
		{errors.New("disk full"), KindTransientIO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}

	assert.ErrorIs(t, transient("a.txt", context.Canceled), context.Canceled)
	assert.NotErrorIs(t, transient("a.txt", context.Canceled), ErrTransientIO)
}
