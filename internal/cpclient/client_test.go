package cpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/watchback/internal/config"
	"github.com/openmined/watchback/internal/controlplane"
	"github.com/openmined/watchback/internal/controlplane/handlers"
	"github.com/openmined/watchback/internal/controlplane/middleware"
	"github.com/openmined/watchback/internal/events"
	"github.com/openmined/watchback/internal/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDaemon struct {
	url     string
	mgr     *runtime.Manager
	profile *config.Profile
	ground  string
}

func startDaemon(t *testing.T, token string) *testDaemon {
	t.Helper()
	root := t.TempDir()
	d := &testDaemon{ground: filepath.Join(root, "ground")}
	mirrorRoot := filepath.Join(root, "mirror")
	require.NoError(t, os.MkdirAll(d.ground, 0o755))
	require.NoError(t, os.MkdirAll(mirrorRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(d.ground, "a.txt"), []byte("one"), 0o644))

	d.profile = &config.Profile{Name: "docs", Ground: d.ground, Mirrors: []string{mirrorRoot}}
	require.NoError(t, d.profile.Normalize())

	cfg := config.Default()
	cfg.DataDir = filepath.Join(root, "data")
	require.NoError(t, cfg.Validate())
	mgr, err := runtime.NewManager(cfg, events.NewBus(), runtime.WithoutWatcher())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.StopAll(context.Background()) })
	d.mgr = mgr

	srv := httptest.NewServer(controlplane.SetupRoutes(mgr, &controlplane.RouteConfig{
		Auth: middleware.TokenAuthConfig{Token: token},
		Profiles: func() ([]*config.Profile, error) {
			return []*config.Profile{d.profile}, nil
		},
	}))
	t.Cleanup(srv.Close)
	d.url = srv.URL
	return d
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()

	err := New(addr, "").Ping(t.Context())
	assert.ErrorIs(t, err, ErrDaemonUnreachable)
}

func TestClient_BadToken(t *testing.T) {
	d := startDaemon(t, "secret")

	_, err := New(d.url, "wrong").Status(t.Context())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	st, err := New(d.url, "secret").Status(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "ok", st.Status)
}

func TestClient_ProfileAndHistory(t *testing.T) {
	d := startDaemon(t, "")
	c := New(d.url, "")
	ctx := t.Context()

	info, err := c.StartProfile(ctx, "docs")
	require.NoError(t, err)
	assert.True(t, info.Active)

	require.NoError(t, os.WriteFile(filepath.Join(d.ground, "a.txt"), []byte("one, then two"), 0o644))
	st, err := c.SyncProfile(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, "docs", st.Profile)

	versions, err := c.Versions(ctx, d.profile.Mirrors[0], "a.txt")
	require.NoError(t, err)
	assert.Len(t, versions.Versions, 1)

	snap, err := c.SnapshotProfile(ctx, "docs")
	require.NoError(t, err)
	require.Len(t, snap.Mirrors, 1)
	assert.Empty(t, snap.Mirrors[0].Error)

	list, err := c.Snapshots(ctx, d.profile.Mirrors[0])
	require.NoError(t, err)
	assert.NotEmpty(t, list.Snapshots)

	view, err := c.Snapshot(ctx, d.profile.Mirrors[0], "")
	require.NoError(t, err)
	_, ok := view.Tree.Find("a.txt")
	assert.True(t, ok)

	dest := filepath.Join(t.TempDir(), "out")
	res, err := c.SnapshotRestore(ctx, &handlers.SnapshotRestoreRequest{Mirror: d.profile.Mirrors[0], Dest: dest})
	require.NoError(t, err)
	assert.Len(t, res.Files, 1)

	require.NoError(t, c.StopProfile(ctx, "docs"))
	_, err = c.SyncProfile(ctx, "docs")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.NotFound())
}

func TestClient_Events(t *testing.T) {
	d := startDaemon(t, "secret")
	c := New(d.url, "secret")

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	go func() {
		bus := d.mgr.Bus()
		for bus.Subscribers() == 0 && ctx.Err() == nil {
			time.Sleep(10 * time.Millisecond)
		}
		bus.Publish(&events.Event{Type: events.TypeSnapshot, Profile: "docs"})
	}()

	var got *events.Event
	err := c.Events(ctx, "docs", func(ev *events.Event) error {
		got = ev
		return ErrStopStream
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, events.TypeSnapshot, got.Type)
	assert.False(t, errors.Is(ctx.Err(), context.DeadlineExceeded))
}
