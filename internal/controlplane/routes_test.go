package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/openmined/watchback/internal/config"
	"github.com/openmined/watchback/internal/controlplane/handlers"
	"github.com/openmined/watchback/internal/controlplane/middleware"
	"github.com/openmined/watchback/internal/events"
	"github.com/openmined/watchback/internal/ledger"
	"github.com/openmined/watchback/internal/mirror"
	"github.com/openmined/watchback/internal/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	mgr     *runtime.Manager
	profile *config.Profile
	handler http.Handler
	ground  string
	mirror  string
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		ground: filepath.Join(root, "ground"),
		mirror: filepath.Join(root, "mirror"),
	}
	require.NoError(t, os.MkdirAll(env.ground, 0o755))
	require.NoError(t, os.MkdirAll(env.mirror, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.ground, "hello.txt"), []byte("v1"), 0o644))

	env.profile = &config.Profile{Name: "docs", Ground: env.ground, Mirrors: []string{env.mirror}}
	require.NoError(t, env.profile.Normalize())

	cfg := config.Default()
	cfg.DataDir = filepath.Join(root, "data")
	require.NoError(t, cfg.Validate())

	mgr, err := runtime.NewManager(cfg, events.NewBus(), runtime.WithoutWatcher())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.StopAll(context.Background()) })
	env.mgr = mgr

	env.handler = SetupRoutes(mgr, &RouteConfig{
		Auth: middleware.TokenAuthConfig{Token: token},
		Profiles: func() ([]*config.Profile, error) {
			return []*config.Profile{env.profile}, nil
		},
	})
	return env
}

func (env *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestRoutes_IndexAndHealth(t *testing.T) {
	env := newTestEnv(t, "secret")

	w := env.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"app":"Watchback"`)

	w = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/v1/status", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/v1/status?token=secret", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutes_ProfileLifecycle(t *testing.T) {
	env := newTestEnv(t, "")

	list := decode[handlers.ProfileListResponse](t, env.do(t, http.MethodGet, "/v1/profiles", nil))
	require.Len(t, list.Profiles, 1)
	assert.False(t, list.Profiles[0].Active)

	w := env.do(t, http.MethodPost, "/v1/profiles/docs/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	info := decode[handlers.ProfileInfo](t, w)
	assert.True(t, info.Active)
	assert.FileExists(t, filepath.Join(env.mirror, mirror.CurrentDir, "hello.txt"))

	w = env.do(t, http.MethodPost, "/v1/profiles/docs/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	status := decode[handlers.StatusResponse](t, env.do(t, http.MethodGet, "/v1/status", nil))
	require.Len(t, status.Profiles, 1)
	assert.Equal(t, "docs", status.Profiles[0].Profile)

	w = env.do(t, http.MethodPost, "/v1/profiles/docs/snapshot", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/v1/profiles/docs/stop", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/v1/profiles/docs/sync", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/v1/profiles/missing/start", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutes_MirrorHistory(t *testing.T) {
	env := newTestEnv(t, "")
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/profiles/docs/start", nil).Code)

	require.NoError(t, os.WriteFile(filepath.Join(env.ground, "hello.txt"), []byte("version two"), 0o644))
	w := env.do(t, http.MethodPost, "/v1/profiles/docs/sync", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	q := url.Values{"mirror": {env.mirror}, "path": {"hello.txt"}}
	w = env.do(t, http.MethodGet, "/v1/mirror/versions?"+q.Encode(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	versions := decode[handlers.VersionsResponse](t, w)
	require.Len(t, versions.Versions, 1)
	assert.Equal(t, ledger.KindOverwrite, versions.Versions[0].Kind)

	dest := filepath.Join(t.TempDir(), "restored.txt")
	w = env.do(t, http.MethodPost, "/v1/mirror/restore", handlers.RestoreRequest{
		Mirror: env.mirror,
		Path:   "hello.txt",
		At:     ledger.FormatTime(versions.Versions[0].Time),
		Dest:   dest,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	w = env.do(t, http.MethodPost, "/v1/mirror/restore", handlers.RestoreRequest{
		Mirror: env.mirror, Path: "hello.txt", Dest: dest,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/profiles/docs/snapshot", nil).Code)

	q = url.Values{"mirror": {env.mirror}}
	snaps := decode[handlers.SnapshotsResponse](t, env.do(t, http.MethodGet, "/v1/mirror/snapshots?"+q.Encode(), nil))
	require.NotEmpty(t, snaps.Snapshots)

	w = env.do(t, http.MethodGet, "/v1/mirror/snapshot?"+q.Encode(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	view := decode[mirror.SnapshotView](t, w)
	entry, ok := view.Tree.Find("hello.txt")
	require.True(t, ok)
	assert.Equal(t, int64(len("version two")), entry.Size)

	zipPath := filepath.Join(t.TempDir(), "export.zip")
	w = env.do(t, http.MethodPost, "/v1/mirror/snapshot/export", handlers.SnapshotExportRequest{
		Mirror: env.mirror,
		Zip:    zipPath,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.FileExists(t, zipPath)

	restoreRoot := t.TempDir()
	w = env.do(t, http.MethodPost, "/v1/mirror/snapshot/restore", handlers.SnapshotRestoreRequest{
		Mirror: env.mirror,
		Dest:   restoreRoot,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data, err = os.ReadFile(filepath.Join(restoreRoot, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "version two", string(data))
}

func TestRoutes_MirrorRequestErrors(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodGet, "/v1/mirror/versions", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	q := url.Values{"mirror": {t.TempDir()}, "path": {"hello.txt"}}
	w = env.do(t, http.MethodGet, "/v1/mirror/versions?"+q.Encode(), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// configured but never synced
	q = url.Values{"mirror": {env.mirror}}
	w = env.do(t, http.MethodGet, "/v1/mirror/snapshots?"+q.Encode(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	q = url.Values{"mirror": {env.mirror}, "at": {"yesterday-ish"}}
	w = env.do(t, http.MethodGet, "/v1/mirror/snapshot?"+q.Encode(), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoutes_EventStream(t *testing.T) {
	env := newTestEnv(t, "")
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events?profile=docs"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	bus := env.mgr.Bus()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)

	bus.Publish(&events.Event{Type: events.TypeApplied, Profile: "other", Path: "skip.txt"})
	bus.Publish(&events.Event{Type: events.TypeApplied, Profile: "docs", Path: "a.txt"})

	var ev events.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, events.TypeApplied, ev.Type)
	assert.Equal(t, "a.txt", ev.Path)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return bus.Subscribers() == 0 }, 5*time.Second, 10*time.Millisecond)
}
