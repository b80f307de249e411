package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/watchback/internal/mirror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaemon_SyncsProfilesUntilCanceled(t *testing.T) {
	root := t.TempDir()
	ground := filepath.Join(root, "ground")
	m := filepath.Join(root, "mirror")
	require.NoError(t, os.MkdirAll(ground, 0o755))
	require.NoError(t, os.MkdirAll(m, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ground, "note.txt"), []byte("hello"), 0o644))

	profiles := filepath.Join(root, "profiles.json")
	require.NoError(t, os.WriteFile(profiles, []byte(`{"profiles": [{"name": "notes", "paths": [
		{"path": "`+ground+`", "role": "ground"},
		{"path": "`+m+`", "role": "mirror"}
	]}]}`), 0o644))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"daemon", "notes", "--no-http", "--no-watch",
		"--config", filepath.Join(root, "none.yaml"),
		"--data-dir", filepath.Join(root, "data"),
		"--profiles", profiles,
	})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(m, mirror.CurrentDir, "note.txt"))
		return err == nil
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.Contains(t, out.String(), "notes")
	assert.FileExists(t, filepath.Join(root, "data", "logs", "watchback.log"))
}

func TestDaemon_UnknownProfile(t *testing.T) {
	root := t.TempDir()
	_, err := run(t, "daemon", "ghost", "--no-http",
		"--config", filepath.Join(root, "none.yaml"),
		"--data-dir", filepath.Join(root, "data"),
		"--profiles", filepath.Join(root, "missing.json"),
	)
	assert.Error(t, err)
}
