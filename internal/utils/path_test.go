package utils

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
	}{
		{name: "empty path", input: "", wantError: true},
		{name: "relative path", input: "./test", wantError: false},
		{name: "absolute path", input: "/tmp/test", wantError: false},
		{name: "home path", input: "~/watchback", wantError: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ResolvePath(tt.input)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, filepath.IsAbs(result))
		})
	}
}

func TestNormPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a.txt", "a.txt"},
		{"dir/../a.txt", "a.txt"},
		{"./dir//b.txt", "dir/b.txt"},
		{"/abs/c.txt", "abs/c.txt"},
		{"../../escape", "escape"},
		{".", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormPath(tt.in), tt.in)
	}
}

func TestRelPath(t *testing.T) {
	root := t.TempDir()

	rel, err := RelPath(root, filepath.Join(root, "a", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a/b.txt", rel)

	rel, err = RelPath(root, root)
	require.NoError(t, err)
	assert.Equal(t, "", rel)

	_, err = RelPath(root, filepath.Dir(root))
	assert.ErrorIs(t, err, ErrPathEscapes)
}

func TestIsSubPath(t *testing.T) {
	assert.True(t, IsSubPath("/data/ground", "/data/ground"))
	assert.True(t, IsSubPath("/data/ground", "/data/ground/mirror"))
	assert.False(t, IsSubPath("/data/ground", "/data/groundling"))
	assert.False(t, IsSubPath("/data/ground", "/data"))
}

func TestHasPathPrefix(t *testing.T) {
	assert.True(t, HasPathPrefix("docs/a.txt", "docs"))
	assert.True(t, HasPathPrefix("docs", "docs"))
	assert.True(t, HasPathPrefix("anything", ""))
	assert.False(t, HasPathPrefix("docsx/a.txt", "docs"))
}
