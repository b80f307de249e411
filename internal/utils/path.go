package utils

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrEmptyPath   = errors.New("path cannot be empty")
	ErrPathEscapes = errors.New("path escapes root")
)

func ResolvePath(p string) (string, error) {
	if p == "" {
		return "", ErrEmptyPath
	}

	// Expand `~` to the user's home directory
	if p == "~" || strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", errors.New("failed to retrieve home directory")
		}
		p = filepath.Join(homeDir, p[1:])
	}

	absPath, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	return filepath.Clean(absPath), nil
}

// NormPath converts an OS relative path into the slash separated form used as
// the key for a file everywhere in a mirror.
func NormPath(rel string) string {
	rel = filepath.ToSlash(rel)
	rel = path.Clean("/" + rel)
	return strings.TrimPrefix(rel, "/")
}

// RelPath returns the normalized path of target relative to root.
func RelPath(root, target string) (string, error) {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathEscapes
	}
	if rel == "." {
		return "", nil
	}
	return NormPath(rel), nil
}

// JoinRel joins a normalized relative path onto an OS root.
func JoinRel(root, rel string) string {
	if rel == "" {
		return root
	}
	return filepath.Join(root, filepath.FromSlash(rel))
}

// IsSubPath reports whether child is parent or lives below it. Both must be absolute.
func IsSubPath(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// HasPathPrefix reports whether the normalized path p equals prefix or lives under it.
func HasPathPrefix(p, prefix string) bool {
	if prefix == "" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func EnsureParent(p string) error {
	return EnsureDir(filepath.Dir(p))
}

func EnsureDir(p string) error {
	if _, err := os.Stat(p); err == nil {
		return nil
	}

	return os.MkdirAll(p, 0o755)
}

func DirExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func FileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
