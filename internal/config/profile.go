package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openmined/watchback/internal/snapshot"
	"github.com/openmined/watchback/internal/utils"
)

var ErrConfigInvalid = errors.New("invalid configuration")

// Profile pairs one ground folder with its mirrors.
type Profile struct {
	Name     string          `yaml:"name" json:"name"`
	Ground   string          `yaml:"ground" json:"ground"`
	Mirrors  []string        `yaml:"mirrors" json:"mirrors"`
	Snapshot snapshot.Policy `yaml:"snapshot" json:"snapshot"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfigInvalid, fmt.Sprintf(format, args...))
}

// Normalize resolves every path to a clean absolute form and fills the snapshot default.
func (p *Profile) Normalize() error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Ground != "" {
		g, err := utils.ResolvePath(p.Ground)
		if err != nil {
			return invalid("ground %q: %v", p.Ground, err)
		}
		p.Ground = g
	}
	for i, m := range p.Mirrors {
		resolved, err := utils.ResolvePath(m)
		if err != nil {
			return invalid("mirror %q: %v", m, err)
		}
		p.Mirrors[i] = resolved
	}
	if p.Snapshot.Mode == "" {
		interval := p.Snapshot.Interval
		p.Snapshot = snapshot.DefaultPolicy()
		if interval > 0 {
			p.Snapshot.Interval = interval
		}
	}
	return nil
}

// Validate checks a normalized profile.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return invalid("profile name is empty")
	}
	if p.Ground == "" {
		return invalid("profile %s: no ground folder", p.Name)
	}
	info, err := os.Stat(p.Ground)
	if err != nil {
		return invalid("profile %s: ground %s: %v", p.Name, p.Ground, err)
	}
	if !info.IsDir() {
		return invalid("profile %s: ground %s is not a directory", p.Name, p.Ground)
	}
	if len(p.Mirrors) == 0 {
		return invalid("profile %s: no mirrors", p.Name)
	}

	ground := realPath(p.Ground)
	seen := make(map[string]struct{}, len(p.Mirrors))
	for _, m := range p.Mirrors {
		mirror := realPath(m)
		switch {
		case mirror == ground:
			return invalid("profile %s: mirror %s is the ground folder", p.Name, m)
		case utils.IsSubPath(ground, mirror):
			return invalid("profile %s: mirror %s is inside the ground folder", p.Name, m)
		case utils.IsSubPath(mirror, ground):
			return invalid("profile %s: mirror %s contains the ground folder", p.Name, m)
		}
		if _, dup := seen[mirror]; dup {
			return invalid("profile %s: mirror %s listed twice", p.Name, m)
		}
		seen[mirror] = struct{}{}
	}
	if err := p.Snapshot.Validate(); err != nil {
		return invalid("profile %s: %v", p.Name, err)
	}
	return nil
}

// realPath resolves symlinks when the path exists, so aliases compare equal.
func realPath(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	return filepath.Clean(p)
}
