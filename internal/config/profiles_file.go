package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/openmined/watchback/internal/snapshot"
	"gopkg.in/yaml.v3"
)

// pathRole is one entry of the "paths" list of the desktop profiles format.
type pathRole struct {
	Path string `yaml:"path"`
	Role string `yaml:"role"`
}

// rawProfile accepts both the desktop format
//
//	{"name": "docs", "paths": [{"path": "~/Docs", "role": "ground"}, ...], "snapshot_interval": 3600}
//
// and the direct form with ground, mirrors and an optional snapshot block.
type rawProfile struct {
	Name             string           `yaml:"name"`
	Ground           string           `yaml:"ground"`
	Mirrors          []string         `yaml:"mirrors"`
	Paths            []pathRole       `yaml:"paths"`
	SnapshotInterval *float64         `yaml:"snapshot_interval"`
	Snapshot         *snapshotSection `yaml:"snapshot"`
}

type snapshotSection struct {
	Mode        string `yaml:"mode"`
	Interval    string `yaml:"interval"`
	MinInterval string `yaml:"min_interval"`
}

type profilesDocument struct {
	Profiles []rawProfile `yaml:"profiles"`
}

// LoadProfiles reads a YAML or JSON profiles file. A missing file yields no profiles.
func LoadProfiles(path string) ([]*Profile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []*Profile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return ParseProfiles(data)
}

func ParseProfiles(data []byte) ([]*Profile, error) {
	var doc profilesDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse profiles: %v", ErrConfigInvalid, err)
	}

	out := make([]*Profile, 0, len(doc.Profiles))
	names := map[string]struct{}{}
	for i := range doc.Profiles {
		p, err := doc.Profiles[i].profile()
		if err != nil {
			return nil, err
		}
		if err := p.Normalize(); err != nil {
			return nil, err
		}
		if _, dup := names[p.Name]; dup {
			return nil, invalid("profile %q defined twice", p.Name)
		}
		names[p.Name] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

func (r *rawProfile) profile() (*Profile, error) {
	p := &Profile{Name: r.Name, Ground: r.Ground, Mirrors: append([]string{}, r.Mirrors...)}

	for _, pr := range r.Paths {
		switch pr.Role {
		case "ground":
			if p.Ground != "" && p.Ground != pr.Path {
				return nil, invalid("profile %q has more than one ground folder", r.Name)
			}
			p.Ground = pr.Path
		case "mirror":
			p.Mirrors = append(p.Mirrors, pr.Path)
		default:
			return nil, invalid("profile %q: unknown role %q for %s", r.Name, pr.Role, pr.Path)
		}
	}

	if r.SnapshotInterval != nil {
		p.Snapshot = snapshot.Policy{
			Mode:     snapshot.ModeInterval,
			Interval: time.Duration(*r.SnapshotInterval * float64(time.Second)),
		}
	}
	if r.Snapshot != nil {
		policy, err := r.Snapshot.policy()
		if err != nil {
			return nil, invalid("profile %q: %v", r.Name, err)
		}
		p.Snapshot = policy
	}
	return p, nil
}

func (s *snapshotSection) policy() (snapshot.Policy, error) {
	policy := snapshot.DefaultPolicy()
	if s.Mode != "" {
		policy.Mode = snapshot.Mode(s.Mode)
	}
	var err error
	if s.Interval != "" {
		if policy.Interval, err = time.ParseDuration(s.Interval); err != nil {
			return policy, fmt.Errorf("snapshot interval: %w", err)
		}
	}
	if s.MinInterval != "" {
		if policy.MinInterval, err = time.ParseDuration(s.MinInterval); err != nil {
			return policy, fmt.Errorf("snapshot min interval: %w", err)
		}
	}
	return policy, nil
}

// FindProfile returns the profile named name.
func FindProfile(profiles []*Profile, name string) (*Profile, error) {
	for _, p := range profiles {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: no profile named %q", ErrConfigInvalid, name)
}
