package detector

import (
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/watchback/internal/utils"
)

// Diff returns one synthetic event per path where ground and known disagree,
// sorted by path. Unreadable ground entries produce no event. When prefix is
// set only known paths under it are compared, matching a ScanPrefix result.
// Known paths matching skip are left alone.
func Diff(ground GroundState, known KnownState, prefix string, skip func(string) bool) []ChangeEvent {
	groundPaths := mapset.NewThreadUnsafeSetWithSize[string](len(ground))
	for p := range ground {
		groundPaths.Add(p)
	}

	knownPaths := mapset.NewThreadUnsafeSetWithSize[string](len(known.Files) + len(known.Dirs))
	for p := range known.Files {
		if utils.HasPathPrefix(p, prefix) {
			knownPaths.Add(p)
		}
	}
	for p := range known.Dirs {
		if utils.HasPathPrefix(p, prefix) {
			knownPaths.Add(p)
		}
	}

	var events []ChangeEvent
	for p := range groundPaths.Iter() {
		g := ground[p]
		if g.Unreadable {
			continue
		}
		switch g.Kind {
		case EntryFile:
			h, isFile := known.Files[p]
			switch {
			case !isFile:
				events = append(events, ChangeEvent{Path: p, Kind: Created})
			case h != g.Hash:
				events = append(events, ChangeEvent{Path: p, Kind: Modified})
			}
		case EntryDir:
			if _, isDir := known.Dirs[p]; !isDir {
				events = append(events, ChangeEvent{Path: p, Kind: Created})
			}
		}
	}

	for p := range knownPaths.Difference(groundPaths).Iter() {
		if skip != nil && skip(p) {
			continue
		}
		events = append(events, ChangeEvent{Path: p, Kind: Deleted})
	}

	slices.SortFunc(events, func(a, b ChangeEvent) int {
		return strings.Compare(a.Path, b.Path)
	})
	return events
}
