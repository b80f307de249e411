package detector

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/openmined/watchback/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFile holds gitignore rules in the ground root. Without it every
// ground path is backed up.
const IgnoreFile = ".watchbackignore"

// IgnoreList is safe for concurrent use. Load swaps the rule set atomically.
type IgnoreList struct {
	baseDir string
	ignore  atomic.Pointer[gitignore.GitIgnore]
	rules   atomic.Int32
}

func NewIgnoreList(baseDir string) *IgnoreList {
	l := &IgnoreList{baseDir: baseDir}
	l.ignore.Store(gitignore.CompileIgnoreLines())
	return l
}

// Load recompiles the rules of the ignore file. A missing file clears them.
func (l *IgnoreList) Load() {
	var lines []string
	ignorePath := filepath.Join(l.baseDir, IgnoreFile)

	rules := 0
	if utils.FileExists(ignorePath) {
		file, err := os.Open(ignorePath)
		if err != nil {
			slog.Warn("ignore file open", "path", ignorePath, "error", err)
		} else {
			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				lines = append(lines, line)
				rules++
			}
			if err := scanner.Err(); err != nil {
				slog.Warn("ignore file read", "path", ignorePath, "error", err)
			} else {
				slog.Info("ignore file loaded", "path", ignorePath, "rules", rules)
			}
			file.Close()
		}
	}

	l.ignore.Store(gitignore.CompileIgnoreLines(lines...))
	l.rules.Store(int32(rules))
}

// ShouldIgnore matches a relative, slash separated path.
func (l *IgnoreList) ShouldIgnore(rel string) bool {
	if rel == "" {
		return false
	}
	return l.ignore.Load().MatchesPath(rel)
}

// ShouldIgnoreDir also tries the trailing slash form, for directory-only rules.
func (l *IgnoreList) ShouldIgnoreDir(rel string) bool {
	if rel == "" {
		return false
	}
	g := l.ignore.Load()
	return g.MatchesPath(rel) || g.MatchesPath(rel+"/")
}

// Rules is the number of rules in effect.
func (l *IgnoreList) Rules() int {
	return int(l.rules.Load())
}
