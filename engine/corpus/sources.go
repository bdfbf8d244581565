package corpus

import (
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/WessleyAI/shopbot/engine/domain"
)

// ListSources returns the chunkable files under dir, sorted. Hidden files
// and directories are ignored.
func ListSources(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if path != dir && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if domain.ContentTypeFor(name) != domain.ContentUnknown {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(out)
	return out, nil
}

// statSources records the modification time of every readable path.
// Paths that cannot be stated are returned separately.
func statSources(paths []string) (map[string]time.Time, []string) {
	current := make(map[string]time.Time, len(paths))
	var missing []string
	for _, p := range paths {
		p = filepath.Clean(p)
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			missing = append(missing, p)
			continue
		}
		current[p] = info.ModTime().UTC()
	}
	return current, missing
}

// isStale reports whether an index recorded in meta no longer reflects the
// current source set.
func isStale(meta *domain.IndexMetadata, current map[string]time.Time) bool {
	if meta == nil || len(meta.Files) != len(current) {
		return true
	}
	for p, mod := range current {
		indexed, ok := meta.Files[p]
		if !ok || mod.After(indexed) {
			return true
		}
	}
	return false
}

func sortedPaths(m map[string]time.Time) []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
