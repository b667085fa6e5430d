package watcher

import (
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

const maxRawDiff = 16 << 10

// matches applies include and exclude patterns to the base name of path.
// With no include patterns every non-excluded file matches.
func (w *Watcher) matches(path string) bool {
	base := filepath.Base(path)
	if w.excludedName(base) {
		return false
	}
	if len(w.opts.Include) == 0 {
		return true
	}
	for _, pat := range w.opts.Include {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) excludedName(base string) bool {
	for _, pat := range w.opts.Exclude {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
	}
	return false
}

// RawDiff renders a unified diff between two versions of a file, truncated
// to a bounded size.
func RawDiff(path string, before, after []byte) string {
	if string(before) == string(after) {
		return ""
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: path,
		ToFile:   path,
		Context:  2,
	})
	if err != nil {
		return ""
	}
	if len(diff) > maxRawDiff {
		diff = diff[:maxRawDiff] + "\n... (truncated)\n"
	}
	return strings.TrimRight(diff, "\n")
}
