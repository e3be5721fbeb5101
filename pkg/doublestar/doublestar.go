// Package doublestar matches slash-separated paths against glob patterns in which ** spans
// any number of path segments.
package doublestar

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"
)

// IgnoreFunc checks if a path ought to be ignored
type IgnoreFunc func(path string) bool

// IgnoreNone ignores nothing
var IgnoreNone IgnoreFunc = func(path string) bool { return false }

// IgnoreHidden ignores every path whose base name starts with a dot, e.g. temporary plan directories
var IgnoreHidden IgnoreFunc = func(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

// Glob walks base and returns the sorted paths of all entries matching pattern relative to base.
// Symbolic links are not followed, so a glob never leaves base.
func Glob(base, pattern string, ignore IgnoreFunc) ([]string, error) {
	base = filepath.Clean(base)

	var res []string
	err := godirwalk.Walk(base, &godirwalk.Options{
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if osPathname == base {
				return nil
			}
			if ignore != nil && ignore(osPathname) {
				if de.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			rel := strings.TrimPrefix(osPathname, base+string(filepath.Separator))
			m, prune, err := Match(pattern, rel)
			if err != nil {
				return err
			}
			if m {
				res = append(res, osPathname)
			}
			if prune && de.IsDir() {
				return filepath.SkipDir
			}
			return nil
		},
		FollowSymbolicLinks: false,
		Unsorted:            true,
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(res)
	return res, nil
}

// Match reports whether path matches pattern. Patterns follow filepath.Match except that a
// ** segment matches zero or more path segments. prune is true if no path below path can match.
func Match(pattern, path string) (matches bool, prune bool, err error) {
	if path == pattern {
		return true, false, nil
	}
	return matchSegments(
		strings.Split(filepath.ToSlash(pattern), "/"),
		strings.Split(filepath.ToSlash(path), "/"),
	)
}

func matchSegments(patterns, paths []string) (matches bool, prune bool, err error) {
	for len(patterns) > 0 {
		seg := patterns[0]
		if seg == "**" {
			rest := patterns[1:]
			for len(rest) > 0 && rest[0] == "**" {
				rest = rest[1:]
			}
			if len(rest) == 0 {
				return len(paths) > 0, false, nil
			}
			for i := range paths {
				m, _, err := matchSegments(rest, paths[i:])
				if err != nil || m {
					return m, false, err
				}
			}
			return false, false, nil
		}

		if len(paths) == 0 {
			// the path is a prefix of the pattern: entries below it might still match
			return false, false, nil
		}
		ok, err := filepath.Match(seg, paths[0])
		if err != nil {
			return false, false, err
		}
		if !ok {
			return false, true, nil
		}
		patterns, paths = patterns[1:], paths[1:]
	}
	return len(paths) == 0, len(paths) > 0, nil
}
