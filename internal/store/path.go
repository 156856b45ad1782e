package store

import "strings"

// Join builds a path from segments, skipping empty ones.
func Join(segs ...string) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		s = strings.Trim(s, "/")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}

func Split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func Parent(path string) string {
	segs := Split(path)
	if len(segs) <= 1 {
		return ""
	}
	return strings.Join(segs[:len(segs)-1], "/")
}

func Key(path string) string {
	segs := Split(path)
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// Clean normalizes path and rejects empty or reserved segments.
// The root is the empty string.
func Clean(path string) (string, error) {
	segs := Split(path)
	for _, s := range segs {
		if s == "" || strings.ContainsAny(s, ".#$[]") {
			return "", ErrInvalidPath
		}
	}
	return strings.Join(segs, "/"), nil
}

// Related reports whether a change at one path can affect a watcher of the
// other, that is when either is an ancestor of (or equal to) the other.
func Related(a, b string) bool {
	return IsAncestor(a, b) || IsAncestor(b, a)
}

// IsAncestor reports whether anc is path or one of its ancestors.
func IsAncestor(anc, path string) bool {
	if anc == "" {
		return true
	}
	if anc == path {
		return true
	}
	return strings.HasPrefix(path, anc+"/")
}
