package broker

import "strings"

// isPrefix reports whether a is a path-component prefix of b (e.g.
// "/a" is a prefix of "/a/b" but not of "/ab"). Used by Rename to
// reject renaming a directory into one of its own descendants.
func isPrefix(a, b string) bool {
	if a == b {
		return false
	}
	if a == "/" {
		return strings.HasPrefix(b, "/") && b != "/"
	}
	return strings.HasPrefix(b, a+"/")
}

// splitDir splits path into its parent directory and final component,
// both still absolute-style (the parent never loses its leading "/").
func splitDir(path string) (dir, name string) {
	path = strings.TrimSuffix(path, "/")
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/", path[idx+1:]
	}
	return path[:idx], path[idx+1:]
}

// splitComponents breaks path into the components the resolver walks
// one hop at a time, dropping "." and empty segments (repeated or
// trailing slashes) since they never need a backend round trip. ".."
// segments are kept: only the backend that owns the current directory
// knows whether ".." stays inside its own tree or climbs out past a
// mounted root.
func splitComponents(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	raw := strings.Split(path, "/")
	comps := make([]string, 0, len(raw))
	for _, c := range raw {
		if c == "" || c == "." {
			continue
		}
		comps = append(comps, c)
	}
	return comps
}
