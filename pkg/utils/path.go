package utils

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// CleanRel normalizes a namespace path to the "/a/b" form used throughout SeaFS.
// Paths that climb above the namespace root are rejected.
func CleanRel(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("path contains NUL byte")
	}
	slashed := filepath.ToSlash(p)
	for _, elem := range strings.Split(slashed, "/") {
		if elem == ".." {
			return "", fmt.Errorf("path contains directory traversal: %s", p)
		}
	}
	return path.Clean("/" + slashed), nil
}

// RelTo returns the namespace path of physical under base, or an error if physical
// is not inside base.
func RelTo(base, physical string) (string, error) {
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(physical))
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside base directory %s", physical, base)
	}
	if rel == "." {
		return "/", nil
	}
	return "/" + filepath.ToSlash(rel), nil
}

// IsWithin reports whether target equals base or lies beneath it.
func IsWithin(base, target string) bool {
	cleanBase := filepath.Clean(base)
	cleanTarget := filepath.Clean(target)
	if cleanBase == cleanTarget {
		return true
	}
	if cleanBase == string(filepath.Separator) {
		return strings.HasPrefix(cleanTarget, cleanBase)
	}
	return strings.HasPrefix(cleanTarget, cleanBase+string(filepath.Separator))
}
