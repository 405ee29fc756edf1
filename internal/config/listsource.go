package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	seaerrors "github.com/seafs/seafs/pkg/errors"
)

// ListSource is a whitelist or blacklist given either inline or as a file with one
// directory per line. Exactly one of Paths and File may be set.
type ListSource struct {
	Paths []string
	File  string

	entries  []string
	skipped  []string
	resolved bool
}

// InlineList builds a ListSource from explicit paths.
func InlineList(paths ...string) ListSource {
	return ListSource{Paths: paths}
}

// FileList builds a ListSource backed by a file.
func FileList(path string) ListSource {
	return ListSource{File: path}
}

// IsZero reports whether no list was configured.
func (l *ListSource) IsZero() bool {
	return len(l.Paths) == 0 && l.File == ""
}

// UnmarshalYAML accepts either a sequence of paths or a single file path.
func (l *ListSource) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var paths []string
	if err := unmarshal(&paths); err == nil {
		*l = ListSource{Paths: paths}
		return nil
	}

	var file string
	if err := unmarshal(&file); err != nil {
		return fmt.Errorf("list must be a sequence of paths or a file path")
	}
	*l = ListSource{File: file}
	return nil
}

// MarshalYAML writes the list back in the form it was given.
func (l ListSource) MarshalYAML() (interface{}, error) {
	if l.File != "" {
		return l.File, nil
	}
	if len(l.Paths) == 0 {
		return nil, nil
	}
	return l.Paths, nil
}

// Resolve normalizes the source into a list of clean absolute paths. Lines of a
// file source that do not name an existing directory are skipped; the file
// must keep at least one.
func (l *ListSource) Resolve(name string) ([]string, error) {
	if l.resolved {
		return l.entries, nil
	}

	switch {
	case l.IsZero():
		l.entries = nil
	case len(l.Paths) > 0 && l.File != "":
		return nil, seaerrors.NewListSourceError(name, "both inline paths and a file were given")
	case l.File != "":
		entries, skipped, err := readListFile(name, l.File)
		l.skipped = skipped
		if err != nil {
			return nil, err
		}
		l.entries = entries
	default:
		entries := make([]string, 0, len(l.Paths))
		for _, p := range l.Paths {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if !filepath.IsAbs(p) {
				return nil, seaerrors.NewListSourceError(name, fmt.Sprintf("%q is not an absolute path", p))
			}
			entries = append(entries, filepath.Clean(p))
		}
		if len(entries) == 0 {
			return nil, seaerrors.NewListSourceError(name, "list contains no paths")
		}
		l.entries = entries
	}

	l.resolved = true
	return l.entries, nil
}

// Entries returns the resolved list. It is empty until Resolve succeeds.
func (l *ListSource) Entries() []string {
	return l.entries
}

// Skipped returns the reasons file lines were dropped by Resolve.
func (l *ListSource) Skipped() []string {
	return l.skipped
}

func readListFile(name, path string) ([]string, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, seaerrors.NewListSourceError(name, "cannot read list file").
			WithPath(path).
			WithCause(err)
	}
	defer f.Close()

	var entries, skipped []string
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		abs, err := filepath.Abs(line)
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("line %d: %v", lineNo, err))
			continue
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			skipped = append(skipped, fmt.Sprintf("line %d: %q is not an existing directory", lineNo, line))
			continue
		}
		entries = append(entries, abs)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, seaerrors.NewListSourceError(name, "cannot read list file").WithPath(path).WithCause(err)
	}
	if len(entries) == 0 {
		return nil, skipped, seaerrors.NewListSourceError(name, "file contains no valid directory entries").
			WithPath(path).
			WithContext("skipped_lines", strconv.Itoa(len(skipped)))
	}
	return entries, skipped, nil
}
