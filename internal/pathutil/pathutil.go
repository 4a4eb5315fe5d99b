// Package pathutil holds the path rules shared by the download, upload and
// sync stages: forward-slash normalization, selective-file membership and
// the engine-artifact exclusion filter.
package pathutil

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// Normalize converts a path to forward slashes. Backslashes are converted
// regardless of the host OS: selections arrive from clients on any
// platform.
func Normalize(p string) string {
	return strings.ReplaceAll(filepath.ToSlash(p), `\`, "/")
}

// Selected reports whether a torrent file path is selected. A path p is
// selected iff some entry s satisfies p == s or p starts with s + "/",
// case-insensitively. An empty selection selects all files.
func Selected(path string, selection []string) bool {
	if len(selection) == 0 {
		return true
	}
	p := strings.ToLower(Normalize(path))
	for _, s := range selection {
		s = strings.ToLower(strings.TrimSuffix(Normalize(s), "/"))
		if s == "" {
			continue
		}
		if p == s || strings.HasPrefix(p, s+"/") {
			return true
		}
	}
	return false
}

// ValidateRelPath rejects a user-supplied relative path that could escape
// the directory it is later joined to: empty, absolute, containing null
// bytes, or with ".." components.
func ValidateRelPath(p string) error {
	if p == "" {
		return errors.New("path is empty")
	}
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("path %q contains a null byte", p)
	}
	n := Normalize(p)
	if strings.HasPrefix(n, "/") || filepath.IsAbs(p) {
		return fmt.Errorf("path %q is absolute", p)
	}
	for _, seg := range strings.Split(n, "/") {
		if seg == ".." {
			return fmt.Errorf("path %q escapes its root", p)
		}
	}
	return nil
}

// IsEngineArtifact reports whether a file name belongs to the torrent
// engine's local state rather than the downloaded content. These files are
// never uploaded.
func IsEngineArtifact(name string) bool {
	if strings.HasSuffix(name, ".fresume") || strings.HasSuffix(name, ".dht") {
		return true
	}
	if strings.HasSuffix(name, ".torrent.db") || strings.HasSuffix(name, ".torrent.bolt.db") {
		return true
	}
	switch name {
	case "dht_nodes.cache", "fastresume":
		return true
	}
	return false
}

// Entry is one enumerated content file.
type Entry struct {
	// RelPath is forward-slash relative to the enumeration root.
	RelPath string
	AbsPath string
	Size    int64
}

// WalkContent enumerates content files under root, excluding engine
// artifacts, in deterministic (sorted) order.
func WalkContent(root string) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsEngineArtifact(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			RelPath: Normalize(rel),
			AbsPath: path,
			Size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RelPath < entries[j].RelPath
	})
	return entries, nil
}

// TotalSize sums the sizes of entries.
func TotalSize(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total
}
