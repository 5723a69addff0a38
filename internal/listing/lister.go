// Package listing enumerates the top-level files of a directory for the /list
// endpoint.
package listing

import (
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/karrick/godirwalk"
)

// FileEntry is a single file in a listing.
type FileEntry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// Lister reads directories with pooled godirwalk scratch buffers, so one
// Lister may be shared by concurrent requests.
type Lister struct {
	scratch sync.Pool
}

// New creates a Lister.
func New() *Lister {
	return &Lister{
		scratch: sync.Pool{
			New: func() interface{} {
				b := make([]byte, 2*os.Getpagesize())
				return &b
			},
		},
	}
}

var defaultLister = New()

// List lists dir using a package-level Lister.
func List(dir, baseURL, sizeBasis string, skip map[string]struct{}) []FileEntry {
	return defaultLister.List(dir, baseURL, sizeBasis, skip)
}

// Skip builds a skip set from names.
func Skip(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

// List returns the regular files directly inside dir, sorted by name. Each
// entry's URL is baseURL followed by the file's path relative to sizeBasis,
// with every segment escaped. Names in skip are left out. A dir that cannot be
// read yields an empty slice.
func (l *Lister) List(dir, baseURL, sizeBasis string, skip map[string]struct{}) []FileEntry {
	files := make([]FileEntry, 0)

	bufp := l.scratch.Get().(*[]byte)
	dirents, err := godirwalk.ReadDirents(dir, *bufp)
	l.scratch.Put(bufp)
	if err != nil {
		return files
	}

	sort.Slice(dirents, func(i, j int) bool {
		return dirents[i].Name() < dirents[j].Name()
	})

	for _, de := range dirents {
		name := de.Name()
		if _, ok := skip[name]; ok {
			continue
		}
		if de.IsDir() {
			continue
		}
		if !de.IsRegular() && !de.IsSymlink() {
			continue
		}

		path := filepath.Join(dir, name)
		// Stat follows symlinks; only links to regular files are listed.
		fi, err := os.Stat(path)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}

		rel, err := filepath.Rel(sizeBasis, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}

		files = append(files, FileEntry{
			Name: name,
			URL:  baseURL + escapePath(filepath.ToSlash(rel)),
			Size: fi.Size(),
		})
	}
	return files
}

// escapePath percent-encodes each segment of a slash-separated path and keeps
// the separators.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
