// Package static serves files below a root directory, matching path
// components case-insensitively.
package static

import (
	"errors"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/karrick/godirwalk"
	"go.uber.org/zap"
)

var errNoMatch = errors.New("no matching entry")

// Handler serves GET requests from root. Directory entry names are cached in
// an LRU keyed by the lower-cased directory path.
type Handler struct {
	root    string
	cache   *lru.Cache
	logger  *zap.Logger
	scratch sync.Pool
}

// New creates a Handler rooted at root. A cacheSize of 0 disables the cache.
func New(root string, cacheSize int, logger *zap.Logger) (*Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		root:   root,
		logger: logger,
		scratch: sync.Pool{
			New: func() interface{} {
				b := make([]byte, 2*os.Getpagesize())
				return &b
			},
		},
	}
	if cacheSize > 0 {
		cache, err := lru.New(cacheSize)
		if err != nil {
			return nil, err
		}
		h.cache = cache
	}
	return h, nil
}

// Invalidate drops dir from the cache. Call it after adding files to dir.
func (h *Handler) Invalidate(dir string) {
	if h.cache != nil {
		h.cache.Remove(strings.ToLower(dir))
	}
}

func (h *Handler) readChildren(dirPath string) ([]string, error) {
	bufp := h.scratch.Get().(*[]byte)
	defer h.scratch.Put(bufp)

	children, err := godirwalk.ReadDirnames(dirPath, *bufp)
	if err != nil {
		return nil, err
	}
	sort.Strings(children)
	if h.cache != nil {
		h.cache.Add(strings.ToLower(dirPath), children)
	}
	return children, nil
}

func (h *Handler) children(dirPath string) (children []string, cached bool, err error) {
	if h.cache != nil {
		if entry, ok := h.cache.Get(strings.ToLower(dirPath)); ok {
			return entry.([]string), true, nil
		}
	}
	children, err = h.readChildren(dirPath)
	return children, false, err
}

func match(dirPath string, children []string, query string, predicate func(os.FileInfo) bool) (string, error) {
	// Exact match wins over case-folded ones.
	candidates := make([]string, 0, 2)
	for _, child := range children {
		if child == query {
			candidates = append([]string{child}, candidates...)
		} else if strings.EqualFold(child, query) {
			candidates = append(candidates, child)
		}
	}
	for _, child := range candidates {
		childPath := filepath.Join(dirPath, child)
		fi, err := os.Stat(childPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", err
		}
		if predicate(fi) {
			return childPath, nil
		}
	}
	return "", errNoMatch
}

// resolveComponent searches dirPath for childQuery, ignoring case, returning
// the first entry that satisfies predicate. A miss against cached names is
// retried once against the directory itself.
func (h *Handler) resolveComponent(dirPath, childQuery string, predicate func(os.FileInfo) bool) (string, error) {
	children, cached, err := h.children(dirPath)
	if err != nil {
		return "", err
	}
	resolved, err := match(dirPath, children, childQuery, predicate)
	if errors.Is(err, errNoMatch) && cached {
		if children, err = h.readChildren(dirPath); err != nil {
			return "", err
		}
		resolved, err = match(dirPath, children, childQuery, predicate)
	}
	return resolved, err
}

func isDir(fi os.FileInfo) bool  { return fi.IsDir() }
func isFile(fi os.FileInfo) bool { return !fi.IsDir() }

// Resolve maps a URL path onto a file below root. An empty final component
// maps to index.html. Misses are reported through NotFound.
func (h *Handler) Resolve(urlPath string) (string, error) {
	p := path.Clean("/" + urlPath)
	allDirs, file := path.Split(p)
	if file == "" {
		file = "index.html"
	}

	resolvedPath := h.root
	for _, dirChild := range strings.Split(strings.Trim(allDirs, "/"), "/") {
		if dirChild == "" {
			continue
		}
		var err error
		resolvedPath, err = h.resolveComponent(resolvedPath, dirChild, isDir)
		if err != nil {
			return "", err
		}
	}
	return h.resolveComponent(resolvedPath, file, isFile)
}

// NotFound reports whether err is a miss rather than a filesystem failure.
func NotFound(err error) bool {
	return errors.Is(err, errNoMatch) || errors.Is(err, os.ErrNotExist)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	resolvedPath, err := h.Resolve(r.URL.Path)
	if err != nil {
		if NotFound(err) {
			h.logger.Debug("static miss", zap.String("path", r.URL.Path), zap.Duration("elapsed", time.Since(start)))
			http.NotFound(w, r)
			return
		}
		h.logger.Error("static lookup failed", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.logger.Debug("static hit", zap.String("file", resolvedPath), zap.Duration("elapsed", time.Since(start)))
	http.ServeFile(w, r, resolvedPath)
}
