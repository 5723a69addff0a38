package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/tiehuis/sharehttp/internal/listing"
	"github.com/tiehuis/sharehttp/internal/pathsafe"
)

// ListingResult is the body of GET /list.
type ListingResult struct {
	Root      []listing.FileEntry `json:"root"`
	Uploads   []listing.FileEntry `json:"uploads"`
	Extra     []listing.FileEntry `json:"extra"`
	ExtraPath *string             `json:"extraPath"`
}

// List builds the listing for the three directories. Uploads are reported
// relative to root, so their URLs start with the uploads directory name.
func (s *Server) List() ListingResult {
	result := ListingResult{
		Root:    s.lister.List(s.dirs.Root, "/", s.dirs.Root, s.skip),
		Uploads: s.lister.List(s.dirs.Uploads, "/", s.dirs.Root, nil),
		Extra:   []listing.FileEntry{},
	}
	if extra, ok := s.extraDir(); ok {
		result.Extra = s.lister.List(extra, "/extra/", extra, nil)
		result.ExtraPath = &extra
	}
	return result
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.List())
}

func (s *Server) handleExtra(w http.ResponseWriter, r *http.Request) {
	if s.dirs.Extra == "" {
		s.static.ServeHTTP(w, r)
		return
	}

	rel := strings.TrimPrefix(r.URL.Path, "/extra/")
	target, err := pathsafe.Resolve(s.dirs.Extra, rel)
	if err != nil {
		if errors.Is(err, pathsafe.ErrTraversal) {
			s.logger.Warn("rejected extra path", zap.String("path", r.URL.Path))
		}
		http.NotFound(w, r)
		return
	}

	f, err := os.Open(target)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil || !fi.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Debug("extra download interrupted", zap.String("path", r.URL.Path), zap.Error(err))
	}
}
