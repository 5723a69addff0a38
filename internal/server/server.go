// Package server routes HTTP requests to the listing, download, upload and
// static file handlers.
package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/tiehuis/sharehttp/internal/config"
	"github.com/tiehuis/sharehttp/internal/listing"
	"github.com/tiehuis/sharehttp/internal/notify"
	"github.com/tiehuis/sharehttp/internal/static"
)

// Server is an http.Handler serving one root directory, its uploads
// directory and an optional extra directory. It keeps no per-request state.
type Server struct {
	dirs   config.Dirs
	skip   map[string]struct{}
	lister *listing.Lister
	static *static.Handler
	hub    *notify.Hub
	logger *zap.Logger
	router chi.Router
}

// New creates a Server for the prepared directories.
func New(cfg *config.Config, dirs config.Dirs, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	files, err := static.New(dirs.Root, cfg.CacheSize, logger.Named("static"))
	if err != nil {
		return nil, err
	}

	skip := listing.Skip(cfg.StaticAssets...)
	if exe, err := os.Executable(); err == nil {
		if name := nameInRoot(dirs.Root, exe); name != "" {
			skip[name] = struct{}{}
		}
	}

	s := &Server{
		dirs:   dirs,
		skip:   skip,
		lister: listing.New(),
		static: files,
		hub:    notify.NewHub(logger.Named("events")),
		logger: logger,
	}
	s.router = s.routes()
	return s, nil
}

// nameInRoot returns the base name of exe when it sits directly in root, so
// the server binary is not offered for download.
func nameInRoot(root, exe string) string {
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	if filepath.Dir(exe) != root {
		return ""
	}
	return filepath.Base(exe)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.GetHead)
	r.Use(s.logRequests)

	r.Get("/list", s.handleList)
	r.Get("/extra/*", s.handleExtra)
	r.Get("/ws/events", s.hub.ServeHTTP)
	r.Post("/upload", s.handleUpload)
	r.Get("/*", s.static.ServeHTTP)

	r.MethodNotAllowed(http.NotFound)
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close disconnects event clients.
func (s *Server) Close() {
	s.hub.Close()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
		}
		switch {
		case status >= 500:
			s.logger.Error("request", fields...)
		case status >= 400:
			s.logger.Warn("request", fields...)
		default:
			s.logger.Info("request", fields...)
		}
	})
}

// extraDir returns the extra directory if one is configured and currently
// exists as a directory.
func (s *Server) extraDir() (string, bool) {
	if s.dirs.Extra == "" {
		return "", false
	}
	fi, err := os.Stat(s.dirs.Extra)
	if err != nil || !fi.IsDir() {
		return "", false
	}
	return s.dirs.Extra, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write(body)
}
