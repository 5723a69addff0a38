package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/tiehuis/sharehttp/internal/formdata"
	"github.com/tiehuis/sharehttp/internal/naming"
	"github.com/tiehuis/sharehttp/internal/notify"
)

// UploadField is the form field whose file parts are stored.
const UploadField = "files"

// UploadResult is the body of a successful POST /upload.
type UploadResult struct {
	Message string   `json:"message"`
	Files   []string `json:"files"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	boundary, err := formdata.Boundary(r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The whole body is buffered; net/http stops reading at Content-Length.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad multipart data", http.StatusBadRequest)
		return
	}

	parts, err := formdata.Parse(body, boundary)
	if err != nil {
		http.Error(w, "bad multipart data", http.StatusBadRequest)
		return
	}

	saved := make([]string, 0, len(parts))
	defer func() { s.uploaded(saved) }()

	for _, p := range parts {
		if p.FieldName != UploadField || p.FileName == "" {
			continue
		}
		name, err := s.save(p)
		if errors.Is(err, naming.ErrInvalidName) {
			s.logger.Debug("skipping upload with unusable name", zap.String("filename", p.FileName))
			continue
		}
		if err != nil {
			s.logger.Error("failed to save upload", zap.String("filename", p.FileName), zap.Error(err))
			http.Error(w, "failed to save file", http.StatusInternalServerError)
			return
		}
		saved = append(saved, name)
	}

	writeJSON(w, http.StatusOK, UploadResult{
		Message: fmt.Sprintf("Uploaded files: %d", len(saved)),
		Files:   saved,
	})
}

// save writes one part into the uploads directory under a fresh name.
func (s *Server) save(p formdata.Part) (string, error) {
	f, name, err := naming.Create(s.dirs.Uploads, p.FileName)
	if err != nil {
		return "", err
	}

	_, err = f.Write(p.Content)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(filepath.Join(s.dirs.Uploads, name))
		return "", err
	}

	s.logger.Info("saved upload",
		zap.String("name", name),
		zap.String("size", humanize.Bytes(uint64(len(p.Content)))))
	return name, nil
}

// uploaded makes new files visible to the static handler and tells event
// clients about them.
func (s *Server) uploaded(names []string) {
	if len(names) == 0 {
		return
	}
	s.static.Invalidate(s.dirs.Uploads)
	s.hub.Broadcast(notify.UploadEvent(names))
}
