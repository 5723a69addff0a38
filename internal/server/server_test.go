package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiehuis/sharehttp/internal/config"
	"github.com/tiehuis/sharehttp/internal/listing"
	"github.com/tiehuis/sharehttp/internal/notify"
)

type fixture struct {
	srv  *Server
	dirs config.Dirs
}

func newFixture(t *testing.T, extra string) *fixture {
	t.Helper()
	cfg := &config.Config{
		Root:         t.TempDir(),
		UploadDir:    "uploads",
		ExtraDir:     extra,
		CacheSize:    16,
		StaticAssets: []string{"index.html", "style.css"},
	}
	dirs, err := cfg.Prepare()
	require.NoError(t, err)

	srv, err := New(cfg, dirs, nil)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, dirs: dirs}
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) get(t *testing.T, target string) *httptest.ResponseRecorder {
	return f.do(t, httptest.NewRequest(http.MethodGet, target, nil))
}

func uploadRequest(contentType string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	return req
}

const singleFileBody = "--X\r\n" +
	"Content-Disposition: form-data; name=\"files\"; filename=\"a.txt\"\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"hi\r\n" +
	"--X--\r\n"

func decodeUpload(t *testing.T, rec *httptest.ResponseRecorder) UploadResult {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	var res UploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func TestListEmpty(t *testing.T) {
	f := newFixture(t, "")

	rec := f.get(t, "/list")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, strconv.Itoa(rec.Body.Len()), rec.Header().Get("Content-Length"))
	assert.JSONEq(t, `{"root": [], "uploads": [], "extra": [], "extraPath": null}`, rec.Body.String())
}

func TestListFiles(t *testing.T) {
	extra := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(extra, "movie 1.mkv"), []byte("1234567"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(extra, "nested"), 0o755))

	f := newFixture(t, extra)
	require.NoError(t, os.WriteFile(filepath.Join(f.dirs.Root, "index.html"), []byte("<html/>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.dirs.Root, "style.css"), []byte("body{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.dirs.Root, "notes.txt"), []byte("notes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.dirs.Uploads, "up.bin"), []byte("up"), 0o644))

	rec := f.get(t, "/list")
	require.Equal(t, http.StatusOK, rec.Code)

	var got ListingResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []listing.FileEntry{{Name: "notes.txt", URL: "/notes.txt", Size: 5}}, got.Root)
	assert.Equal(t, []listing.FileEntry{{Name: "up.bin", URL: "/uploads/up.bin", Size: 2}}, got.Uploads)
	assert.Equal(t, []listing.FileEntry{{Name: "movie 1.mkv", URL: "/extra/movie%201.mkv", Size: 7}}, got.Extra)
	require.NotNil(t, got.ExtraPath)
	assert.Equal(t, f.dirs.Extra, *got.ExtraPath)
}

func TestListMissingExtra(t *testing.T) {
	f := newFixture(t, filepath.Join(t.TempDir(), "unplugged"))

	rec := f.get(t, "/list")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"root": [], "uploads": [], "extra": [], "extraPath": null}`, rec.Body.String())
}

func TestUpload(t *testing.T) {
	f := newFixture(t, "")

	res := decodeUpload(t, f.do(t, uploadRequest("multipart/form-data; boundary=X", []byte(singleFileBody))))
	assert.Equal(t, []string{"a.txt"}, res.Files)
	assert.Contains(t, res.Message, "1")

	content, err := os.ReadFile(filepath.Join(f.dirs.Uploads, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(content))

	res = decodeUpload(t, f.do(t, uploadRequest("multipart/form-data; boundary=X", []byte(singleFileBody))))
	assert.Equal(t, []string{"a(1).txt"}, res.Files)
	assert.FileExists(t, filepath.Join(f.dirs.Uploads, "a(1).txt"))
}

func TestUploadMultipleFiles(t *testing.T) {
	f := newFixture(t, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range []string{"one.txt", "one.txt", "two.txt"} {
		w, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = w.Write([]byte("data of " + name + "\n"))
		require.NoError(t, err)
	}
	w, err := mw.CreateFormFile("avatar", "ignored.png")
	require.NoError(t, err)
	_, err = w.Write([]byte("png"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("comment", "hello"))
	require.NoError(t, mw.Close())

	res := decodeUpload(t, f.do(t, uploadRequest(mw.FormDataContentType(), buf.Bytes())))
	assert.Equal(t, []string{"one.txt", "one(1).txt", "two.txt"}, res.Files)
	assert.Equal(t, "Uploaded files: 3", res.Message)

	content, err := os.ReadFile(filepath.Join(f.dirs.Uploads, "one(1).txt"))
	require.NoError(t, err)
	assert.Equal(t, "data of one.txt\n", string(content))
	assert.NoFileExists(t, filepath.Join(f.dirs.Uploads, "ignored.png"))
}

func TestUploadTraversalName(t *testing.T) {
	f := newFixture(t, "")

	body := strings.Replace(singleFileBody, `filename="a.txt"`, `filename="../../etc/passwd"`, 1)
	res := decodeUpload(t, f.do(t, uploadRequest("multipart/form-data; boundary=X", []byte(body))))
	assert.Equal(t, []string{"passwd"}, res.Files)
	assert.FileExists(t, filepath.Join(f.dirs.Uploads, "passwd"))
	assert.NoFileExists(t, filepath.Join(f.dirs.Root, "passwd"))

	entries, err := os.ReadDir(f.dirs.Root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "uploads", entries[0].Name())
}

func TestUploadUnusableName(t *testing.T) {
	f := newFixture(t, "")

	body := strings.Replace(singleFileBody, `filename="a.txt"`, `filename=".."`, 1)
	res := decodeUpload(t, f.do(t, uploadRequest("multipart/form-data; boundary=X", []byte(body))))
	assert.Empty(t, res.Files)
	assert.NotNil(t, res.Files)
	assert.Equal(t, "Uploaded files: 0", res.Message)
}

func TestUploadRejected(t *testing.T) {
	f := newFixture(t, "")

	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"not multipart", "application/json", `{"files": []}`},
		{"missing content type", "", singleFileBody},
		{"no boundary", "multipart/form-data", singleFileBody},
		{"unparseable body", "multipart/form-data; boundary=X", "definitely not multipart"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, uploadRequest(tt.contentType, []byte(tt.body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotContains(t, rec.Body.String(), f.dirs.Root)
		})
	}

	entries, err := os.ReadDir(f.dirs.Uploads)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadLooseBoundary(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		boundary    string
	}{
		{"unquoted equals", "multipart/form-data; boundary=----=_Part_0_123", "----=_Part_0_123"},
		{"unquoted colon", "multipart/form-data; boundary=abc:def", "abc:def"},
		{"stray parameter", "multipart/form-data; boundary=abc; charset", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "")
			body := strings.ReplaceAll(singleFileBody, "--X", "--"+tt.boundary)
			res := decodeUpload(t, f.do(t, uploadRequest(tt.contentType, []byte(body))))
			assert.Equal(t, []string{"a.txt"}, res.Files)

			content, err := os.ReadFile(filepath.Join(f.dirs.Uploads, "a.txt"))
			require.NoError(t, err)
			assert.Equal(t, "hi", string(content))
		})
	}
}

func TestUploadWrongPathOrMethod(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, uploadRequest("multipart/form-data; boundary=X", []byte(singleFileBody)))
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/uploads", strings.NewReader(singleFileBody))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=X")
	assert.Equal(t, http.StatusNotFound, f.do(t, req).Code)

	assert.Equal(t, http.StatusNotFound, f.do(t, httptest.NewRequest(http.MethodPost, "/list", nil)).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, httptest.NewRequest(http.MethodDelete, "/uploads/a.txt", nil)).Code)
}

func TestExtra(t *testing.T) {
	parent := t.TempDir()
	extra := filepath.Join(parent, "media")
	require.NoError(t, os.MkdirAll(filepath.Join(extra, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(extra, "song.mp3"), []byte("la la la"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(extra, "sub", "deep.txt"), []byte("deep"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret"), []byte("secret"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(parent, "media2"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "media2", "x"), []byte("x"), 0o644))

	f := newFixture(t, extra)

	t.Run("serves bytes", func(t *testing.T) {
		rec := f.get(t, "/extra/song.mp3")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
		assert.Equal(t, "8", rec.Header().Get("Content-Length"))
		assert.Equal(t, "la la la", rec.Body.String())
	})

	t.Run("nested", func(t *testing.T) {
		rec := f.get(t, "/extra/sub/deep.txt")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "deep", rec.Body.String())
	})

	t.Run("escaped name", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(extra, "a b.txt"), []byte("ab"), 0o644))
		rec := f.get(t, "/extra/a%20b.txt")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ab", rec.Body.String())
	})

	for _, target := range []string{
		"/extra/../secret",
		"/extra/%2e%2e/secret",
		"/extra/sub/../../secret",
		"/extra/../media2/x",
		"/extra/missing.txt",
		"/extra/sub",
		"/extra/",
	} {
		t.Run("404 "+target, func(t *testing.T) {
			rec := f.get(t, target)
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.NotContains(t, rec.Body.String(), parent)
		})
	}
}

func TestExtraNotConfigured(t *testing.T) {
	f := newFixture(t, "")
	assert.Equal(t, http.StatusNotFound, f.get(t, "/extra/anything.txt").Code)
}

func TestStatic(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, os.WriteFile(filepath.Join(f.dirs.Root, "index.html"), []byte("<h1>share</h1>"), 0o644))

	rec := f.get(t, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<h1>share</h1>", rec.Body.String())

	rec = f.do(t, httptest.NewRequest(http.MethodHead, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/nothing-here").Code)
}

func TestUploadedFileIsServed(t *testing.T) {
	f := newFixture(t, "")

	// Caches the empty uploads directory.
	require.Equal(t, http.StatusNotFound, f.get(t, "/uploads/a.txt").Code)

	decodeUpload(t, f.do(t, uploadRequest("multipart/form-data; boundary=X", []byte(singleFileBody))))

	rec := f.get(t, "/uploads/a.txt")
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(body))
}

func TestUploadEvents(t *testing.T) {
	f := newFixture(t, "")
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.srv.hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(ts.URL+"/upload", "multipart/form-data; boundary=X", strings.NewReader(singleFileBody))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev notify.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "upload", ev.Type)
	assert.Equal(t, []string{"a.txt"}, ev.Files)
}

func TestUploadNotDelayedByIdleEventClient(t *testing.T) {
	f := newFixture(t, "")
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	// Connected but never reads.
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.srv.hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	for i := 0; i < 40; i++ {
		rec := f.do(t, uploadRequest("multipart/form-data; boundary=X", []byte(singleFileBody)))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNameInRoot(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	exe := filepath.Join(root, "sharehttp")
	require.NoError(t, os.WriteFile(exe, []byte("bin"), 0o755))

	assert.Equal(t, "sharehttp", nameInRoot(root, exe))
	assert.Equal(t, "", nameInRoot(filepath.Join(root, "uploads"), exe))
	assert.Equal(t, "", nameInRoot(root, filepath.Join(t.TempDir(), "sharehttp")))
}
