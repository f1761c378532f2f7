// Package web serves the chat page and its static assets.
//
// Assets are embedded from static/. When a directory is configured, files
// are served from disk instead so the page can be edited without a rebuild.
package web

import (
	"embed"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
)

//go:embed all:static
var staticFS embed.FS

// Handler serves GET / and GET /static/*.
type Handler struct {
	files fs.FS
}

// NewHandler returns a handler over dir, or over the embedded assets when
// dir is empty.
func NewHandler(dir string) (*Handler, error) {
	if dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			return nil, errors.New("web: static path is not a directory: " + dir)
		}
		return &Handler{files: os.DirFS(dir)}, nil
	}

	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, err
	}
	return &Handler{files: sub}, nil
}

// Index serves index.html, or 404 when it is missing.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.files, "index.html")
	if err != nil {
		slog.Warn("web: index.html not found", "error", err)
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write(data); err != nil {
		slog.Debug("web: failed to write index.html", "error", err)
	}
}

// Asset serves one file under /static/. Directories are not listed.
func (h *Handler) Asset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if name == "" || strings.HasSuffix(name, "/") || !fs.ValidPath(name) {
		http.NotFound(w, r)
		return
	}
	f, err := h.files.Open(name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			slog.Debug("web: failed to close asset", "path", name, "error", closeErr)
		}
	}()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	rs, ok := f.(io.ReadSeeker)
	if !ok {
		http.Error(w, "asset is not seekable", http.StatusInternalServerError)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), rs)
}

// RegisterRoutes registers the page and asset routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Index)
	r.Get("/static/*", h.Asset)
}
