package web

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newRouter(t *testing.T, dir string) http.Handler {
	t.Helper()
	h, err := NewHandler(dir)
	if err != nil {
		t.Fatalf("NewHandler(%q) failed: %v", dir, err)
	}
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestEmbeddedIndexAndAssets(t *testing.T) {
	r := newRouter(t, "")

	w := get(r, "/")
	if w.Code != http.StatusOK {
		t.Fatalf("GET / status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "/static/app.js") {
		t.Fatal("index.html does not reference app.js")
	}

	w = get(r, "/static/app.js")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /static/app.js status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "/api/ask") {
		t.Fatal("app.js does not call /api/ask")
	}
}

func TestMissingAssetIs404(t *testing.T) {
	r := newRouter(t, "")
	for _, path := range []string{"/static/nope.js", "/static/", "/static/../embed.go"} {
		if w := get(r, path); w.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, w.Code)
		}
	}
}

func TestDirectoryOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>custom</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := newRouter(t, dir)

	w := get(r, "/")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "custom") {
		t.Fatalf("GET / = %d %q", w.Code, w.Body.String())
	}
	if w := get(r, "/static/style.css"); w.Code != http.StatusNotFound {
		t.Fatalf("embedded asset leaked through override, status = %d", w.Code)
	}
}

func TestMissingIndexIs404(t *testing.T) {
	r := newRouter(t, t.TempDir())
	if w := get(r, "/"); w.Code != http.StatusNotFound {
		t.Fatalf("GET / status = %d, want 404", w.Code)
	}
}

func TestNewHandlerRejectsMissingDir(t *testing.T) {
	if _, err := NewHandler(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
