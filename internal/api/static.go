package api

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// staticHandler serves the browser client from a single directory. Paths
// are cleaned so nothing outside the directory is reachable.
type staticHandler struct {
	dir string
}

func newStaticHandler(dir string) *staticHandler {
	return &staticHandler{dir: dir}
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name == "" {
		name = "index.html"
	}

	full := filepath.Join(h.dir, filepath.FromSlash(name))
	if !fileExists(full) {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, full)
}

func fileExists(name string) bool {
	info, err := os.Stat(name)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
