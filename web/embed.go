// Package web embeds the dashboard (dist/) and serves it.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

const indexFile = "index.html"

// DashboardHandler serves the embedded dashboard. Paths without a matching
// file get index.html so client side views survive a reload.
func DashboardHandler() http.Handler {
	dist, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: dist missing from embedded files: " + err.Error())
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		if name == "" {
			name = indexFile
		}

		info, err := fs.Stat(dist, name)
		if err != nil || info.IsDir() {
			name = indexFile
		}

		if name == indexFile {
			w.Header().Set("Cache-Control", "no-cache")
		} else {
			w.Header().Set("Cache-Control", "public, max-age=3600")
		}
		http.ServeFileFS(w, r, dist, name)
	})
}
