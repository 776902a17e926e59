package httpapi

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"
)

//go:embed static/*
var tutorUI embed.FS

// newStaticHandler serves the tutor page. The page and its script change
// with the websocket protocol, so browsers must revalidate them.
func newStaticHandler() http.Handler {
	root, err := fs.Sub(tutorUI, "static")
	if err != nil {
		return http.NotFoundHandler()
	}
	files := http.FileServer(http.FS(root))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, ".html") || strings.HasSuffix(r.URL.Path, ".js") {
			w.Header().Set("Cache-Control", "no-cache")
		}
		files.ServeHTTP(w, r)
	})
}
