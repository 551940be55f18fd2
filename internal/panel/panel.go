package panel

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
)

//go:embed web/*
var content embed.FS

// Handler returns an http.Handler for the bench page, mounted at the
// root of whatever prefix the caller strips.
//
// A non-empty dir that exists is served from disk; otherwise the embedded
// copy is used. Unknown paths without a file extension get index.html so
// bookmarks such as /panel/fans still load; unknown assets are a 404.
func Handler(dir string) http.Handler {
	fsys := assets(dir)
	files := http.FileServer(http.FS(fsys))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, must-revalidate")

		name := path.Clean("/" + r.URL.Path)
		if name == "/" {
			files.ServeHTTP(w, r)
			return
		}

		if _, err := fs.Stat(fsys, name[1:]); err != nil {
			if path.Ext(name) != "" {
				http.NotFound(w, r)
				return
			}
			r.URL.Path = "/"
		}
		files.ServeHTTP(w, r)
	})
}

func assets(dir string) fs.FS {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return os.DirFS(dir)
		}
	}
	sub, err := fs.Sub(content, "web")
	if err != nil {
		panic(fmt.Sprintf("panel: embedded assets missing: %v", err))
	}
	return sub
}
