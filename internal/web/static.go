package web

import (
	"embed"
	"io/fs"
)

//go:embed static/index.html static/style.css
var staticFiles embed.FS

// staticRoot returns the control page assets rooted at static/.
func staticRoot() (fs.FS, error) {
	return fs.Sub(staticFiles, "static")
}
