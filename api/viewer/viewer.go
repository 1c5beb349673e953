// Package viewer serves the browser page that shows a stream: it lists and
// creates links at / and plays one stream at /view/:id.
package viewer

import (
	"embed"
	"net/http"

	"github.com/gin-gonic/gin"
)

//go:embed static/*
var staticFiles embed.FS

var (
	indexPage     = mustRead("static/index.html")
	serviceWorker = mustRead("static/sw.js")
)

func mustRead(name string) []byte {
	data, err := staticFiles.ReadFile(name)
	if err != nil {
		panic(err)
	}
	return data
}

// Page serves the viewer document. The page reads the stream id from its
// own path, so / and /view/:id share it.
func Page(c *gin.Context) {
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexPage)
}

// ServiceWorker serves /sw.js.
func ServiceWorker(c *gin.Context) {
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "text/javascript; charset=utf-8", serviceWorker)
}

// RegisterRoutes registers the viewer routes on a Gin router group.
func RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/", Page)
	rg.GET("/view/:id", Page)
	rg.GET("/sw.js", ServiceWorker)
}
