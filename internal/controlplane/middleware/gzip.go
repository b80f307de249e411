package middleware

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

var (
	// the event stream is a websocket and must not be wrapped
	excludedPaths = []string{
		"/health",
		"/v1/events",
	}
	excludedExtensions = []string{
		".zip", ".gz", ".png", ".jpg", ".jpeg", ".pdf",
	}
)

func Gzip() gin.HandlerFunc {
	return gzip.Gzip(
		gzip.DefaultCompression,
		gzip.WithExcludedPaths(excludedPaths),
		gzip.WithExcludedExtensions(excludedExtensions),
	)
}
