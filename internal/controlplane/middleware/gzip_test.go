package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestGzip_SkipsExcludedPaths(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Gzip())
	body := strings.Repeat("x", 2048)
	r.GET("/v1/status", func(c *gin.Context) { c.String(200, body) })
	r.GET("/v1/events", func(c *gin.Context) { c.String(200, body) })

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

	req2 := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	req2.Header.Set("Accept-Encoding", "gzip")
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)
	assert.Empty(t, w2.Header().Get("Content-Encoding"))
	assert.Equal(t, body, w2.Body.String())
}
