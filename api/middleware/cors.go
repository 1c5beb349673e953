package middleware

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// SameOriginCORS echoes the Origin header only for browsers talking to the
// host they were served from. Requests without an Origin pass untouched;
// foreign origins are rejected with 403.
func SameOriginCORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginWithContextFunc: sameOrigin,
		AllowMethods:               []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:               []string{"Content-Type", "Accept", "Origin"},
		MaxAge:                     12 * time.Hour,
	})
}

func sameOrigin(c *gin.Context, origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, c.Request.Host)
}

// APICORS applies SameOriginCORS to paths under prefix. It is installed on
// the engine rather than a group so preflights reach it without a matching
// route; every OPTIONS request under prefix that cors lets through is
// answered with 204.
func APICORS(prefix string) gin.HandlerFunc {
	handler := SameOriginCORS()
	return func(c *gin.Context) {
		if !strings.HasPrefix(c.Request.URL.Path, prefix) {
			c.Next()
			return
		}
		handler(c)
		if !c.IsAborted() && c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
		}
	}
}
