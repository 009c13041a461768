package middleware

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quillgraph/quillgraph-backend/internal/observability"
)

// LocalOnly restricts a route to loopback peers. The browser extension
// posts captures through a local relay, never across the network; the
// check uses the socket peer address, not forwarded headers.
func LocalOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := net.ParseIP(c.RemoteIP())
		if ip == nil || !ip.IsLoopback() {
			if m := observability.Current(); m != nil {
				m.IncSecurityEvent("web_ingest_remote_blocked")
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": gin.H{"message": "local captures only", "code": "forbidden"},
			})
			return
		}
		c.Next()
	}
}
