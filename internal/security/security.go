// Package security provides security middleware for the Chainvoice API.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeadersMiddleware adds security headers to all responses
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Prevent MIME type sniffing
		c.Header("X-Content-Type-Options", "nosniff")

		// Prevent clickjacking
		c.Header("X-Frame-Options", "DENY")

		// Referrer policy
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Permissions Policy
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		c.Next()
	}
}

// OriginCheckMiddleware rejects cross-site state-changing requests whose
// Origin (or Referer, when Origin is absent) does not match an allowed host.
//
// Requests with neither header pass: non-browser clients (curl, SDKs) do not
// send them, and this check only defends against browser-originated CSRF.
// The explorer webhook route must NOT sit behind this middleware: its caller
// is an external service authenticated by a shared token, not a browser.
func OriginCheckMiddleware(allowedHosts []string) gin.HandlerFunc {
	hosts := make(map[string]bool, len(allowedHosts))
	for _, h := range allowedHosts {
		hosts[strings.ToLower(h)] = true
	}

	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		source := c.GetHeader("Origin")
		if source == "" {
			source = c.GetHeader("Referer")
		}
		if source == "" {
			c.Next()
			return
		}

		if host := originHost(source); host != "" {
			if hosts[host] || host == strings.ToLower(c.Request.Host) {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "origin_rejected",
			"message": "Cross-origin state-changing requests are not allowed",
		})
	}
}

// originHost extracts the lowercase host[:port] from an Origin or Referer value.
func originHost(value string) string {
	v := strings.TrimPrefix(value, "https://")
	v = strings.TrimPrefix(v, "http://")
	if v == value {
		return "" // Unknown scheme
	}
	if i := strings.IndexByte(v, '/'); i >= 0 {
		v = v[:i]
	}
	return strings.ToLower(v)
}
