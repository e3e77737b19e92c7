package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-server/internal/ratelimit"
)

// KeyFunc selects the bucket a request is charged to.
type KeyFunc func(*gin.Context) string

// KeyByIP charges requests to the client address.
func KeyByIP(c *gin.Context) string { return "ip:" + c.ClientIP() }

// RateLimit rejects requests whose bucket in lim is empty with a 429 and a
// compact JSON body.
func RateLimit(lim *ratelimit.Keyed, key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = KeyByIP
	}
	return func(c *gin.Context) {
		if lim.Allow(key(c)) {
			c.Next()
			return
		}
		c.Header("Retry-After", "1")
		abort(c, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
	}
}
