// Package middleware contains the Gin middleware of the admin HTTP surface.
//
// This file provides request correlation, structured access logging and
// panic recovery:
//
//   - RequestID() reuses or generates an X-Request-ID and stores it in the
//     Gin context.
//   - Logger() emits one structured access log line per request with
//     sensitive headers masked and attaches a request-scoped zerolog.Logger.
//   - Recovery() turns panics into a JSON 500 carrying the request id.
//
// Install them in that order so every log line and error carries the id.
package middleware

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey      = "requestID"
	requestIDHeader   = "X-Request-ID"
	loggerKey         = "logger"
	maxQueryLogLength = 2048
	redacted          = "[REDACTED]"
)

// LogOptions configures Logger.
//
// MaskHeaders lists extra header names whose values are replaced with
// "[REDACTED]". Authorization, Cookie and Set-Cookie are always masked.
// MaskQuery lists query parameters masked the same way.
type LogOptions struct {
	MaskHeaders []string
	MaskQuery   []string
}

// RequestID attaches (or propagates) a correlation identifier per request.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// Logger writes a structured access log for each request.
//
// The level follows the outcome: error for 5xx or when handlers recorded
// gin errors, warn for 4xx, info otherwise. Request bodies are never logged.
func Logger(opts LogOptions) gin.HandlerFunc {
	maskHeaders := lowerSet([]string{"authorization", "cookie", "set-cookie"}, opts.MaskHeaders)
	maskQuery := lowerSet(nil, opts.MaskQuery)

	return func(c *gin.Context) {
		start := time.Now()

		rid, _ := c.Get(requestIDKey)
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		l := log.With().
			Str("request_id", asString(rid)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Str("query", truncate(scrubQuery(c.Request, maskQuery), maxQueryLogLength)).
			Logger()
		c.Set(loggerKey, &l)

		headers := zerolog.Dict()
		for k, vv := range c.Request.Header {
			if _, ok := maskHeaders[strings.ToLower(k)]; ok {
				headers.Str(k, redacted)
				continue
			}
			headers.Str(k, strings.Join(vv, ", "))
		}

		c.Next()

		status := c.Writer.Status()
		ev := l.Info()
		switch {
		case len(c.Errors) > 0:
			ev = l.Error().Str("errors", c.Errors.String())
		case status >= 500:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		}
		ev.Int("status", status).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Dict("headers", headers).
			Msg("request")
	}
}

// Recovery intercepts panics, logs the stack, and returns a JSON 500 error
// unless a response was already started.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid, _ := c.Get(requestIDKey)
			log.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("request_id", asString(rid)).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(requestIDHeader, asString(rid))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": asString(rid),
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global logger when
// Logger() is not installed.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

func scrubQuery(r *http.Request, mask map[string]struct{}) string {
	if len(mask) == 0 || r.URL.RawQuery == "" {
		return r.URL.RawQuery
	}
	q := r.URL.Query()
	for k := range q {
		if _, ok := mask[strings.ToLower(k)]; ok {
			q.Set(k, redacted)
		}
	}
	return q.Encode()
}

func lowerSet(base, extra []string) map[string]struct{} {
	out := make(map[string]struct{}, len(base)+len(extra))
	for _, s := range append(base, extra...) {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// truncate caps s at max bytes; max <= 0 disables truncation.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
