// Package httpapi wires the admin HTTP surface (Gin) of the chat server:
// health and Prometheus endpoints, read-only room introspection, the
// token-guarded room clearing endpoint, and the WebSocket gateway that
// carries the chat protocol for browser clients.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-server/internal/config"
	"github.com/tbourn/go-chat-server/internal/http/handlers"
	"github.com/tbourn/go-chat-server/internal/http/middleware"
	"github.com/tbourn/go-chat-server/internal/ratelimit"
	"github.com/tbourn/go-chat-server/internal/server"
)

const wsPath = "/ws"

// RegisterRoutes attaches middleware and endpoints to r.
//
// Middleware order:
//  1. OpenTelemetry
//  2. RequestID
//  3. Logger (secrets masked)
//  4. Recovery
//  5. Metrics
//  6. Per-IP rate limiter
//  7. CORS, security headers, gzip (skipped for /ws and /metrics)
func RegisterRoutes(r *gin.Engine, db *gorm.DB, chat *server.Server, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(middleware.LogOptions{MaskQuery: []string{"token", "session"}}))
	r.Use(middleware.Recovery())
	r.Use(middleware.Metrics())
	r.Use(middleware.RateLimit(ratelimit.New(cfg.RateRPS, cfg.RateBurst), middleware.KeyByIP))
	r.Use(cors.New(corsConfig(cfg.CORS.AllowedOrigins)))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
		NoStore:    true,
	}))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{wsPath, "/metrics"})))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": chat.Hub().Len()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET(wsPath, gin.WrapF(chat.ServeWS))

	h := handlers.New(db, chat.Hub(), chat)
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:room/members", h.Members)
		api.GET("/rooms/:room/stats", h.Stats)
		api.DELETE("/rooms/:room/messages", middleware.AdminToken(cfg.AdminToken), h.ClearRoom)
	}
}

// corsConfig allows every origin when none is configured (credentials off),
// otherwise only the listed ones.
func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match"},
		ExposeHeaders: []string{"X-Request-ID", "ETag", "Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return c
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
