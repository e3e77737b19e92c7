// Command chat-server runs the room chat service: the NDJSON protocol on a
// TCP listener and, when enabled, the admin HTTP surface with the
// WebSocket gateway.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-server/internal/config"
	httpapi "github.com/tbourn/go-chat-server/internal/http"
	"github.com/tbourn/go-chat-server/internal/hub"
	"github.com/tbourn/go-chat-server/internal/observability"
	"github.com/tbourn/go-chat-server/internal/ratelimit"
	"github.com/tbourn/go-chat-server/internal/repo"
	"github.com/tbourn/go-chat-server/internal/roomcrypt"
	"github.com/tbourn/go-chat-server/internal/server"
	"github.com/tbourn/go-chat-server/internal/services"
	"github.com/tbourn/go-chat-server/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=…".
var version = "dev"

const shutdownGrace = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not load .env")
	}
	cfg := config.MustLoad()
	sysutil.InitLogger(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("chat server stopped")
	}
	log.Info().Msg("chat server stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	chat := newChatServer(db, cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return chat.ListenAndServe(gctx, cfg.ChatAddr)
	})
	if cfg.AdminEnabled {
		admin := newAdminServer(db, chat, cfg)
		g.Go(func() error {
			log.Info().Str("addr", cfg.AdminAddr).Msg("admin http starting")
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			// WebSocket connections are hijacked; Shutdown does not wait for them.
			chat.CloseAll()
			err := admin.Shutdown(sctx)
			chat.Wait()
			return err
		})
	}
	return g.Wait()
}

func openStore(cfg config.Config) (*gorm.DB, error) {
	db, err := repo.Open(cfg.DB)
	if err != nil {
		return nil, err
	}
	if cfg.OTEL.Enabled {
		if err := repo.EnableTracing(db); err != nil {
			return nil, err
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, err
	}
	log.Info().Str("driver", cfg.DB.Driver).Msg("store ready")
	return db, nil
}

func newChatServer(db *gorm.DB, cfg config.Config) *server.Server {
	var deriver roomcrypt.KeyDeriver = roomcrypt.SHA256Deriver{}
	if cfg.Crypto.KeyDerivation == "hkdf" {
		deriver = roomcrypt.HKDFDeriver{Secret: []byte(cfg.Crypto.Secret)}
	}
	crypto := roomcrypt.New(deriver, roomcrypt.WithPlaintextFallback(cfg.Crypto.PlaintextFallback))
	if cfg.Crypto.PlaintextFallback {
		log.Warn().Msg("plaintext fallback enabled: undecryptable bodies are served raw")
	}

	return server.New(server.Deps{
		Auth: services.NewAuthService(db, cfg.BcryptCost, cfg.SessionTTL),
		Messages: &services.MessageService{
			DB:               db,
			Crypto:           crypto,
			HistoryLimit:     cfg.HistoryLimit,
			TypingWindow:     cfg.TypingWindow,
			EnforceOwnership: cfg.EditRequiresOwner,
		},
		Files: &services.FileService{
			DB:       db,
			Crypto:   crypto,
			MaxBytes: cfg.MaxUploadBytes,
		},
		Hub:         hub.NewRegistry(),
		Limiter:     ratelimit.New(cfg.RateRPS, cfg.RateBurst),
		AuthLimiter: ratelimit.New(cfg.AuthRateRPS, cfg.AuthRateBurst),
	}, server.Options{
		IdleTimeout:    cfg.ConnIdleTimeout,
		WriteTimeout:   cfg.ConnWriteTimeout,
		MaxConns:       cfg.MaxConns,
		MaxFrameBytes:  cfg.MaxFrameBytes,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})
}

func newAdminServer(db *gorm.DB, chat *server.Server, cfg config.Config) *http.Server {
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, chat, cfg)
	return &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}
