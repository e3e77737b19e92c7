// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// chat listener, the admin HTTP surface, persistence, sessions, room
// encryption, rate limiting, logging, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings for the admin API.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-chat-server")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects and parameterizes the persistence backend.
type DBConfig struct {
	Driver string // sqlite|postgres|mysql
	Path   string // SQLite file path
	DSN    string // DSN for postgres/mysql
}

// CryptoConfig controls how room keys are derived and how decryption
// failures surface.
type CryptoConfig struct {
	KeyDerivation     string // sha256|hkdf
	Secret            string // HKDF input keying material
	PlaintextFallback bool   // return undecryptable bodies unchanged
}

// Config holds all configuration values for the application.
type Config struct {
	// Chat listener
	ChatAddr         string        // TCP address for the NDJSON protocol
	ConnIdleTimeout  time.Duration // 0 disables
	ConnWriteTimeout time.Duration
	MaxConns         int   // concurrent connection workers
	MaxFrameBytes    int   // one JSON document
	MaxUploadBytes   int64 // decoded attachment size

	// Admin HTTP
	AdminEnabled bool
	AdminAddr    string
	AdminToken   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	GinMode      string // debug|release|test
	APIBasePath  string

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool

	// Persistence
	DB DBConfig

	// Sessions and chat rules
	SessionTTL        time.Duration
	BcryptCost        int
	HistoryLimit      int
	TypingWindow      time.Duration
	EditRequiresOwner bool

	// Room encryption
	Crypto CryptoConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Login/register attempts per remote IP, separate from RateRPS.
	AuthRateRPS   float64
	AuthRateBurst int

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		ChatAddr:         getenv("CHAT_ADDR", ":5555"),
		ConnIdleTimeout:  getdur("CONN_IDLE_TIMEOUT", 30*time.Minute),
		ConnWriteTimeout: getdur("CONN_WRITE_TIMEOUT", 10*time.Second),
		MaxConns:         getint("MAX_CONNS", 1024),
		MaxFrameBytes:    getint("MAX_FRAME_BYTES", 16<<20),
		MaxUploadBytes:   int64(getint("MAX_UPLOAD_BYTES", 10<<20)),

		AdminEnabled: getbool("ADMIN_ENABLED", true),
		AdminAddr:    getenv("ADMIN_ADDR", ":8080"),
		AdminToken:   getenv("ADMIN_TOKEN", ""),
		ReadTimeout:  getdur("READ_TIMEOUT", 15*time.Second),
		WriteTimeout: getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:  getdur("IDLE_TIMEOUT", 60*time.Second),
		GinMode:      strings.ToLower(getenv("GIN_MODE", "release")),
		APIBasePath:  normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "chat.db"),
			DSN:    getenv("DATABASE_DSN", ""),
		},

		SessionTTL:        getdur("SESSION_TTL", 24*time.Hour),
		BcryptCost:        getint("BCRYPT_COST", 10),
		HistoryLimit:      getint("HISTORY_LIMIT", 50),
		TypingWindow:      getdur("TYPING_WINDOW", 3*time.Second),
		EditRequiresOwner: getbool("EDIT_REQUIRES_OWNER", true),

		Crypto: CryptoConfig{
			KeyDerivation:     strings.ToLower(getenv("KEY_DERIVATION", "sha256")),
			Secret:            getenv("ROOM_KEY_SECRET", ""),
			PlaintextFallback: getbool("CRYPTO_PLAINTEXT_FALLBACK", false),
		},

		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 40),

		AuthRateRPS:   getfloat("AUTH_RATE_RPS", 0.2),
		AuthRateBurst: getint("AUTH_RATE_BURST", 5),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-chat-server"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "postgresql" {
		cfg.DB.Driver = "postgres"
	}

	return cfg, Validate(cfg)
}

// Validate reports the first invalid setting in cfg.
func Validate(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.ChatAddr) == "" {
		return errors.New("CHAT_ADDR must not be empty")
	}
	if cfg.AdminEnabled && strings.TrimSpace(cfg.AdminAddr) == "" {
		return errors.New("ADMIN_ADDR must not be empty when the admin server is enabled")
	}
	if cfg.ConnIdleTimeout < 0 {
		return errors.New("CONN_IDLE_TIMEOUT must be >= 0")
	}
	if cfg.ConnWriteTimeout <= 0 || cfg.ReadTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxConns < 1 {
		return errors.New("MAX_CONNS must be >= 1")
	}
	if cfg.MaxFrameBytes < 1024 {
		return errors.New("MAX_FRAME_BYTES must be >= 1024")
	}
	if cfg.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return errors.New("DB_PATH must not be empty")
		}
	case "postgres", "mysql":
		if strings.TrimSpace(cfg.DB.DSN) == "" {
			return errors.New("DATABASE_DSN is required for DB_DRIVER=" + cfg.DB.Driver)
		}
	default:
		return errors.New("DB_DRIVER must be one of: sqlite, postgres, mysql")
	}
	if cfg.SessionTTL <= 0 {
		return errors.New("SESSION_TTL must be > 0")
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return errors.New("BCRYPT_COST must be between 4 and 31")
	}
	if cfg.HistoryLimit < 1 {
		return errors.New("HISTORY_LIMIT must be >= 1")
	}
	if cfg.TypingWindow <= 0 {
		return errors.New("TYPING_WINDOW must be > 0")
	}
	switch cfg.Crypto.KeyDerivation {
	case "sha256":
	case "hkdf":
		if cfg.Crypto.Secret == "" {
			return errors.New("ROOM_KEY_SECRET is required for KEY_DERIVATION=hkdf")
		}
	default:
		return errors.New("KEY_DERIVATION must be one of: sha256, hkdf")
	}
	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.AuthRateRPS < 0 {
		return errors.New("AUTH_RATE_RPS must be >= 0")
	}
	if cfg.AuthRateBurst < 1 {
		return errors.New("AUTH_RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
