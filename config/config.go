package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	WebRTC   WebRTCConfig
	Live     LiveConfig
	Worker   WorkerConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	ShutdownTimeout    int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	LogLevel           string
	Development        bool
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// WebRTCConfig holds the STUN/TURN servers handed to browsers.
type WebRTCConfig struct {
	ICEUrls        []string // comma-separated in env
	TURNUsername   string
	TURNCredential string
}

// LiveConfig tunes the live session engine and its websocket transport.
type LiveConfig struct {
	MaxCommentLength int
	SendBuffer       int
	MaxMessageSize   int64
	PingInterval     time.Duration
	PongWait         time.Duration
	StoreTimeout     time.Duration
	PersistAttempts  int
	PersistBackoff   time.Duration

	// ReconcileInterval is how often ended sessions whose persist failed are
	// checked against the store.
	ReconcileInterval time.Duration
}

// WorkerConfig holds settings for the reconciliation worker.
type WorkerConfig struct {
	PollTimeout time.Duration
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			ShutdownTimeout:    getEnvInt("SHUTDOWN_TIMEOUT_SEC", 10),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
			LogLevel:           getEnv("LOG_LEVEL", "info"),
			Development:        getEnv("APP_ENV", "production") == "development",
		},
		Database: DatabaseConfig{
			URL:      os.Getenv("DATABASE_URL"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "clipcast"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		WebRTC: WebRTCConfig{
			ICEUrls:        splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
			TURNUsername:   getEnv("TURN_USERNAME", ""),
			TURNCredential: getEnv("TURN_CREDENTIAL", ""),
		},
		Live: LiveConfig{
			MaxCommentLength: getEnvInt("LIVE_MAX_COMMENT_LENGTH", 200),
			SendBuffer:       getEnvInt("WS_SEND_BUFFER", 256),
			MaxMessageSize:   int64(getEnvInt("WS_MAX_MESSAGE_BYTES", 64*1024)),
			PingInterval:     seconds("WS_PING_INTERVAL_SEC", 30),
			PongWait:         seconds("WS_PONG_WAIT_SEC", 60),
			StoreTimeout:     seconds("LIVE_STORE_TIMEOUT_SEC", 5),
			PersistAttempts:  getEnvInt("LIVE_PERSIST_ATTEMPTS", 3),
			PersistBackoff:   time.Duration(getEnvInt("LIVE_PERSIST_BACKOFF_MS", 200)) * time.Millisecond,

			ReconcileInterval: seconds("LIVE_RECONCILE_INTERVAL_SEC", 30),
		},
		Worker: WorkerConfig{
			PollTimeout: seconds("WORKER_POLL_TIMEOUT_SEC", 5),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET must not be empty"))
	}
	if c.Live.MaxCommentLength <= 0 {
		errs = append(errs, errors.New("LIVE_MAX_COMMENT_LENGTH must be positive"))
	}
	if c.Live.PongWait <= c.Live.PingInterval {
		errs = append(errs, errors.New("WS_PONG_WAIT_SEC must exceed WS_PING_INTERVAL_SEC"))
	}
	if c.Live.PersistAttempts < 1 {
		errs = append(errs, errors.New("LIVE_PERSIST_ATTEMPTS must be at least 1"))
	}
	return errors.Join(errs...)
}

func seconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
