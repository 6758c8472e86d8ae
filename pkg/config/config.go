package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Backend   BackendConfig
	Login     LoginConfig
	Sessions  SessionConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CORSOrigins  []string

	// IdempotencyTTL bounds how long a confirm response is replayed.
	IdempotencyTTL time.Duration
}

type AuthConfig struct {
	JWTSecret       string
	SessionTokenTTL time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type NATSConfig struct {
	URL string
}

// BackendConfig describes the third-party reservation site.
type BackendConfig struct {
	BaseURL        string
	Authenticator  string // value of the autenticador query parameter
	RequestTimeout time.Duration
	DiagnosticsDir string
}

type LoginConfig struct {
	IdentityProviderURL string
	PollTimeout         time.Duration
	PollInterval        time.Duration
	ProbePaths          []string
	Headless            bool
	ChromePath          string
	AttemptRetention    time.Duration
}

type SessionConfig struct {
	IdleTTL      time.Duration // 0 disables idle eviction
	ReapInterval time.Duration
}

type RateLimitConfig struct {
	LoginRequests int
	LoginWindow   time.Duration
}

var defaultProbePaths = []string{
	"/sistema.php/entrenamiento/reserva/practica/libre",
	"/sistema.php/entrenamiento/reserva/tiqueteras",
	"/sistema.php",
	"/",
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			ReadTimeout:    getDuration("SERVER_READ_TIMEOUT", 5*time.Second),
			WriteTimeout:   getDuration("SERVER_WRITE_TIMEOUT", 2*time.Minute),
			IdleTimeout:    getDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			CORSOrigins:    getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			IdempotencyTTL: getDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Auth: AuthConfig{
			JWTSecret:       getEnv("JWT_SECRET", "dev-only-secret-change-in-prod"),
			SessionTokenTTL: getDuration("SESSION_TOKEN_TTL", 2*time.Hour),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", ""),
		},
		Backend: BackendConfig{
			BaseURL:        strings.TrimRight(getEnv("BACKEND_BASE_URL", "https://sistemaplanbienestar.deportescompensar.com"), "/"),
			Authenticator:  getEnv("BACKEND_AUTHENTICATOR", "compensar"),
			RequestTimeout: getDuration("BACKEND_REQUEST_TIMEOUT", 5*time.Second),
			DiagnosticsDir: getEnv("DIAGNOSTICS_DIR", "."),
		},
		Login: LoginConfig{
			IdentityProviderURL: getEnv("IDP_LOGIN_URL", "https://seguridad.compensar.com/?serviceProviderName=HER-SP&protocol=SAML"),
			PollTimeout:         getDuration("LOGIN_TIMEOUT", 5*time.Minute),
			PollInterval:        getDuration("LOGIN_POLL_INTERVAL", 2*time.Second),
			ProbePaths:          getList("LOGIN_PROBE_PATHS", defaultProbePaths),
			Headless:            getBool("BROWSER_HEADLESS", false),
			ChromePath:          getEnv("CHROME_PATH", ""),
			AttemptRetention:    getDuration("LOGIN_ATTEMPT_RETENTION", 10*time.Minute),
		},
		Sessions: SessionConfig{
			IdleTTL:      getDuration("SESSION_IDLE_TTL", 2*time.Hour),
			ReapInterval: getDuration("SESSION_REAP_INTERVAL", time.Minute),
		},
		RateLimit: RateLimitConfig{
			LoginRequests: getInt("LOGIN_RATE_LIMIT", 5),
			LoginWindow:   getDuration("LOGIN_RATE_WINDOW", time.Minute),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// getList splits a comma separated variable, dropping blanks.
func getList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
