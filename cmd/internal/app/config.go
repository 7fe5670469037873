package app

import (
	"strings"
	"time"

	"parley/cmd/identity"
	"parley/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	LogLevel      string
	LogFormat     string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	Identity identity.Config

	// Development user directory: a YAML file, or "id[:Name],..." inline.
	// Ignored when a database is configured.
	UsersFile string
	DevUsers  string

	MediaDir      string
	MediaMaxBytes int

	// Bearer token for /admin routes. Empty disables them.
	AdminToken string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string
	NodeID        string

	TypingTTL      time.Duration
	PresenceResync time.Duration

	WS realtime.GatewayConfig
}

// LoadConfig loads Config from environment variables with defaults.
// A .env file (PARLEY_ENV_FILE, default ".env") is applied first without
// overriding variables already set.
func LoadConfig() Config {
	_ = LoadDotEnv(EnvString("PARLEY_ENV_FILE", ".env"))

	return Config{
		HTTPAddr:      EnvString("PARLEY_HTTP_ADDR", "0.0.0.0:8080"),
		PublicBaseURL: EnvString("PARLEY_PUBLIC_BASE_URL", ""),
		LogLevel:      EnvString("PARLEY_LOG_LEVEL", "info"),
		LogFormat:     EnvString("PARLEY_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("PARLEY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PARLEY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PARLEY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("PARLEY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("PARLEY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("PARLEY_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("PARLEY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PARLEY_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("PARLEY_DB_SCHEMA", "parley"),

		ReadinessRequireDB: EnvBool("PARLEY_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvCSV("PARLEY_CORS_ALLOWED_ORIGINS", "http://localhost:*,http://127.0.0.1:*"),
		CORSAllowCredentials: EnvBool("PARLEY_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("PARLEY_CORS_MAX_AGE", 600),

		Identity: identity.Config{
			Mode:               EnvString("PARLEY_AUTH_MODE", identity.ModeTrusted),
			Issuer:             EnvString("PARLEY_AUTH_ISSUER", ""),
			ClockSkew:          EnvDuration("PARLEY_AUTH_CLOCK_SKEW", 30*time.Second),
			PasetoPublicKeyHex: EnvString("PARLEY_PASETO_V4_PUBLIC_KEY_HEX", ""),
			PasetoSecretKeyHex: EnvString("PARLEY_PASETO_V4_SECRET_KEY_HEX", ""),
			JWTSecret:          EnvString("PARLEY_JWT_SECRET", ""),
			TrustedHeader:      EnvString("PARLEY_TRUSTED_USER_HEADER", ""),
			TrustedQuery:       EnvString("PARLEY_TRUSTED_USER_QUERY", ""),
		},

		UsersFile: EnvString("PARLEY_USERS_FILE", ""),
		DevUsers:  EnvString("PARLEY_DEV_USERS", ""),

		MediaDir:      EnvString("PARLEY_MEDIA_DIR", "./data/media"),
		MediaMaxBytes: EnvInt("PARLEY_MEDIA_MAX_BYTES", 5<<20),

		AdminToken: EnvString("PARLEY_ADMIN_TOKEN", ""),

		RedisAddr:     EnvString("PARLEY_REDIS_ADDR", ""),
		RedisPassword: EnvString("PARLEY_REDIS_PASSWORD", ""),
		RedisDB:       EnvIntAllowZero("PARLEY_REDIS_DB", 0),
		RedisChannel:  EnvString("PARLEY_REDIS_CHANNEL", ""),
		NodeID:        EnvString("PARLEY_NODE_ID", ""),

		TypingTTL:      EnvDuration("PARLEY_TYPING_TTL", 8*time.Second),
		PresenceResync: EnvDurationAllowZero("PARLEY_PRESENCE_RESYNC", 0),

		WS: loadGatewayConfig(),
	}
}

// loadGatewayConfig reads PARLEY_WS_* over the gateway's secure defaults.
func loadGatewayConfig() realtime.GatewayConfig {
	def := realtime.DefaultGatewayConfig()
	return realtime.GatewayConfig{
		// Dev-only knob: disables the websocket library's own origin check.
		DevInsecure:    EnvBool("PARLEY_WS_DEV_INSECURE", false),
		OriginRequired: EnvBool("PARLEY_WS_ORIGIN_REQUIRED", def.OriginRequired),
		AllowedOrigins: EnvCSV("PARLEY_WS_ALLOWED_ORIGINS", strings.Join(def.AllowedOrigins, ",")),
		RequireAuth:    EnvBool("PARLEY_WS_REQUIRE_AUTH", false),

		WriteTimeout:    EnvDuration("PARLEY_WS_WRITE_TIMEOUT", def.WriteTimeout),
		ReadIdleTimeout: EnvDuration("PARLEY_WS_READ_IDLE_TIMEOUT", def.ReadIdleTimeout),
		SendQueueSize:   EnvInt("PARLEY_WS_SEND_QUEUE", def.SendQueueSize),

		HeartbeatInterval: EnvDuration("PARLEY_WS_HEARTBEAT_INTERVAL", def.HeartbeatInterval),
		HeartbeatTimeout:  EnvDuration("PARLEY_WS_HEARTBEAT_TIMEOUT", def.HeartbeatTimeout),

		RateEvents: EnvInt("PARLEY_WS_RATE_EVENTS", def.RateEvents),
		RateWindow: EnvDuration("PARLEY_WS_RATE_WINDOW", def.RateWindow),
	}
}
