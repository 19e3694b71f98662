package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64

	// DataDir holds the room partitions. Empty selects the in-memory room log.
	DataDir string

	// DatabaseURL points at the rooms and memberships tables. Empty selects the
	// in-memory directory.
	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// RedisAddr enables the cross-node relay.
	RedisAddr          string
	RedisChannelPrefix string
	NodeID             string

	PasetoPublicKeyHex string
	AuthIssuer         string

	StreamHeartbeat     time.Duration
	StreamMaxLifetime   time.Duration
	StreamReconnect     time.Duration
	StreamBuffer        int
	StreamWriteTimeout  time.Duration
	PresenceAwayAfter   time.Duration
	MaxMessageChars     int
	SendRateEvents      int
	SendRateWindow      time.Duration
	WSAllowedOrigins    []string
	WSOriginRequired    bool
	WSDevInsecureOrigin bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Without a database, DevRooms are created in memory and every DevMembers
	// user may read and send in each of them.
	DevRooms   []string
	DevMembers []string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("CHAT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("CHAT_LOG_LEVEL", "info"),
		LogFormat: EnvString("CHAT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("CHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CHAT_HTTP_READ_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    int(EnvBytes("CHAT_HTTP_MAX_HEADER_BYTES", 1<<20)),
		MaxBodyBytes:      EnvBytes("CHAT_HTTP_MAX_BODY_BYTES", 64<<10),

		DataDir: EnvString("CHAT_DATA_DIR", ""),

		DatabaseURL: EnvString("CHAT_DATABASE_URL", ""),
		DBSchema:    EnvString("CHAT_DB_SCHEMA", "chat"),
		DBMaxConns:  EnvInt32("CHAT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("CHAT_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("CHAT_READINESS_REQUIRE_DB", false),

		RedisAddr:          EnvString("CHAT_REDIS_ADDR", ""),
		RedisChannelPrefix: EnvString("CHAT_REDIS_CHANNEL_PREFIX", "chat:room:"),
		NodeID:             EnvString("CHAT_NODE_ID", ""),

		PasetoPublicKeyHex: EnvString("CHAT_PASETO_PUBLIC_KEY_HEX", ""),
		AuthIssuer:         EnvString("CHAT_AUTH_ISSUER", "chat"),

		StreamHeartbeat:     EnvDuration("CHAT_STREAM_HEARTBEAT", 30*time.Second),
		StreamMaxLifetime:   EnvDuration("CHAT_STREAM_MAX_LIFETIME", 30*time.Minute),
		StreamReconnect:     EnvDuration("CHAT_STREAM_RECONNECT", 5*time.Second),
		StreamBuffer:        EnvInt("CHAT_STREAM_BUFFER", 64),
		StreamWriteTimeout:  EnvDuration("CHAT_STREAM_WRITE_TIMEOUT", 5*time.Second),
		PresenceAwayAfter:   EnvDuration("CHAT_PRESENCE_AWAY_AFTER", 5*time.Minute),
		MaxMessageChars:     EnvInt("CHAT_MAX_MESSAGE_CHARS", 4000),
		SendRateEvents:      EnvInt("CHAT_SEND_RATE_EVENTS", 20),
		SendRateWindow:      EnvDuration("CHAT_SEND_RATE_WINDOW", 10*time.Second),
		WSAllowedOrigins:    EnvCSV("CHAT_WS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1"),
		WSOriginRequired:    EnvBool("CHAT_WS_ORIGIN_REQUIRED", true),
		WSDevInsecureOrigin: EnvBool("CHAT_WS_DEV_INSECURE_ORIGIN", false),

		CORSAllowedOrigins:   EnvCSV("CHAT_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("CHAT_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("CHAT_CORS_MAX_AGE_SECONDS", 600),

		DevRooms:   EnvCSV("CHAT_DEV_ROOMS", ""),
		DevMembers: EnvCSV("CHAT_DEV_MEMBERS", ""),
	}
}
