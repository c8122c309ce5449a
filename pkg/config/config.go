package config

import (
	"fmt"
	"time"

	"pickcreator-backend/pkg/constants"
	"pickcreator-backend/pkg/env"
)

// DefaultICEServers are public STUN endpoints; several are listed so a
// blocked or unreachable server does not stop candidate gathering.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
	"stun:global.stun.twilio.com:3478",
}

// DefaultAllowedOrigins are the local development frontends
var DefaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
}

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Log       LogConfig
	Call      CallConfig
	Signaling SignalingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string

	// AllowedOrigins lists browser origins accepted for CORS and websocket upgrades
	AllowedOrigins []string
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	Audience          string
	AccessTokenExpiry time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// CallConfig holds call session timing and media settings
type CallConfig struct {
	ICEServers        []string
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
	ICEWarmup         time.Duration
	EndedGrace        time.Duration
	// CaptureFile is an Ogg/Opus file used as the local microphone; empty sends silence.
	CaptureFile string
	// OutputFile receives the remote party's audio as Ogg/Opus.
	OutputFile string
}

// SignalingConfig holds relay settings for both the service and the client
type SignalingConfig struct {
	URL               string
	Token             string
	UserID            string
	ConversationID    string
	MaxConnections    int
	ReconnectAttempts int
	ReconnectMaxDelay time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8083),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "signaling-service"),
			AllowedOrigins: env.GetStringSlice("CORS_ALLOWED_ORIGINS", DefaultAllowedOrigins),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "pickcreator"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		JWT: JWTConfig{
			Secret:            env.GetStringFromFile("JWT_SECRET", ""),
			Audience:          env.GetString("JWT_AUDIENCE", "pickcreator-api"),
			AccessTokenExpiry: env.GetDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
		Call: CallConfig{
			ICEServers:        env.GetStringSlice("CALL_ICE_SERVERS", DefaultICEServers),
			HeartbeatInterval: env.GetDuration("CALL_HEARTBEAT_INTERVAL", constants.HeartbeatInterval),
			LivenessTimeout:   env.GetDuration("CALL_LIVENESS_TIMEOUT", constants.LivenessTimeout),
			ICEWarmup:         env.GetDuration("CALL_ICE_WARMUP", constants.ICEWarmup),
			EndedGrace:        env.GetDuration("CALL_ENDED_GRACE", constants.EndedGrace),
			CaptureFile:       env.GetString("CALL_CAPTURE_FILE", ""),
			OutputFile:        env.GetString("CALL_OUTPUT_FILE", "remote-audio.ogg"),
		},
		Signaling: SignalingConfig{
			URL:               env.GetString("SIGNALING_URL", "ws://localhost:8083/v1/calls/ws/signaling"),
			Token:             env.GetStringFromFile("SIGNALING_TOKEN", ""),
			UserID:            env.GetString("SIGNALING_USER_ID", ""),
			ConversationID:    env.GetString("SIGNALING_CONVERSATION_ID", ""),
			MaxConnections:    env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", 1000),
			ReconnectAttempts: env.GetInt("SIGNALING_RECONNECT_ATTEMPTS", 10),
			ReconnectMaxDelay: env.GetDuration("SIGNALING_RECONNECT_MAX_DELAY", 10*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	if c.Call.HeartbeatInterval <= 0 {
		return fmt.Errorf("CALL_HEARTBEAT_INTERVAL must be positive")
	}
	if c.Call.LivenessTimeout <= c.Call.HeartbeatInterval {
		return fmt.Errorf("CALL_LIVENESS_TIMEOUT (%s) must exceed CALL_HEARTBEAT_INTERVAL (%s)",
			c.Call.LivenessTimeout, c.Call.HeartbeatInterval)
	}
	if len(c.Call.ICEServers) == 0 {
		return fmt.Errorf("CALL_ICE_SERVERS must list at least one server")
	}

	return nil
}

// RedisAddr returns host:port for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
