package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string   `mapstructure:"MIGRATIONS_DIR"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	JWTSecret string `mapstructure:"JWT_SECRET"`
	JWTIssuer string `mapstructure:"JWT_ISSUER"`

	SSEHeartbeatInterval time.Duration `mapstructure:"SSE_HEARTBEAT_INTERVAL"`
	SSEBufferSize        int           `mapstructure:"SSE_BUFFER_SIZE"`

	RTCMaxPeersPerRoom int           `mapstructure:"RTC_MAX_PEERS_PER_ROOM"`
	RTCMaxMessageBytes int64         `mapstructure:"RTC_MAX_MESSAGE_BYTES"`
	RTCPingInterval    time.Duration `mapstructure:"RTC_PING_INTERVAL"`
	RTCIdleTimeout     time.Duration `mapstructure:"RTC_IDLE_TIMEOUT"`
	RTCSendQueueSize   int           `mapstructure:"RTC_SEND_QUEUE_SIZE"`
	RTCICEServersJSON  string        `mapstructure:"RTC_ICE_SERVERS_JSON"`
	RTCStunURLs        string        `mapstructure:"RTC_STUN_URLS"`
	RTCTurnURLs        string        `mapstructure:"RTC_TURN_URLS"`
	RTCTurnUsername    string        `mapstructure:"RTC_TURN_USERNAME"`
	RTCTurnCredential  string        `mapstructure:"RTC_TURN_CREDENTIAL"`

	SendGridAPIKey string `mapstructure:"SENDGRID_API_KEY"`
	EmailFrom      string `mapstructure:"EMAIL_FROM"`
	EmailFromName  string `mapstructure:"EMAIL_FROM_NAME"`

	FirebaseCredentialsFile string `mapstructure:"FIREBASE_CREDENTIALS_FILE"`

	ReminderInterval  time.Duration `mapstructure:"REMINDER_INTERVAL"`
	ReminderBatchSize int           `mapstructure:"REMINDER_BATCH_SIZE"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR", "CORS_ORIGINS",
	"JWT_SECRET", "JWT_ISSUER",
	"SSE_HEARTBEAT_INTERVAL", "SSE_BUFFER_SIZE",
	"RTC_MAX_PEERS_PER_ROOM", "RTC_MAX_MESSAGE_BYTES", "RTC_PING_INTERVAL", "RTC_IDLE_TIMEOUT",
	"RTC_SEND_QUEUE_SIZE", envICEServersJSON, envStunURLs, envTurnURLs, envTurnUsername, envTurnCredential,
	"SENDGRID_API_KEY", "EMAIL_FROM", "EMAIL_FROM_NAME",
	"FIREBASE_CREDENTIALS_FILE",
	"REMINDER_INTERVAL", "REMINDER_BATCH_SIZE",
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; variables already set in the
// process environment take precedence over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("SSE_HEARTBEAT_INTERVAL", "25s")
	v.SetDefault("SSE_BUFFER_SIZE", 32)
	v.SetDefault("RTC_MAX_PEERS_PER_ROOM", 0)
	v.SetDefault("RTC_MAX_MESSAGE_BYTES", 64*1024)
	v.SetDefault("RTC_PING_INTERVAL", "20s")
	v.SetDefault("RTC_IDLE_TIMEOUT", "60s")
	v.SetDefault("RTC_SEND_QUEUE_SIZE", 64)
	v.SetDefault("EMAIL_FROM", "no-reply@clinic.local")
	v.SetDefault("EMAIL_FROM_NAME", "Clinic")
	v.SetDefault("REMINDER_INTERVAL", "1m")
	v.SetDefault("REMINDER_BATCH_SIZE", 100)

	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = splitCommaSeparated(cfg.CORSOrigins[0])
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ICEServers returns the STUN/TURN servers handed to browsers for video
// consultations. RTC_ICE_SERVERS_JSON wins over the convenience variables.
func (c *Config) ICEServers() ([]webrtc.ICEServer, error) {
	return parseICEServersFromValues(c.RTCICEServersJSON, c.RTCStunURLs, c.RTCTurnURLs, c.RTCTurnUsername, c.RTCTurnCredential)
}

// Validate checks that the configuration is safe to run. Outside development
// a JWT secret is mandatory so that notification streams and signaling
// sockets are bound to verified identities.
func (c *Config) Validate() error {
	if !c.IsDev() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when ENV=%q", c.Env)
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.SSEHeartbeatInterval <= 0 {
		return fmt.Errorf("SSE_HEARTBEAT_INTERVAL must be positive")
	}
	if c.SSEBufferSize <= 0 {
		return fmt.Errorf("SSE_BUFFER_SIZE must be positive")
	}
	if c.RTCMaxPeersPerRoom < 0 {
		return fmt.Errorf("RTC_MAX_PEERS_PER_ROOM must not be negative")
	}
	if c.RTCMaxMessageBytes <= 0 {
		return fmt.Errorf("RTC_MAX_MESSAGE_BYTES must be positive")
	}
	if c.RTCPingInterval <= 0 || c.RTCIdleTimeout <= 0 {
		return fmt.Errorf("RTC_PING_INTERVAL and RTC_IDLE_TIMEOUT must be positive")
	}
	if c.RTCPingInterval >= c.RTCIdleTimeout {
		return fmt.Errorf("RTC_PING_INTERVAL (%s) must be shorter than RTC_IDLE_TIMEOUT (%s)", c.RTCPingInterval, c.RTCIdleTimeout)
	}
	if c.RTCSendQueueSize <= 0 {
		return fmt.Errorf("RTC_SEND_QUEUE_SIZE must be positive")
	}
	if _, err := c.ICEServers(); err != nil {
		return err
	}
	if c.ReminderInterval <= 0 {
		return fmt.Errorf("REMINDER_INTERVAL must be positive")
	}
	if c.ReminderBatchSize <= 0 {
		return fmt.Errorf("REMINDER_BATCH_SIZE must be positive")
	}
	return nil
}
