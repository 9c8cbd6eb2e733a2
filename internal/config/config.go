package config

import "time"

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`

	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	// RedisAddr enables the cross-process presence tracker, fan-out bus and
	// notification queue. Empty means single-process in-memory equivalents.
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`

	PresenceTTL       time.Duration `mapstructure:"presence_ttl" yaml:"presence_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`

	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string `mapstructure:"jwt_audience" yaml:"jwt_audience"`

	QueueAttempts    int           `mapstructure:"queue_attempts" yaml:"queue_attempts"`
	QueueBackoffBase time.Duration `mapstructure:"queue_backoff_base" yaml:"queue_backoff_base"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		DatabasePath:      "relay.db",
		PresenceTTL:       60 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		JWTIssuer:         "relay-server",
		JWTAudience:       "relay-clients",
		QueueAttempts:     3,
		QueueBackoffBase:  time.Second,
	}
}
