package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
	Session    SessionConfig    `yaml:"session"`
	Store      StoreConfig      `yaml:"store"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	NATS       NATSConfig       `yaml:"nats"`
	JWT        JWTConfig        `yaml:"jwt"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	URL             string        `yaml:"url" env:"SERVER_URL"`
	InspectAddr     string        `yaml:"inspect_addr" env:"INSPECT_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ConnectionConfig tunes the shared connection. The acquire timeout bounds how
// long Acquire waits before handing back a connection that is still
// authenticating.
type ConnectionConfig struct {
	AcquireTimeout   time.Duration `yaml:"acquire_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	MaxRetries       int           `yaml:"max_retries" env:"CONNECTION_MAX_RETRIES"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongWait         time.Duration `yaml:"pong_wait"`
	WriteWait        time.Duration `yaml:"write_wait"`
}

type SessionConfig struct {
	AccessToken string `yaml:"access_token" env:"SESSION_ACCESS_TOKEN"`
}

type StoreConfig struct {
	Backend string `yaml:"backend" env:"STORE_BACKEND"` // memory | redis | postgres
}

type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"DB_HOST"`
	Port            int           `yaml:"port" env:"DB_PORT"`
	User            string        `yaml:"user" env:"DB_USER"`
	Password        string        `yaml:"password" env:"DB_PASSWORD"`
	Database        string        `yaml:"database" env:"DB_NAME"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host      string `yaml:"host" env:"REDIS_HOST"`
	Port      int    `yaml:"port" env:"REDIS_PORT"`
	Password  string `yaml:"password" env:"REDIS_PASSWORD"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type NATSConfig struct {
	URL         string `yaml:"url" env:"NATS_URL"`
	PushSubject string `yaml:"push_subject"`
	DeviceToken string `yaml:"device_token" env:"PUSH_DEVICE_TOKEN"`
	Platform    string `yaml:"platform"`
}

// JWTConfig verifies bearer tokens on the inspect API.
type JWTConfig struct {
	AccessTokenSecret string `yaml:"access_token_secret" env:"JWT_ACCESS_SECRET"`
	Issuer            string `yaml:"issuer"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Default returns the configuration used when a field is absent from the file.
func Default() Config {
	return Config{
		Server: ServerConfig{
			URL:             "ws://localhost:8082/ws",
			InspectAddr:     "127.0.0.1:9090",
			ShutdownTimeout: 10 * time.Second,
		},
		Connection: ConnectionConfig{
			AcquireTimeout:   5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			MaxRetries:       5,
			RetryBaseDelay:   500 * time.Millisecond,
			RetryMaxDelay:    10 * time.Second,
			PingInterval:     25 * time.Second,
			PongWait:         60 * time.Second,
			WriteWait:        10 * time.Second,
		},
		Store: StoreConfig{Backend: "memory"},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    1,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Host:      "localhost",
			Port:      6379,
			KeyPrefix: "chatsync",
		},
		NATS: NATSConfig{
			URL:         "nats://localhost:4222",
			PushSubject: "push.register",
			Platform:    "android",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
		c.SSLMode,
	)
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
