package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Env      string         `yaml:"env" toml:"env"`
	Storage  string         `yaml:"storage" toml:"storage"`
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Kafka    KafkaConfig    `yaml:"kafka" toml:"kafka"`
	Relay    RelayConfig    `yaml:"relay" toml:"relay"`
	Log      LogConfig      `yaml:"log" toml:"log"`
	Redis    RedisConfig    `yaml:"redis" toml:"redis"`
	Limits   LimitsConfig   `yaml:"limits" toml:"limits"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" toml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url" toml:"url"`
	MaxConns        int32         `yaml:"max_conns" toml:"max_conns"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" toml:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" toml:"max_conn_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate" toml:"auto_migrate"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl" toml:"token_ttl"`
	AdminEmails []string      `yaml:"admin_emails" toml:"admin_emails"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" toml:"brokers"`
	Topic   string   `yaml:"topic" toml:"topic"`
}

type RelayConfig struct {
	BatchSize   int           `yaml:"batch_size" toml:"batch_size"`
	Interval    time.Duration `yaml:"interval" toml:"interval"`
	MaxAttempts int           `yaml:"max_attempts" toml:"max_attempts"`
}

type LogConfig struct {
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// RedisConfig enables the seller directory cache when Addr is set.
type RedisConfig struct {
	Addr         string        `yaml:"addr" toml:"addr"`
	Password     string        `yaml:"password" toml:"password"`
	DB           int           `yaml:"db" toml:"db"`
	DirectoryTTL time.Duration `yaml:"directory_ttl" toml:"directory_ttl"`
}

// LimitsConfig throttles the unauthenticated auth endpoints per client IP.
// A zero rate disables the limiter.
type LimitsConfig struct {
	AuthPerMinute float64 `yaml:"auth_per_minute" toml:"auth_per_minute"`
	AuthBurst     int     `yaml:"auth_burst" toml:"auth_burst"`
}

// Default returns the configuration used when no file or variable overrides a field.
func Default() Config {
	return Config{
		Env:     "development",
		Storage: StoragePostgres,
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:        10,
			MaxConnIdleTime: 5 * time.Minute,
			MaxConnLifetime: time.Hour,
			AutoMigrate:     true,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Topic: "gigescrow.events",
		},
		Relay: RelayConfig{
			BatchSize:   50,
			Interval:    time.Second,
			MaxAttempts: 10,
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Redis: RedisConfig{
			DirectoryTTL: 5 * time.Second,
		},
		Limits: LimitsConfig{
			AuthPerMinute: 30,
			AuthBurst:     10,
		},
	}
}

// Load reads .env (when present), then the YAML or TOML file named by path or
// GIGESCROW_CONFIG, then applies environment overrides. Empty variables
// count as unset.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv("GIGESCROW_CONFIG")
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) readFile(path string) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		meta, err := toml.DecodeFile(path, c)
		if err != nil {
			return fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("config: decode %s: unknown field %q", path, undecoded[0].String())
		}
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("APP_ENV", &c.Env)
	setString("STORAGE", &c.Storage)
	setString("HTTP_ADDR", &c.Server.Addr)
	setString("DATABASE_URL", &c.Database.URL)
	setString("JWT_SECRET", &c.Auth.JWTSecret)
	setString("KAFKA_TOPIC", &c.Kafka.Topic)
	setString("LOG_FILE", &c.Log.File)
	setString("REDIS_ADDR", &c.Redis.Addr)
	setString("REDIS_PASSWORD", &c.Redis.Password)

	if v := os.Getenv("KAFKA_BROKERS"); strings.TrimSpace(v) != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("ADMIN_EMAILS"); strings.TrimSpace(v) != "" {
		c.Auth.AdminEmails = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("AUTO_MIGRATE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: AUTO_MIGRATE: %w", err)
		}
		c.Database.AutoMigrate = b
	}
	return nil
}

// Validate reports the first setting that would keep the service from starting.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.Database.URL == "" {
			return errors.New("config: DATABASE_URL is required for postgres storage")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("config: unknown storage %q", c.Storage)
	}
	if len(c.Auth.JWTSecret) < 16 {
		return errors.New("config: JWT_SECRET must be at least 16 characters")
	}
	if c.Server.Addr == "" {
		return errors.New("config: server address is required")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("config: kafka topic is required when brokers are set")
	}
	if c.Redis.Addr != "" && c.Redis.DirectoryTTL <= 0 {
		return errors.New("config: redis directory ttl must be positive")
	}
	if c.Limits.AuthPerMinute < 0 || c.Limits.AuthBurst < 0 {
		return errors.New("config: auth rate limits cannot be negative")
	}
	if c.Relay.BatchSize <= 0 || c.Relay.MaxAttempts <= 0 || c.Relay.Interval <= 0 {
		return errors.New("config: relay batch size, interval and max attempts must be positive")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
