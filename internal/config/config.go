package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ruralpay/wallet/internal/money"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Paystack  PaystackConfig
	Limits    LimitsConfig
	JWT       JWTConfig
	Kafka     KafkaConfig
	Sweeper   SweeperConfig
	RateLimit RateLimitConfig
	LogLevel  string
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrateOnStart  bool
}

// DSN returns a lib/pq key/value connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

type PaystackConfig struct {
	BaseURL     string
	SecretKey   string
	CallbackURL string
	Timeout     time.Duration
}

// LimitsConfig carries the business limits, already converted to minor units.
type LimitsConfig struct {
	MinDeposit           money.Amount
	MinTransfer          money.Amount
	LockTimeout          time.Duration
	RoutingNumberRetries int
}

type JWTConfig struct {
	SecretKey string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type SweeperConfig struct {
	Interval   time.Duration
	PendingTTL time.Duration
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

var envBindings = map[string]string{
	"server.port":                   "PORT",
	"server.allowed_origins":        "CORS_ALLOWED_ORIGINS",
	"database.host":                 "DATABASE_HOST",
	"database.port":                 "DATABASE_PORT",
	"database.user":                 "DATABASE_USER",
	"database.password":             "DATABASE_PASSWORD",
	"database.name":                 "DATABASE_NAME",
	"database.ssl_mode":             "DATABASE_SSL_MODE",
	"database.migrate_on_start":     "DATABASE_MIGRATE_ON_START",
	"redis.host":                    "REDIS_HOST",
	"redis.port":                    "REDIS_PORT",
	"redis.password":                "REDIS_PASSWORD",
	"redis.db":                      "REDIS_DB",
	"paystack.base_url":             "PAYSTACK_BASE_URL",
	"paystack.secret_key":           "PAYSTACK_SECRET_KEY",
	"paystack.callback_url":         "PAYSTACK_CALLBACK_URL",
	"limits.min_deposit":            "MIN_DEPOSIT",
	"limits.min_transfer":           "MIN_TRANSFER",
	"limits.lock_timeout":           "LOCK_TIMEOUT",
	"limits.routing_number_retries": "ROUTING_NUMBER_RETRIES",
	"jwt.secret_key":                "JWT_SECRET_KEY",
	"kafka.brokers":                 "KAFKA_BROKERS",
	"kafka.topic":                   "KAFKA_TOPIC",
	"sweeper.interval":              "SWEEPER_INTERVAL",
	"sweeper.pending_ttl":           "DEPOSIT_PENDING_TTL",
	"ratelimit.requests":            "RATE_LIMIT_REQUESTS",
	"ratelimit.window":              "RATE_LIMIT_WINDOW",
	"log.level":                     "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", "https://*,http://*")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.name", "wallet")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.migrate_on_start", true)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("paystack.base_url", "https://api.paystack.co")
	v.SetDefault("paystack.timeout", 15*time.Second)

	// major units
	v.SetDefault("limits.min_deposit", "100")
	v.SetDefault("limits.min_transfer", "100")
	v.SetDefault("limits.lock_timeout", 5*time.Second)
	v.SetDefault("limits.routing_number_retries", 5)

	v.SetDefault("kafka.topic", "wallet-events")

	v.SetDefault("sweeper.interval", 5*time.Minute)
	v.SetDefault("sweeper.pending_ttl", 24*time.Hour)

	v.SetDefault("ratelimit.requests", 10)
	v.SetDefault("ratelimit.window", time.Minute)

	v.SetDefault("log.level", "info")
}

// Load reads an optional config file (the .env in the working directory by
// default), then the environment, over the built-in defaults.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile == "" {
		configFile = ".env"
	}
	v.SetConfigFile(configFile)
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	// dotenv files yield flat keys such as "paystack_secret_key"; fold them
	// into the nested keys so file values sit between defaults and env.
	for key, env := range envBindings {
		if flat := strings.ToLower(env); v.InConfig(flat) {
			v.SetDefault(key, v.Get(flat))
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	minDeposit, err := money.ParseMajor(v.GetString("limits.min_deposit"))
	if err != nil {
		return nil, fmt.Errorf("limits.min_deposit: %w", err)
	}
	minTransfer, err := money.ParseMajor(v.GetString("limits.min_transfer"))
	if err != nil {
		return nil, fmt.Errorf("limits.min_transfer: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            v.GetString("server.port"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
			AllowedOrigins:  splitList(v.GetString("server.allowed_origins")),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetString("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			Name:            v.GetString("database.name"),
			SSLMode:         v.GetString("database.ssl_mode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			MigrateOnStart:  v.GetBool("database.migrate_on_start"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Paystack: PaystackConfig{
			BaseURL:     v.GetString("paystack.base_url"),
			SecretKey:   v.GetString("paystack.secret_key"),
			CallbackURL: v.GetString("paystack.callback_url"),
			Timeout:     v.GetDuration("paystack.timeout"),
		},
		Limits: LimitsConfig{
			MinDeposit:           minDeposit,
			MinTransfer:          minTransfer,
			LockTimeout:          v.GetDuration("limits.lock_timeout"),
			RoutingNumberRetries: v.GetInt("limits.routing_number_retries"),
		},
		JWT: JWTConfig{
			SecretKey: v.GetString("jwt.secret_key"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
		},
		Sweeper: SweeperConfig{
			Interval:   v.GetDuration("sweeper.interval"),
			PendingTTL: v.GetDuration("sweeper.pending_ttl"),
		},
		RateLimit: RateLimitConfig{
			Requests: v.GetInt("ratelimit.requests"),
			Window:   v.GetDuration("ratelimit.window"),
		},
		LogLevel: v.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Paystack.SecretKey == "" {
		return errors.New("PAYSTACK_SECRET_KEY is required")
	}
	if c.JWT.SecretKey == "" {
		return errors.New("JWT_SECRET_KEY is required")
	}
	if !c.Limits.MinDeposit.Positive() || !c.Limits.MinTransfer.Positive() {
		return errors.New("minimum amounts must be positive")
	}
	if c.Limits.RoutingNumberRetries <= 0 {
		return errors.New("ROUTING_NUMBER_RETRIES must be positive")
	}
	return nil
}

func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
