// Package config defines environment presets and loads the print service
// configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Build variables, injected at compile time
var (
	BuildEnvironment = "local"
	BuildDate        = "unknown"
	BuildTime        = "unknown"
	// ServiceName is used for logging and as part of the log file path.
	ServiceName = "Printomat"
	// AuthTokenHashB64 is a base64-encoded bcrypt hash of the printer token
	// injected via ldflags. Takes precedence over AuthToken.
	AuthTokenHashB64 = ""
	// AuthToken is the plain printer token injected via ldflags.
	AuthToken = ""
	// ServerPort is the default port, can be overridden by the config file.
	ServerPort = "8000"
	// AllowedOrigins is a comma-separated list of allowed origins injected via ldflags.
	// Example: "https://print.example.com,http://localhost:*"
	AllowedOrigins = ""
)

// EnvPrefix prefixes environment overrides, e.g. PRINTOMAT_QUEUE_CAPACITY.
const EnvPrefix = "PRINTOMAT"

// Config is the complete service configuration.
type Config struct {
	// Name of the environment preset the defaults came from.
	Name        string `mapstructure:"-"`
	ServiceName string `mapstructure:"-"`

	ListenAddr     string        `mapstructure:"listen_addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	Verbose        bool          `mapstructure:"verbose"`
	LogFile        string        `mapstructure:"log_file"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	TrustedProxies []string      `mapstructure:"trusted_proxies"`
	TokensFile     string        `mapstructure:"tokens_file"`

	Queue     QueueConfig     `mapstructure:"queue"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Printer   PrinterConfig   `mapstructure:"printer"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

type QueueConfig struct {
	// Capacity bounds untrusted submissions. 0 is unbounded.
	Capacity     int `mapstructure:"capacity"`
	HistoryLimit int `mapstructure:"history_limit"`
}

type RateLimitConfig struct {
	Cooldown     time.Duration `mapstructure:"cooldown"`
	IdleEviction time.Duration `mapstructure:"idle_eviction"`
	// RedisAddr switches to the shared Redis limiter when set.
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPrefix string `mapstructure:"redis_prefix"`
}

type DeliveryConfig struct {
	MaxAttempts          int           `mapstructure:"max_attempts"`
	AckTimeout           time.Duration `mapstructure:"ack_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	RetryPrinterFailures bool          `mapstructure:"retry_printer_failures"`
}

type PrinterConfig struct {
	AuthToken       string        `mapstructure:"auth_token"`
	AuthTokenHash   string        `mapstructure:"auth_token_hash"`
	MaxAuthFailures int           `mapstructure:"max_auth_failures"`
	Lockout         time.Duration `mapstructure:"lockout"`
}

type AuditConfig struct {
	// DBPath of the SQLite history store. Empty disables it.
	DBPath string `mapstructure:"db_path"`
	// KafkaBrokers enable the event stream when set.
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
	Buffer       int      `mapstructure:"buffer"`
}

// LogPath returns the conventional log file path under dir:
// <dir>/<ServiceName>/<ServiceName>.log
func (c Config) LogPath(dir string) string {
	return filepath.Join(dir, c.ServiceName, c.ServiceName+".log")
}

func base() Config {
	return Config{
		ServiceName: ServiceName,
		TokensFile:  "tokens.yaml",
		Queue:       QueueConfig{Capacity: 100, HistoryLimit: 1000},
		RateLimit: RateLimitConfig{
			Cooldown:     time.Hour,
			IdleEviction: 2 * time.Hour,
			RedisPrefix:  "printomat:ratelimit:",
		},
		Delivery: DeliveryConfig{
			MaxAttempts:          3,
			AckTimeout:           60 * time.Second,
			WriteTimeout:         10 * time.Second,
			RetryPrinterFailures: true,
		},
		Printer: PrinterConfig{
			AuthToken:       AuthToken,
			AuthTokenHash:   AuthTokenHashB64,
			MaxAuthFailures: 5,
			Lockout:         5 * time.Minute,
		},
		Audit: AuditConfig{
			DBPath:     "printomat.db",
			KafkaTopic: "printomat.jobs",
			Buffer:     256,
		},
	}
}

// environments defines available deployment presets
var environments = map[string]func() Config{
	"remote": func() Config {
		c := base()
		c.Name = "REMOTE"
		c.ListenAddr = "0.0.0.0:" + ServerPort
		c.ReadTimeout = 15 * time.Second
		c.WriteTimeout = 15 * time.Second
		c.IdleTimeout = 60 * time.Second
		c.Verbose = false
		// Browsers may only submit from known pages.
		c.AllowedOrigins = []string{"http://localhost:*", "https://localhost:*"}
		return c
	},
	"local": func() Config {
		c := base()
		c.Name = "LOCAL"
		c.ListenAddr = "localhost:" + ServerPort
		c.ReadTimeout = 30 * time.Second
		c.WriteTimeout = 30 * time.Second
		c.IdleTimeout = 120 * time.Second
		c.Verbose = true
		c.AllowedOrigins = nil
		return c
	},
}

// GetEnvironment returns the preset for env, falling back to local.
func GetEnvironment(env string, logger *zap.Logger) Config {
	preset, ok := environments[env]
	if !ok {
		if logger != nil {
			logger.Warn("[CONFIG] unknown environment, defaulting to local", zap.String("env", env))
		}
		preset = environments["local"]
	}
	cfg := preset()

	if AllowedOrigins != "" {
		cfg.AllowedOrigins = strings.Split(AllowedOrigins, ",")
	}
	return cfg
}

// Load overlays the config file at path (or ./printomat.yaml when path is
// empty) and PRINTOMAT_* variables on the build environment's preset. A
// missing file is not an error.
func Load(path string, logger *zap.Logger) (Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	preset := GetEnvironment(BuildEnvironment, logger)

	v := viper.New()
	setDefaults(v, preset)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("printomat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		logger.Warn("[CONFIG] config file not found, using defaults", zap.String("path", path))
	} else {
		logger.Info("[CONFIG] loaded config file", zap.String("path", v.ConfigFileUsed()))
	}

	cfg := preset
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("listen_addr", c.ListenAddr)
	v.SetDefault("read_timeout", c.ReadTimeout)
	v.SetDefault("write_timeout", c.WriteTimeout)
	v.SetDefault("idle_timeout", c.IdleTimeout)
	v.SetDefault("verbose", c.Verbose)
	v.SetDefault("log_file", c.LogFile)
	v.SetDefault("allowed_origins", c.AllowedOrigins)
	v.SetDefault("trusted_proxies", c.TrustedProxies)
	v.SetDefault("tokens_file", c.TokensFile)

	v.SetDefault("queue.capacity", c.Queue.Capacity)
	v.SetDefault("queue.history_limit", c.Queue.HistoryLimit)

	v.SetDefault("rate_limit.cooldown", c.RateLimit.Cooldown)
	v.SetDefault("rate_limit.idle_eviction", c.RateLimit.IdleEviction)
	v.SetDefault("rate_limit.redis_addr", c.RateLimit.RedisAddr)
	v.SetDefault("rate_limit.redis_prefix", c.RateLimit.RedisPrefix)

	v.SetDefault("delivery.max_attempts", c.Delivery.MaxAttempts)
	v.SetDefault("delivery.ack_timeout", c.Delivery.AckTimeout)
	v.SetDefault("delivery.write_timeout", c.Delivery.WriteTimeout)
	v.SetDefault("delivery.retry_printer_failures", c.Delivery.RetryPrinterFailures)

	v.SetDefault("printer.auth_token", c.Printer.AuthToken)
	v.SetDefault("printer.auth_token_hash", c.Printer.AuthTokenHash)
	v.SetDefault("printer.max_auth_failures", c.Printer.MaxAuthFailures)
	v.SetDefault("printer.lockout", c.Printer.Lockout)

	v.SetDefault("audit.db_path", c.Audit.DBPath)
	v.SetDefault("audit.kafka_brokers", c.Audit.KafkaBrokers)
	v.SetDefault("audit.kafka_topic", c.Audit.KafkaTopic)
	v.SetDefault("audit.buffer", c.Audit.Buffer)
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.RateLimit.Cooldown <= 0 {
		errs = append(errs, errors.New("rate_limit.cooldown must be positive"))
	}
	if c.Delivery.MaxAttempts <= 0 {
		errs = append(errs, errors.New("delivery.max_attempts must be positive"))
	}
	if c.Delivery.AckTimeout <= 0 {
		errs = append(errs, errors.New("delivery.ack_timeout must be positive"))
	}
	if c.Printer.AuthToken == "" && c.Printer.AuthTokenHash == "" {
		errs = append(errs, errors.New("printer.auth_token or printer.auth_token_hash is required"))
	}
	if c.Queue.Capacity < 0 {
		errs = append(errs, errors.New("queue.capacity must not be negative"))
	}
	if len(c.Audit.KafkaBrokers) > 0 && c.Audit.KafkaTopic == "" {
		errs = append(errs, errors.New("audit.kafka_topic is required with kafka_brokers"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
