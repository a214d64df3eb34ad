/**
 * @description
 * This package handles the configuration management for the request service. It
 * uses Viper to read configuration from environment variables and an optional
 * .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading and env binding.
 */

package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the request service.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	AppEnv                   string `mapstructure:"APP_ENV"`
	LogLevel                 string `mapstructure:"LOG_LEVEL"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	DBMaxConns               int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns               int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix           string `mapstructure:"REDIS_KEY_PREFIX"`
	CacheTTLSeconds          int    `mapstructure:"CACHE_TTL_SECONDS"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	EventsExchange           string `mapstructure:"EVENTS_EXCHANGE"`
	DomainEffectsQueue       string `mapstructure:"DOMAIN_EFFECTS_QUEUE"`
	JWTSecret                string `mapstructure:"JWT_SECRET"`
	JWTIssuer                string `mapstructure:"JWT_ISSUER"`
	JWTAudience              string `mapstructure:"JWT_AUDIENCE"`
	CORSAllowedOrigins       string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	ApprovalChainsFile       string `mapstructure:"APPROVAL_CHAINS_FILE"`
	CreateRateLimitPerMinute int    `mapstructure:"CREATE_RATE_LIMIT_PER_MINUTE"`
	StaleApprovalJobSchedule string `mapstructure:"STALE_APPROVAL_JOB_SCHEDULE"`
	StaleApprovalAfterHours  int    `mapstructure:"STALE_APPROVAL_AFTER_HOURS"`
	OutboxPollIntervalMillis int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
	ShutdownTimeoutSeconds   int    `mapstructure:"SHUTDOWN_TIMEOUT_SECONDS"`
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("APP_ENV", "production")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("DB_MAX_CONNS", 20)
	viper.SetDefault("DB_MIN_CONNS", 2)
	viper.SetDefault("REDIS_KEY_PREFIX", "coop:requests")
	viper.SetDefault("CACHE_TTL_SECONDS", 60)
	viper.SetDefault("EVENTS_EXCHANGE", "coop.events")
	viper.SetDefault("DOMAIN_EFFECTS_QUEUE", "request_service.domain_effects")
	viper.SetDefault("JWT_ISSUER", "coop-auth")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	viper.SetDefault("APPROVAL_CHAINS_FILE", "config/approval_chains.yaml")
	viper.SetDefault("CREATE_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("STALE_APPROVAL_JOB_SCHEDULE", "@every 1h")
	viper.SetDefault("STALE_APPROVAL_AFTER_HOURS", 72)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", 1200)
	viper.SetDefault("SHUTDOWN_TIMEOUT_SECONDS", 15)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("APP_ENV", "APP_ENV", "ENVIRONMENT")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DB_MAX_CONNS")
	_ = viper.BindEnv("DB_MIN_CONNS")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "REQUEST_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("CACHE_TTL_SECONDS")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("DOMAIN_EFFECTS_QUEUE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("APPROVAL_CHAINS_FILE")
	_ = viper.BindEnv("CREATE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("STALE_APPROVAL_JOB_SCHEDULE")
	_ = viper.BindEnv("STALE_APPROVAL_AFTER_HOURS")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")
	_ = viper.BindEnv("SHUTDOWN_TIMEOUT_SECONDS")

	// A missing .env is fine; anything else is reported.
	if err = viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, err
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "coop:requests"
	}
	config.AppEnv = strings.ToLower(strings.TrimSpace(config.AppEnv))
	if config.DBMinConns > config.DBMaxConns {
		config.DBMinConns = config.DBMaxConns
	}
	return
}

// Validate reports settings the service cannot start without.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.DatabaseURL) == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		problems = append(problems, "JWT_SECRET is required")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Development reports whether the service runs in a developer environment.
func (c Config) Development() bool {
	return c.AppEnv == "development" || c.AppEnv == "dev" || c.AppEnv == "local"
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	parts := strings.Split(c.CORSAllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c Config) StaleApprovalAfter() time.Duration {
	return time.Duration(c.StaleApprovalAfterHours) * time.Hour
}

func (c Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalMillis) * time.Millisecond
}

func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}
