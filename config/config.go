package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 服务配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Stream    StreamConfig    `mapstructure:"stream"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	Mode         string        `mapstructure:"mode"` // debug, release
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // postgres, sqlite
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// AuthConfig 仅用于校验后端服务签发的 token，本服务不负责登录
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type FeedConfig struct {
	PageSize        int    `mapstructure:"page_size"`
	HistoryPageSize int    `mapstructure:"history_page_size"`
	MaxPageSize     int    `mapstructure:"max_page_size"`
	PreviewSize     int    `mapstructure:"preview_size"`
	PublicChannelID string `mapstructure:"public_channel_id"`
}

// StreamConfig 变更流（outbox relay + redis pub/sub）
type StreamConfig struct {
	Backend      string        `mapstructure:"backend"` // redis, local
	Prefix       string        `mapstructure:"prefix"`
	RelayWorkers int           `mapstructure:"relay_workers"`
	ClaimLimit   int           `mapstructure:"claim_limit"`
	ClaimLease   time.Duration `mapstructure:"claim_lease"` // processing 超时后重新领取
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Heartbeat    time.Duration `mapstructure:"heartbeat"` // SSE 心跳间隔
}

type RateLimitConfig struct {
	WritesPerSecond float64 `mapstructure:"writes_per_second"`
	Burst           int     `mapstructure:"burst"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Insecure    bool    `mapstructure:"insecure"`
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 0) // SSE 长连接
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=feedsync port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", 10*time.Minute)

	v.SetDefault("redis.password", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("feed.page_size", 20)
	v.SetDefault("feed.history_page_size", 100)
	v.SetDefault("feed.max_page_size", 100)
	v.SetDefault("feed.preview_size", 5)
	v.SetDefault("feed.public_channel_id", "00000000-0000-0000-0000-000000000001")

	v.SetDefault("stream.backend", "redis")
	v.SetDefault("stream.prefix", "changes")
	v.SetDefault("stream.relay_workers", 2)
	v.SetDefault("stream.claim_limit", 128)
	v.SetDefault("stream.poll_interval", 50*time.Millisecond)
	v.SetDefault("stream.claim_lease", 30*time.Second)
	v.SetDefault("stream.heartbeat", 15*time.Second)

	v.SetDefault("ratelimit.writes_per_second", 5.0)
	v.SetDefault("ratelimit.burst", 10)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "feedsync")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "development")
}

// Load 读取 config.yaml（可选）并允许 FEED_ 前缀环境变量覆盖，例如 FEED_DATABASE_DSN
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if p := strings.TrimSpace(os.Getenv("FEED_CONFIG")); p != "" {
		v.SetConfigFile(p)
	}

	v.SetEnvPrefix("FEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Feed.PageSize <= 0 || c.Feed.MaxPageSize < c.Feed.PageSize {
		return errors.New("config: feed.page_size must be positive and <= feed.max_page_size")
	}
	if c.Feed.PreviewSize <= 0 {
		return errors.New("config: feed.preview_size must be positive")
	}
	if strings.TrimSpace(c.Feed.PublicChannelID) == "" {
		return errors.New("config: feed.public_channel_id is required")
	}
	switch c.Stream.Backend {
	case "redis", "local":
	default:
		return errors.New("config: stream.backend must be redis or local")
	}
	return nil
}
