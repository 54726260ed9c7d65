package ledgerx

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Store   StoreConfig   `mapstructure:"store"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	// NodeID seeds the snowflake generator of the memory store.
	NodeID   int64 `mapstructure:"node_id"`
	Postgres struct {
		ConnStr string `mapstructure:"conn_str"`
	} `mapstructure:"postgres"`
	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// LimitsConfig caps in-flight calls per operation class.
type LimitsConfig struct {
	Reads          int64         `mapstructure:"reads"`
	Writes         int64         `mapstructure:"writes"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

type BreakerConfig struct {
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
}

// LoadConfig reads the YAML file at path; every key can be overridden by an
// environment variable such as LEDGERX_STORE_POSTGRES_CONN_STR. An empty path
// yields the defaults plus environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ledgerx")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.node_id", 1)
	v.SetDefault("store.postgres.conn_str", "")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.key_prefix", "ledgerx")
	v.SetDefault("limits.reads", 256)
	v.SetDefault("limits.writes", 64)
	v.SetDefault("limits.acquire_timeout", 500*time.Millisecond)
	v.SetDefault("breaker.max_requests", 5)
	v.SetDefault("breaker.interval", time.Minute)
	v.SetDefault("breaker.timeout", 30*time.Second)
	v.SetDefault("breaker.consecutive_failures", 10)
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverRedis:
	case DriverPostgres:
		if c.Store.Postgres.ConnStr == "" {
			return errors.New("store.postgres.conn_str is required for the postgres driver")
		}
	default:
		return errors.New("store.driver must be one of memory, postgres, redis")
	}
	if c.Limits.Reads <= 0 || c.Limits.Writes <= 0 {
		return errors.New("limits.reads and limits.writes must be positive")
	}
	return nil
}
