package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	config       = viper.New()
	configHolder atomic.Value
	backend      = "consul"
	backendAddr  = "127.0.0.1:8500"
	backendPath  = "development" // e.g., app/<env>/<service_name>
	configType   = "yaml"
)

// DatabaseConfig describes one of the three stores (legacy account, CMS, game).
type DatabaseConfig struct {
	Type           string `mapstructure:"TYPE" validate:"required,oneof=postgres mysql sqlite"`
	Host           string `mapstructure:"HOST"`
	Port           string `mapstructure:"PORT"`
	DBNAME         string `mapstructure:"DBNAME" validate:"required"`
	User           string `mapstructure:"USER"`
	Password       string `mapstructure:"PASSWORD"`
	SSLMode        string `mapstructure:"SSLMODE"`
	Timezone       string `mapstructure:"TIMEZONE"`
	Metrics        bool   `mapstructure:"METRICS"`
	ConnectionPool struct {
		MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
		MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
		ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
		ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
	} `mapstructure:"CONNECTION_POOL"`
}

// DSN renders the driver specific connection string.
func (d DatabaseConfig) DSN() string {
	switch d.Type {
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.DBNAME, valueOr(d.SSLMode, "disable"))
		if d.Timezone != "" {
			dsn += " TimeZone=" + d.Timezone
		}
		return dsn
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&loc=Local", d.User, d.Password, d.Host, d.Port, d.DBNAME)
	default:
		return d.DBNAME
	}
}

// BalanceCacheConfig drives the read-side balance cache.
type BalanceCacheConfig struct {
	TTL               time.Duration `mapstructure:"TTL" validate:"gt=0"`
	WarmupAccounts    []int64       `mapstructure:"WARMUP_ACCOUNTS"`
	WarmupRecentLimit int           `mapstructure:"WARMUP_RECENT_LIMIT" validate:"gte=0"`
	Concurrency       int           `mapstructure:"CONCURRENCY" validate:"gt=0"`
}

// LedgerConfig holds the business options consumed by the write paths. None of
// them has a default; a missing value fails validation at startup.
type LedgerConfig struct {
	SilkRate            string             `mapstructure:"SILK_RATE" validate:"required,numeric"`
	MinimumRedeemPoints int64              `mapstructure:"MINIMUM_REDEEM_POINTS" validate:"gt=0"`
	SilkPerPoint        int64              `mapstructure:"SILK_PER_POINT" validate:"gt=0"`
	VoteSilk            int64              `mapstructure:"VOTE_SILK" validate:"gte=0"`
	BalanceCache        BalanceCacheConfig `mapstructure:"BALANCE_CACHE"`
	Stats               struct {
		RefreshInterval time.Duration `mapstructure:"REFRESH_INTERVAL" validate:"gte=0"`
	} `mapstructure:"STATS"`
	SnowflakeNode int64 `mapstructure:"SNOWFLAKE_NODE" validate:"gte=0,lte=1023"`
}

// LegacyConfig describes the fixed stored-procedure contract of the account store.
type LegacyConfig struct {
	BalanceStatement string        `mapstructure:"BALANCE_STATEMENT" validate:"required"`
	GrantStatement   string        `mapstructure:"GRANT_STATEMENT" validate:"required"`
	CallTimeout      time.Duration `mapstructure:"CALL_TIMEOUT"`
	Breaker          struct {
		FailureThreshold uint32        `mapstructure:"FAILURE_THRESHOLD"`
		Timeout          time.Duration `mapstructure:"TIMEOUT"`
		Interval         time.Duration `mapstructure:"INTERVAL"`
	} `mapstructure:"BREAKER"`
}

type Config struct {
	AppEnv       string `mapstructure:"APP_ENV"`
	AppName      string `mapstructure:"APP_NAME"`
	AppVersion   string `mapstructure:"APP_VERSION"`
	AppNamespace string `mapstructure:"APP_NAMESPACE"`
	LogLevel     string `mapstructure:"LOG_LEVEL"`
	TLS          struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"`
	} `mapstructure:"OTEL"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		AutoMigrate bool           `mapstructure:"AUTO_MIGRATE"`
		Account     DatabaseConfig `mapstructure:"ACCOUNT"`
		CMS         DatabaseConfig `mapstructure:"CMS"`
		Game        DatabaseConfig `mapstructure:"GAME"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Worker struct {
		Concurrency int `mapstructure:"CONCURRENCY"`
	} `mapstructure:"WORKER"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Consul struct {
		Addr        string `mapstructure:"ADDR"`
		ServiceHost string `mapstructure:"SERVICE_HOST"`
	} `mapstructure:"CONSUL"`
	Legacy LegacyConfig `mapstructure:"LEGACY"`
	Ledger LedgerConfig `mapstructure:"LEDGER"`
}

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Current returns the most recently loaded remote configuration, if any.
func Current() *Config {
	if cfg, ok := configHolder.Load().(*Config); ok {
		return cfg
	}
	return nil
}

var Module = fx.Module("config", fx.Provide(LoadConfig))
var RemoteModule = fx.Module("remote.config", fx.Provide(LoadRemote))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func LoadConfig(p Params) *Config {

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		zap.L().Error("failed to read config", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		if err := applySecrets(context.Background(), p.Vault, &cfg); err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}
	}

	if err := cfg.Validate(); err != nil {
		zap.L().Error("configuration rejected", zap.Error(err))
		os.Exit(1)
	}

	return &cfg
}

func LoadRemote(p Params) *Config {
	if p.Vault == nil {
		zap.L().Error("vault can't provide")
		os.Exit(1)
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		backend = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_ADDR"); ok {
		backendAddr = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PATH"); ok {
		backendPath = v
	}

	config.SetConfigType(configType)
	if err := config.AddRemoteProvider(backend, backendAddr, backendPath); err != nil {
		os.Exit(1)
	}

	if err := config.ReadRemoteConfig(); err != nil {
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		os.Exit(1)
	}

	if err := applySecrets(context.Background(), p.Vault, &cfg); err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		zap.L().Error("configuration rejected", zap.Error(err))
		os.Exit(1)
	}
	configHolder.Store(&cfg)

	go func() {
		for {
			time.Sleep(time.Second * 5)

			if err := config.WatchRemoteConfig(); err != nil {
				zap.L().Error("unable to read remote config", zap.Error(err))
				continue
			}

			// Only non-secret tunables are refreshed; services read them through Current().
			var newcfg Config
			if err := config.Unmarshal(&newcfg); err != nil {
				continue
			}
			if err := newcfg.Validate(); err != nil {
				zap.L().Warn("ignoring invalid remote config", zap.Error(err))
				continue
			}
			configHolder.Store(&newcfg)
		}
	}()

	return &cfg
}

func applySecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		return err
	}
	zap.L().Info("Success Get Secret")

	get := func(key string) string {
		if val, ok := secret.Data.Data[key].(string); ok {
			return val
		}
		return ""
	}

	cfg.Database.Account.User = get("account_db_user")
	cfg.Database.Account.Password = get("account_db_password")
	cfg.Database.CMS.User = get("cms_db_user")
	cfg.Database.CMS.Password = get("cms_db_password")
	cfg.Database.Game.User = get("game_db_user")
	cfg.Database.Game.Password = get("game_db_password")
	cfg.Redis.Password = get("redis_password")

	return nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
