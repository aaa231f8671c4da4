package db

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"storefront-ledger/pkg/config"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/prometheus"
)

// Stores groups the three databases the ledger talks to. The fields may point
// at the same *gorm.DB when the configuration names the same database twice.
type Stores struct {
	// Account is the legacy account database, reachable only through its procedures.
	Account *gorm.DB
	// CMS holds payments, balances, donation logs, referral earnings and vouchers.
	CMS *gorm.DB
	// Game holds the spendable points pool.
	Game *gorm.DB
}

// SameGameTx reports whether game writes can join a CMS transaction.
func (s Stores) SameGameTx() bool {
	return s.Game == s.CMS
}

var Module = fx.Module("database",
	fx.Provide(
		NewStores,
	),
	fx.Invoke(RegisterConnectionPool),
)

type storesParams struct {
	fx.In
	Config *config.Config
}

func NewStores(p storesParams) (Stores, error) {
	opened := map[string]*gorm.DB{}
	open := func(name string, c config.DatabaseConfig) (*gorm.DB, error) {
		key := c.Type + "|" + c.DSN()
		if db, ok := opened[key]; ok {
			return db, nil
		}
		dialector, err := Dialect(c)
		if err != nil {
			return nil, fmt.Errorf("%s store: %w", name, err)
		}
		db := New(p.Config, dialector)
		if err := Otel(db); err != nil {
			return nil, err
		}
		if c.Metrics {
			if err := Metric(db, c.DBNAME); err != nil {
				return nil, err
			}
		}
		opened[key] = db
		return db, nil
	}

	var (
		s   Stores
		err error
	)
	if s.Account, err = open("account", p.Config.Database.Account); err != nil {
		return Stores{}, err
	}
	if s.CMS, err = open("cms", p.Config.Database.CMS); err != nil {
		return Stores{}, err
	}
	if s.Game, err = open("game", p.Config.Database.Game); err != nil {
		return Stores{}, err
	}
	return s, nil
}

func Dialect(c config.DatabaseConfig) (gorm.Dialector, error) {
	switch c.Type {
	case "postgres":
		return postgres.Open(c.DSN()), nil
	case "mysql":
		return mysql.Open(c.DSN()), nil
	case "sqlite":
		return sqlite.Open(c.DSN()), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", c.Type)
	}
}

func New(cfg *config.Config, dialector gorm.Dialector) *gorm.DB {
	var db *gorm.DB
	var err error

	var logLevel logger.LogLevel
	var showSQL bool

	if cfg.AppEnv == "production" {
		logLevel = logger.Warn
		showSQL = false
	} else {
		logLevel = logger.Info
		showSQL = true
	}

	gormLogger := NewZapGormLogger(zap.L(), logLevel, showSQL)

	for i := 0; i < 5; i++ {
		db, err = gorm.Open(dialector, &gorm.Config{
			Logger:         gormLogger,
			TranslateError: true,
		})
		if err == nil {
			break
		}
		zap.L().Warn("[DB] Database not ready, retrying in 3 seconds... ", zap.Int("retry", i+1), zap.Error(err))
		time.Sleep(3 * time.Second)
	}

	if err != nil {
		zap.L().Error("[DB] Failed to connect to database", zap.Error(err))
		os.Exit(1)
	}

	zap.L().Info("[DB] Database connection configured", zap.String("dialect", dialector.Name()))

	return db
}

type connectionPoolParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Stores    Stores
	Config    *config.Config
}

func RegisterConnectionPool(p connectionPoolParams) error {
	pools := []struct {
		name string
		db   *gorm.DB
		cfg  config.DatabaseConfig
	}{
		{"account", p.Stores.Account, p.Config.Database.Account},
		{"cms", p.Stores.CMS, p.Config.Database.CMS},
		{"game", p.Stores.Game, p.Config.Database.Game},
	}

	seen := map[*gorm.DB]bool{}
	for _, pool := range pools {
		if seen[pool.db] {
			continue
		}
		seen[pool.db] = true

		sqlDB, err := pool.db.DB()
		if err != nil {
			return fmt.Errorf("%s store: %w", pool.name, err)
		}

		cp := pool.cfg.ConnectionPool
		if cp.MaxIdleConn > 0 {
			sqlDB.SetMaxIdleConns(cp.MaxIdleConn)
		}
		if cp.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cp.MaxOpenConns)
		}
		sqlDB.SetConnMaxLifetime(cp.ConnMaxLifetime)
		sqlDB.SetConnMaxIdleTime(cp.ConnMaxIdleTime)

		name := pool.name
		zap.L().Info("[DB] Connection pool configured", zap.String("store", name))
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				zap.L().Info("[DB] Closing connection pool...", zap.String("store", name))
				return sqlDB.Close()
			},
		})
	}
	return nil
}

// Ping checks every distinct store connection.
func (s Stores) Ping(ctx context.Context) error {
	seen := map[*gorm.DB]bool{}
	for name, db := range map[string]*gorm.DB{"account": s.Account, "cms": s.CMS, "game": s.Game} {
		if db == nil || seen[db] {
			continue
		}
		seen[db] = true
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("%s store: %w", name, err)
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return fmt.Errorf("%s store: %w", name, err)
		}
	}
	return nil
}

func Otel(db *gorm.DB) error {
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		zap.L().Error("Failed to register db telemetry", zap.Error(err))
		return err
	}

	return nil
}

// Metric registers the gorm prometheus plugin. Metrics are exposed through the
// default registry served on /metrics, so the plugin's own server stays off.
func Metric(db *gorm.DB, name string) error {
	collectors := []prometheus.MetricsCollector{}
	if _, ok := db.Dialector.(*postgres.Dialector); ok {
		collectors = append(collectors, &prometheus.Postgres{VariableNames: []string{"Threads_running"}})
	}
	if _, ok := db.Dialector.(*mysql.Dialector); ok {
		collectors = append(collectors, &prometheus.MySQL{VariableNames: []string{"Threads_running"}})
	}

	if err := db.Use(prometheus.New(prometheus.Config{
		DBName:           valueOr(name, getDBNameFromDialector(db.Dialector)),
		RefreshInterval:  15,
		StartServer:      false,
		MetricsCollector: collectors,
	})); err != nil {
		zap.L().Error("Failed to register db metrics", zap.Error(err))
		return err
	}
	return nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func extractDBNameFromDSN(dsn string) string {
	for _, part := range strings.Fields(dsn) {
		if strings.HasPrefix(part, "dbname=") {
			return strings.TrimPrefix(part, "dbname=")
		}
	}
	if i := strings.LastIndex(dsn, "/"); i >= 0 {
		name := dsn[i+1:]
		if j := strings.Index(name, "?"); j >= 0 {
			name = name[:j]
		}
		return name
	}
	return "unknown"
}

func getDBNameFromDialector(dialector gorm.Dialector) string {
	switch d := dialector.(type) {
	case *postgres.Dialector:
		return extractDBNameFromDSN(d.Config.DSN)
	case *mysql.Dialector:
		return extractDBNameFromDSN(d.Config.DSN)
	default:
		return "unknown"
	}
}
