package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"storefront-ledger/pkg/config"
	"storefront-ledger/pkg/db"
	"storefront-ledger/pkg/gen"
	"storefront-ledger/pkg/hashistack/secretmanager"
	"storefront-ledger/pkg/hashistack/servicediscover"
	"storefront-ledger/pkg/health"
	"storefront-ledger/pkg/httpapi"
	"storefront-ledger/pkg/logger"
	"storefront-ledger/pkg/otelcol"
	"storefront-ledger/pkg/profiling"
	"storefront-ledger/pkg/redis"
	"storefront-ledger/pkg/sequence"
	"storefront-ledger/pkg/server"
	"storefront-ledger/pkg/task"
	"storefront-ledger/services/account"
	"storefront-ledger/services/balancecache"
	"storefront-ledger/services/bootstrap"
	"storefront-ledger/services/gamestore"
	"storefront-ledger/services/ledger"
	"storefront-ledger/services/referral"
	"storefront-ledger/services/stats"
	"storefront-ledger/services/voucher"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		profiling.Module,
		otelcol.Module,
		db.Module,
		redis.Module,
		task.Client,
		sequence.Module,
		fx.Provide(
			server.RegisterServerMux,
			gen.NewSnowflakeNode,
		),
		bootstrap.Module,
		httpapi.Module,
		health.Module,
		health.GRPC,
		account.Module,
		balancecache.Module,
		balancecache.Gateway,
		gamestore.Module,
		ledger.Module,
		ledger.Gateway,
		referral.Module,
		referral.Gateway,
		voucher.Module,
		voucher.Gateway,
		stats.Module,
		stats.Gateway,
		server.ProvideGRPCServer,
		server.ProvideHTTPServer,
		servicediscover.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})
